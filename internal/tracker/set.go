package tracker

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/arashi-run/gorent/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Set fans an announce out to every tracker a torrent lists, each
// individually rate-limited. It merges the reachable peer lists and
// ignores individual tracker failures.
type Set struct {
	trackers []*Tracker
	log      *slog.Logger
}

// NewSet builds a Set with one Tracker per URL.
func NewSet(urls []string, timeout time.Duration, log *slog.Logger) *Set {
	ts := make([]*Tracker, 0, len(urls))
	for _, u := range urls {
		ts = append(ts, New(u, timeout, log))
	}
	return &Set{trackers: ts, log: log}
}

// Announce issues the event to every tracker concurrently and returns the
// union of every peer list received. A single tracker's failure is
// logged and does not fail the call.
func (s *Set) Announce(ctx context.Context, params AnnounceParams) []netip.AddrPort {
	var (
		g       errgroup.Group
		results = make([][]netip.AddrPort, len(s.trackers))
	)

	for i, t := range s.trackers {
		i, t := i, t
		g.Go(func() error {
			var resp *AnnounceResponse
			err := retry.Do(ctx, func(ctx context.Context) error {
				r, err := t.Announce(ctx, params)
				if err != nil {
					return err
				}
				resp = r
				return nil
			}, retry.WithLinearBackoff(2*time.Second, 2)...)
			if err != nil || resp == nil {
				if err != nil {
					s.log.Debug("announce exhausted retries", "tracker", t.URL(), "error", err)
				}
				return nil
			}
			results[i] = resp.Peers
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[netip.AddrPort]bool)
	var merged []netip.AddrPort
	for _, peers := range results {
		for _, p := range peers {
			if !seen[p] {
				seen[p] = true
				merged = append(merged, p)
			}
		}
	}
	return merged
}

// Len returns the number of trackers in the set.
func (s *Set) Len() int { return len(s.trackers) }
