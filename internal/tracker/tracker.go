// Package tracker implements the HTTP tracker announce protocol: building
// the announce request, rate-limiting it per tracker, and parsing the
// compact peer list out of the bencoded response.
package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/arashi-run/gorent/internal/bencode"
)

// Event is the lifecycle event reported on an announce.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams carries the client-side state an announce reports.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// AnnounceResponse is the subset of a tracker's reply the client acts on.
type AnnounceResponse struct {
	Interval int
	Peers    []netip.AddrPort
}

// Tracker holds the per-tracker announce state: the URL and the rate
// limiting clocks. A Tracker is single-task owned; its only internal
// locking is mu, which guards the rate-limiting clocks.
type Tracker struct {
	url string
	log *slog.Logger

	httpClient *http.Client

	mu                  sync.Mutex
	lastRequestAt       time.Time
	lastSuccessAt       time.Time
	announceInterval    time.Duration
	failureBackoff      time.Duration
}

const (
	defaultAnnounceInterval = 30 * time.Minute
	defaultFailureBackoff   = 15 * time.Second
)

// New returns a Tracker for the given announce URL.
func New(announceURL string, timeout time.Duration, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		url:              announceURL,
		log:              log.With("tracker", announceURL),
		httpClient:       &http.Client{Timeout: timeout},
		announceInterval: defaultAnnounceInterval,
		failureBackoff:   defaultFailureBackoff,
	}
}

// URL returns the tracker's announce URL.
func (t *Tracker) URL() string { return t.url }

// Announce issues an announce request unless the rate rule suppresses it.
// A Started announce is rate-limited; None/Stopped/Completed always go
// out. Returns (nil, nil) when suppressed.
func (t *Tracker) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	now := time.Now()

	t.mu.Lock()
	if params.Event == EventStarted && t.suppressed(now) {
		t.mu.Unlock()
		return nil, nil
	}
	t.lastRequestAt = now
	t.mu.Unlock()

	resp, err := t.doAnnounce(ctx, params)
	if err != nil {
		t.log.Warn("announce failed", "error", err)
		return nil, err
	}

	t.mu.Lock()
	t.lastSuccessAt = time.Now()
	t.announceInterval = time.Duration(resp.Interval) * time.Second
	t.failureBackoff = max(t.announceInterval, defaultFailureBackoff)
	t.mu.Unlock()

	return resp, nil
}

// suppressed reports whether a Started announce should be dropped given
// now. A Started announce is sent only once both the long-term announce
// interval has elapsed since the last success AND the short-term backoff
// has elapsed since the last request; it is suppressed otherwise. This
// is what makes two back-to-back Started calls collapse to exactly one
// HTTP GET, and a Stopped issued in between still goes out unconditionally
// since only Started is rate-limited here.
func (t *Tracker) suppressed(now time.Time) bool {
	if t.lastRequestAt.IsZero() {
		return false
	}
	inInterval := t.lastSuccessAt.IsZero() || now.Sub(t.lastSuccessAt) < t.announceInterval
	pastBackoff := now.Sub(t.lastRequestAt) >= t.failureBackoff
	return inInterval || !pastBackoff
}

func (t *Tracker) doAnnounce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	u, err := t.buildAnnounceURL(params)
	if err != nil {
		return nil, fmt.Errorf("tracker: build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: build request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: non-200 response: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tracker: read body: %w", err)
	}

	return parseAnnounceResponse(body)
}

func (t *Tracker) buildAnnounceURL(p AnnounceParams) (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	q.Set("left", strconv.FormatInt(p.Left, 10))
	q.Set("compact", "1")
	if ev := p.Event.String(); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	decoded, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}

	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response is not a dict")
	}

	if reason, ok := dict["failure reason"]; ok {
		s, _ := toString(reason)
		return nil, fmt.Errorf("tracker: failure reason: %s", s)
	}

	intervalVal, ok := dict["interval"]
	if !ok {
		return nil, fmt.Errorf("tracker: response missing 'interval'")
	}
	interval, err := toInt(intervalVal)
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("tracker: invalid 'interval'")
	}

	peersVal, ok := dict["peers"]
	if !ok {
		return nil, fmt.Errorf("tracker: response missing 'peers'")
	}
	peers, err := decodeCompactPeers(peersVal)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid 'peers': %w", err)
	}

	return &AnnounceResponse{Interval: int(interval), Peers: peers}, nil
}
