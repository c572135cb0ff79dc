// Package client wires the tracker set, the piece store, and the peer
// session map into the running orchestrator: it dials and accepts peer
// connections, fans out tracker peer lists, and broadcasts Have messages
// on piece verification.
package client

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/arashi-run/gorent/internal/config"
	"github.com/arashi-run/gorent/internal/metainfo"
	"github.com/arashi-run/gorent/internal/peer"
	"github.com/arashi-run/gorent/internal/store"
	"github.com/arashi-run/gorent/internal/syncx"
	"github.com/arashi-run/gorent/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Client owns the descriptor, piece store, tracker set, and peer session
// map for a single torrent download.
type Client struct {
	cfg  config.Config
	desc *metainfo.Descriptor
	st   *store.Store
	log  *slog.Logger

	peerID   [sha1.Size]byte
	trackers *tracker.Set

	sessions *syncx.Map[string, *peer.Peer]

	listener net.Listener
}

// New builds a Client for desc, storing data under downloadDir.
func New(desc *metainfo.Descriptor, downloadDir string, cfg config.Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "client", "torrent", desc.Name)

	st, err := store.New(desc, downloadDir, log)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if err := st.VerifyAll(); err != nil {
		return nil, fmt.Errorf("client: initial verify: %w", err)
	}

	peerID, err := config.NewPeerID()
	if err != nil {
		return nil, fmt.Errorf("client: generate peer id: %w", err)
	}

	return &Client{
		cfg:      cfg,
		desc:     desc,
		st:       st,
		log:      log,
		peerID:   peerID,
		trackers: tracker.NewSet(desc.Trackers, cfg.TrackerTimeout, log),
		sessions: syncx.New[string, *peer.Peer](),
	}, nil
}

// Run opens the listener, announces Started to every tracker, and runs
// until ctx is cancelled, at which point it announces Stopped and closes
// every session. A single session's or tracker's failure never unwinds
// the run.
func (c *Client) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("client: listen: %w", err)
	}
	c.listener = ln
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.acceptLoop(gctx) })
	g.Go(func() error { return c.announceLoop(gctx) })
	g.Go(func() error { return c.verifiedLoop(gctx) })

	<-ctx.Done()
	c.announceFinal(tracker.EventStopped)
	ln.Close()
	c.closeAllSessions()

	_ = g.Wait()
	return nil
}

func (c *Client) acceptLoop(ctx context.Context) error {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("client: accept: %w", err)
			}
		}
		go c.handleInbound(ctx, conn)
	}
}

func (c *Client) handleInbound(ctx context.Context, conn net.Conn) {
	p, err := peer.Accept(conn, c.desc, c.peerID, c.hooks(), c.log)
	if err != nil {
		c.log.Warn("inbound handshake failed", "addr", conn.RemoteAddr(), "error", err)
		return
	}
	c.runSession(ctx, p)
}

func (c *Client) announceLoop(ctx context.Context) error {
	c.announceFinal(tracker.EventStarted)
	c.dialNewPeers(ctx)

	ticker := time.NewTicker(c.cfg.DefaultFailureBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.dialNewPeers(ctx)
		}
	}
}

func (c *Client) dialNewPeers(ctx context.Context) {
	endpoints := c.trackers.Announce(ctx, c.announceParams(tracker.EventNone))
	for _, ep := range endpoints {
		if c.sessions.Len() >= c.cfg.MaxPeers {
			return
		}
		addr := ep.String()
		if _, ok := c.sessions.Get(addr); ok {
			continue
		}
		go c.dialPeer(ctx, addr)
	}
}

func (c *Client) dialPeer(ctx context.Context, addr string) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	p, err := peer.Dial(dctx, addr, c.desc, c.peerID, c.hooks(), c.log)
	if err != nil {
		c.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}
	c.runSession(ctx, p)
}

func (c *Client) runSession(ctx context.Context, p *peer.Peer) {
	c.sessions.Put(p.Addr(), p)
	defer c.sessions.Delete(p.Addr())

	if err := p.Run(ctx, c.st.Bitfield()); err != nil {
		c.log.Debug("session closed", "addr", p.Addr(), "error", err)
	}
}

func (c *Client) closeAllSessions() {
	for _, p := range c.sessions.Values() {
		_ = p.Close()
	}
}

func (c *Client) verifiedLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-c.st.Events():
			if !ok {
				return nil
			}
			c.broadcastHave(uint32(p))
		}
	}
}

func (c *Client) broadcastHave(index uint32) {
	for _, p := range c.sessions.Values() {
		p.SendHave(index)
	}
}

func (c *Client) hooks() peer.Hooks {
	return peer.Hooks{
		OnBlockRequested: func(p *peer.Peer, index, begin, length uint32) {
			start := int64(index)*c.desc.PieceSize + int64(begin)
			data, err := c.st.ReadRange(start, start+int64(length))
			if err != nil {
				c.log.Debug("serve block failed", "peer", p.Addr(), "error", err)
				return
			}
			p.SendPiece(index, begin, data)
			c.st.AddUploaded(int64(len(data)))
		},
		OnPieceData: func(p *peer.Peer, index, begin uint32, block []byte) {
			blockIdx := int(begin) / metainfo.BlockSize
			if err := c.st.WriteBlock(int(index), blockIdx, block); err != nil {
				c.log.Debug("write block failed", "peer", p.Addr(), "error", err)
			}
		},
	}
}

func (c *Client) announceParams(event tracker.Event) tracker.AnnounceParams {
	return tracker.AnnounceParams{
		InfoHash:   c.desc.InfoHash,
		PeerID:     c.peerID,
		Port:       c.cfg.ListenPort,
		Uploaded:   c.st.Uploaded(),
		Downloaded: c.st.Downloaded(),
		Left:       c.st.Left(),
		Event:      event,
	}
}

func (c *Client) announceFinal(event tracker.Event) {
	_ = c.trackers.Announce(context.Background(), c.announceParams(event))
}

// Store exposes the underlying piece store.
func (c *Client) Store() *store.Store { return c.st }

// PeerID returns the local peer id used in this run.
func (c *Client) PeerID() [sha1.Size]byte { return c.peerID }
