package peer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/arashi-run/gorent/internal/metainfo"
	"github.com/arashi-run/gorent/internal/wire"
)

// Dial opens an outbound TCP connection to addr, performs the handshake
// as the initiating side, and returns a Peer ready for Run.
func Dial(ctx context.Context, addr string, desc *metainfo.Descriptor, localPeerID [sha1.Size]byte, hooks Hooks, log *slog.Logger) (*Peer, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	if err := handshake(conn, desc.InfoHash, localPeerID, true, 10*time.Second); err != nil {
		conn.Close()
		return nil, err
	}

	return New(conn, desc, hooks, log), nil
}

// Accept completes the handshake as the responding side on an already
// accepted inbound connection and returns a Peer ready for Run.
func Accept(conn net.Conn, desc *metainfo.Descriptor, localPeerID [sha1.Size]byte, hooks Hooks, log *slog.Logger) (*Peer, error) {
	if err := handshake(conn, desc.InfoHash, localPeerID, true, 10*time.Second); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn, desc, hooks, log), nil
}

func handshake(conn net.Conn, infoHash, peerID [sha1.Size]byte, verify bool, timeout time.Duration) error {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	local := wire.NewHandshake(infoHash, peerID)
	if _, err := local.Exchange(conn, verify); err != nil {
		return fmt.Errorf("peer: handshake with %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}
