// Package config holds the client's tunables and their defaults; callers
// override only what they need to. The client reads ListenPort, MaxPeers,
// DialTimeout, TrackerTimeout and DefaultFailureBackoff. The other fields
// are not read outside this package: the peer and tracker packages use
// their own constants for handshake, idle, keep-alive, outbox and
// announce-interval values.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"time"
)

// Config collects the timing and resource knobs used throughout the
// client. A zero Config is not meaningful; use Default.
type Config struct {
	// ListenPort is the TCP port the orchestrator listens on for
	// inbound peer connections.
	ListenPort uint16

	// MaxPeers caps the number of simultaneously active peer sessions.
	MaxPeers int

	// DialTimeout bounds an outbound TCP connection attempt to a peer.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the handshake exchange once connected.
	HandshakeTimeout time.Duration

	// ReadTimeout/WriteTimeout bound a single socket read or write.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// IdleTimeout closes a session that has read no bytes for this long.
	IdleTimeout time.Duration

	// KeepAliveInterval is the minimum gap between keep-alives we send.
	KeepAliveInterval time.Duration

	// KeepAliveStaleAfter is how long since our last send before we must
	// send a keep-alive even if KeepAliveInterval hasn't elapsed since
	// the previous one.
	KeepAliveStaleAfter time.Duration

	// PeerOutboxBacklog bounds the number of queued outbound messages
	// per session before sends are dropped.
	PeerOutboxBacklog int

	// TrackerTimeout bounds a single tracker HTTP announce request.
	TrackerTimeout time.Duration

	// DefaultAnnounceInterval is used until a tracker tells us otherwise.
	DefaultAnnounceInterval time.Duration

	// DefaultFailureBackoff is the minimum spacing between announce
	// attempts, absent a tracker-supplied interval.
	DefaultFailureBackoff time.Duration
}

// Default returns the spec-mandated defaults (§5: 30s tracker HTTP
// timeout, 10s handshake, 120s idle close, 30s/90s keepalive cadence;
// §4.D: 30 minute announce interval, 15s failure backoff).
func Default() Config {
	return Config{
		ListenPort:              6881,
		MaxPeers:                50,
		DialTimeout:             10 * time.Second,
		HandshakeTimeout:        10 * time.Second,
		ReadTimeout:             30 * time.Second,
		WriteTimeout:            30 * time.Second,
		IdleTimeout:             120 * time.Second,
		KeepAliveInterval:       30 * time.Second,
		KeepAliveStaleAfter:     90 * time.Second,
		PeerOutboxBacklog:       128,
		TrackerTimeout:          30 * time.Second,
		DefaultAnnounceInterval: 30 * time.Minute,
		DefaultFailureBackoff:   15 * time.Second,
	}
}

// NewPeerID generates a 20-byte local peer id: a conventional client
// prefix followed by random bytes.
func NewPeerID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-GR0001-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}
	return id, nil
}
