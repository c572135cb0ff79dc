// Package peer implements the per-connection session state machine:
// handshake, bitfield exchange, the read/write loops, and the
// Choke/Unchoke/Interested/Have/Request/Piece/Cancel dispatch table.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arashi-run/gorent/internal/bitfield"
	"github.com/arashi-run/gorent/internal/metainfo"
	"github.com/arashi-run/gorent/internal/wire"
	"golang.org/x/sync/errgroup"
)

// State is a session's lifecycle stage.
type State int

const (
	StateNew State = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maxRequestLength  = 131072
	idleCloseAfter    = 2 * time.Minute
	keepAliveInterval = 30 * time.Second
)

// Hooks are the callbacks the orchestrator supplies; every session
// invokes them from its own goroutines, so implementations must be safe
// for concurrent use across sessions.
type Hooks struct {
	// OnStateChanged fires after remote_has or a choke/interest flag
	// changes.
	OnStateChanged func(p *Peer)

	// OnBlockRequested fires when the remote asks us for a block we are
	// not choking it on. The hook may respond with SendPiece.
	OnBlockRequested func(p *Peer, index, begin, length uint32)

	// OnBlockCancelled fires on a Cancel message.
	OnBlockCancelled func(p *Peer, index, begin, length uint32)

	// OnPieceData fires when a Piece message arrives; the hook is
	// responsible for writing block into the piece store.
	OnPieceData func(p *Peer, index, begin uint32, block []byte)

	// OnClosed fires exactly once when the session terminates.
	OnClosed func(p *Peer, err error)
}

// Peer is one active peer-wire session.
type Peer struct {
	log  *slog.Logger
	conn net.Conn
	addr string

	desc  *metainfo.Descriptor
	hooks Hooks

	state atomic.Int32

	bitfieldMu sync.RWMutex
	remoteHas  bitfield.Bitfield

	requestedMu sync.Mutex
	requested   [][]bool // block_requested[p][b]

	weChoking      atomic.Bool // we_choke_them, default true
	theyChoking    atomic.Bool // they_choke_us, default true
	weInterested   atomic.Bool
	theyInterested atomic.Bool

	lastActive        atomic.Int64 // unix nanos
	lastKeepaliveSent  atomic.Int64
	bytesUp            atomic.Int64
	bytesDown          atomic.Int64

	outbox chan *wire.Message

	closeOnce sync.Once
	closeErr  error
}

// New wraps an already-handshaken connection into a Peer ready to run.
func New(conn net.Conn, desc *metainfo.Descriptor, hooks Hooks, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}

	n := desc.PieceCount()
	requested := make([][]bool, n)
	for p := 0; p < n; p++ {
		requested[p] = make([]bool, blocksInPiece(desc, p))
	}

	pr := &Peer{
		log:       log.With("peer", conn.RemoteAddr().String()),
		conn:      conn,
		addr:      conn.RemoteAddr().String(),
		desc:      desc,
		hooks:     hooks,
		remoteHas: bitfield.New(n),
		requested: requested,
		outbox:    make(chan *wire.Message, 128),
	}
	pr.weChoking.Store(true)
	pr.theyChoking.Store(true)
	pr.state.Store(int32(StateHandshaking))
	pr.touch()

	return pr
}

func blocksInPiece(desc *metainfo.Descriptor, p int) int {
	ln := desc.PieceLen(p)
	return int((ln + metainfo.BlockSize - 1) / metainfo.BlockSize)
}

// Addr returns the remote endpoint string.
func (p *Peer) Addr() string { return p.addr }

// State returns the current lifecycle stage.
func (p *Peer) State() State { return State(p.state.Load()) }

// RemoteHas reports whether the remote has advertised piece idx.
func (p *Peer) RemoteHas(idx int) bool {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.remoteHas.Has(idx)
}

// TheyChoking reports whether the remote currently chokes us.
func (p *Peer) TheyChoking() bool { return p.theyChoking.Load() }

// WeChoking reports whether we currently choke the remote.
func (p *Peer) WeChoking() bool { return p.weChoking.Load() }

// WeInterested reports our interested flag.
func (p *Peer) WeInterested() bool { return p.weInterested.Load() }

// TheyInterested reports the remote's interested flag.
func (p *Peer) TheyInterested() bool { return p.theyInterested.Load() }

// BytesUp/BytesDown report wire-observed transfer counters.
func (p *Peer) BytesUp() int64   { return p.bytesUp.Load() }
func (p *Peer) BytesDown() int64 { return p.bytesDown.Load() }

// Run starts the session's read and write loops, sends our bitfield, and
// blocks until the connection closes or ctx is cancelled. err is nil only
// on a clean shutdown via ctx.
func (p *Peer) Run(ctx context.Context, initialBitfield bitfield.Bitfield) error {
	p.state.Store(int32(StateActive))
	p.sendBitfield(initialBitfield)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		err = nil
	}
	p.close(err)
	return err
}

// Close terminates the session immediately.
func (p *Peer) Close() error {
	p.close(nil)
	return nil
}

func (p *Peer) close(err error) {
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosed))
		p.closeErr = err
		_ = p.conn.Close()
		if p.hooks.OnClosed != nil {
			p.hooks.OnClosed(p, err)
		}
	})
}

func (p *Peer) touch() { p.lastActive.Store(time.Now().UnixNano()) }

// Idle reports how long it has been since the last byte was read.
func (p *Peer) Idle() time.Duration {
	last := time.Unix(0, p.lastActive.Load())
	return time.Since(last)
}

func (p *Peer) readLoop(ctx context.Context) error {
	errCh := make(chan error, 1)
	msgCh := make(chan *wire.Message)

	go func() {
		for {
			_ = p.conn.SetReadDeadline(time.Now().Add(idleCloseAfter))
			msg, err := wire.ReadMessage(p.conn)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			p.touch()
			if msg == nil {
				continue // keep-alive
			}
			if err := msg.ValidatePayloadSize(p.desc.PieceCount()); err != nil {
				return fmt.Errorf("peer: %s: %w", p.addr, err)
			}
			if err := p.handleMessage(msg); err != nil {
				return err
			}
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.outbox:
			if err := p.writeMessage(msg); err != nil {
				return err
			}
		case <-ticker.C:
			p.maybeSendKeepAlive()
		}
	}
}

func (p *Peer) writeMessage(msg *wire.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := wire.WriteMessage(p.conn, msg); err != nil {
		return fmt.Errorf("peer: %s: write: %w", p.addr, err)
	}
	p.lastKeepaliveSent.Store(time.Now().UnixNano())

	if msg != nil {
		if _, _, block, ok := msg.ParsePiece(); ok {
			p.bytesUp.Add(int64(len(block)))
		}
	}
	return nil
}

func (p *Peer) maybeSendKeepAlive() {
	last := time.Unix(0, p.lastKeepaliveSent.Load())
	if time.Since(last) < keepAliveInterval {
		return
	}
	p.enqueue(nil)
}

func (p *Peer) enqueue(msg *wire.Message) {
	select {
	case p.outbox <- msg:
	default:
		p.log.Warn("outbox full, dropping message")
	}
}

func (p *Peer) handleMessage(msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		p.theyChoking.Store(true)
		p.notifyStateChanged()
	case wire.Unchoke:
		p.theyChoking.Store(false)
		p.notifyStateChanged()
	case wire.Interested:
		p.theyInterested.Store(true)
		p.notifyStateChanged()
	case wire.NotInterested:
		p.theyInterested.Store(false)
		p.notifyStateChanged()
	case wire.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return nil
		}
		p.bitfieldMu.Lock()
		if int(idx) < p.remoteHas.Len() {
			p.remoteHas.Set(int(idx))
		}
		p.bitfieldMu.Unlock()
		p.notifyStateChanged()
	case wire.Bitfield:
		p.bitfieldMu.Lock()
		remote := bitfield.FromBytes(msg.Payload)
		for i := 0; i < p.remoteHas.Len(); i++ {
			if remote.Has(i) {
				p.remoteHas.Set(i)
			}
		}
		p.bitfieldMu.Unlock()
		p.notifyStateChanged()
	case wire.Request:
		idx, begin, length, ok := msg.ParseRequest()
		if !ok {
			return nil
		}
		if length > maxRequestLength || int(idx) >= p.desc.PieceCount() ||
			int64(begin)+int64(length) > p.desc.PieceLen(int(idx)) {
			return fmt.Errorf("peer: %s: request out of bounds (piece %d begin %d length %d)", p.addr, idx, begin, length)
		}
		if !p.weChoking.Load() && p.hooks.OnBlockRequested != nil {
			p.hooks.OnBlockRequested(p, idx, begin, length)
		}
	case wire.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return nil
		}
		p.bytesDown.Add(int64(len(block)))
		p.requestedMu.Lock()
		blockIdx := int(begin) / metainfo.BlockSize
		if int(idx) < len(p.requested) && blockIdx < len(p.requested[idx]) {
			p.requested[idx][blockIdx] = false
		}
		p.requestedMu.Unlock()
		if p.hooks.OnPieceData != nil {
			p.hooks.OnPieceData(p, idx, begin, block)
		}
	case wire.Cancel:
		idx, begin, length, ok := msg.ParseRequest()
		if !ok {
			return nil
		}
		if p.hooks.OnBlockCancelled != nil {
			p.hooks.OnBlockCancelled(p, idx, begin, length)
		}
	case wire.Port:
		// DHT port advertisement; ignored, DHT is out of scope.
	default:
		// Unknown id; ignore.
	}
	return nil
}

func (p *Peer) notifyStateChanged() {
	if p.hooks.OnStateChanged != nil {
		p.hooks.OnStateChanged(p)
	}
}

func (p *Peer) sendBitfield(bf bitfield.Bitfield) {
	if bf == nil || bf.Count() == 0 {
		return
	}
	p.enqueue(wire.MessageBitfield(bf.Bytes()))
}

// SendChoke/SendUnchoke/SendInterested/SendNotInterested are idempotent:
// they no-op when already in that state.
func (p *Peer) SendChoke() {
	if p.weChoking.CompareAndSwap(false, true) {
		p.enqueue(wire.MessageChoke())
	}
}

func (p *Peer) SendUnchoke() {
	if p.weChoking.CompareAndSwap(true, false) {
		p.enqueue(wire.MessageUnchoke())
	}
}

func (p *Peer) SendInterested() {
	if p.weInterested.CompareAndSwap(false, true) {
		p.enqueue(wire.MessageInterested())
	}
}

func (p *Peer) SendNotInterested() {
	if p.weInterested.CompareAndSwap(true, false) {
		p.enqueue(wire.MessageNotInterested())
	}
}

// SendHave announces a newly verified piece.
func (p *Peer) SendHave(index uint32) {
	p.enqueue(wire.MessageHave(index))
}

// SendRequest asks the remote for a block, provided they aren't choking
// us, and marks the block outstanding.
func (p *Peer) SendRequest(index, begin, length uint32) {
	if p.theyChoking.Load() {
		return
	}
	p.requestedMu.Lock()
	blockIdx := int(begin) / metainfo.BlockSize
	if int(index) < len(p.requested) && blockIdx < len(p.requested[index]) {
		p.requested[index][blockIdx] = true
	}
	p.requestedMu.Unlock()
	p.enqueue(wire.MessageRequest(index, begin, length))
}

// SendCancel cancels a previously requested block.
func (p *Peer) SendCancel(index, begin, length uint32) {
	p.enqueue(wire.MessageCancel(index, begin, length))
}

// SendPiece answers a Request with the block's data, provided we aren't
// choking the remote.
func (p *Peer) SendPiece(index, begin uint32, block []byte) {
	if p.weChoking.Load() {
		return
	}
	p.enqueue(wire.MessagePiece(index, begin, block))
}

// IsRequested reports whether block b of piece idx has an outstanding
// request to this peer.
func (p *Peer) IsRequested(idx, b int) bool {
	p.requestedMu.Lock()
	defer p.requestedMu.Unlock()
	if idx >= len(p.requested) || b >= len(p.requested[idx]) {
		return false
	}
	return p.requested[idx][b]
}
