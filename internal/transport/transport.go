// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaoma20082008/polardbx-glue/internal/codec"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// Config bounds a Transport's liveness behavior.
type Config struct {
	// IdleInterval is how long the Transport may go without sending or
	// receiving a frame before it issues a Ping.
	IdleInterval time.Duration
	// ReplyTimeout bounds how long a Ping may go unanswered before the
	// Transport is considered dead.
	ReplyTimeout time.Duration
	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration
}

// DefaultConfig returns the Transport liveness defaults: a Ping after 30s
// of idleness, 10s for its reply, and a 10s dial timeout.
func DefaultConfig() Config {
	return Config{
		IdleInterval: 30 * time.Second,
		ReplyTimeout: 10 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// Transport owns one TCP socket to a Target and multiplexes Sessions
// onto it. The send path is serialized behind sendMu (single writer);
// the receive path is the single readLoop goroutine.
type Transport struct {
	target Target
	conn   net.Conn
	cfg    Config

	sendMu sync.Mutex

	mu       sync.Mutex
	sessions map[uint32]Sink
	nextID   atomic.Uint32

	lastActive atomic.Int64 // unix nanos

	pingInFlight atomic.Bool
	pongCh       chan struct{}

	closeOnce sync.Once
	dead      atomic.Bool
	deadErr   atomic.Value // error

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Dial opens a new TCP connection to target and starts the Transport's
// reader and keepalive goroutines.
func Dial(target Target, cfg Config) (*Transport, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.Dial("tcp", target.Address())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TransportError, "dial target", err)
	}
	return newTransport(target, conn, cfg), nil
}

func newTransport(target Target, conn net.Conn, cfg Config) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	tr := &Transport{
		target:   target,
		conn:     conn,
		cfg:      cfg,
		sessions: make(map[uint32]Sink),
		pongCh:   make(chan struct{}, 1),
		group:    group,
		cancel:   cancel,
	}
	tr.touch()
	group.Go(func() error { return tr.readLoop() })
	group.Go(func() error { return tr.keepaliveLoop(ctx) })
	return tr
}

func (t *Transport) touch() {
	t.lastActive.Store(time.Now().UnixNano())
}

// LastActive reports the last time a frame was sent or received.
func (t *Transport) LastActive() time.Time {
	return time.Unix(0, t.lastActive.Load())
}

// Target returns the endpoint this Transport is connected to.
func (t *Transport) Target() Target { return t.target }

// AllocateSessionID returns the next client-proposed session id for a new
// session-open request on this Transport.
func (t *Transport) AllocateSessionID() uint32 { return t.nextID.Add(1) }

// RegisterSession installs sink as the frame destination for sessionID.
func (t *Transport) RegisterSession(sessionID uint32, sink Sink) {
	t.mu.Lock()
	t.sessions[sessionID] = sink
	t.mu.Unlock()
}

// UnregisterSession removes sessionID's routing entry, e.g. after a
// session-close round trip or Transport teardown.
func (t *Transport) UnregisterSession(sessionID uint32) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// SessionCount reports how many Sessions are currently registered,
// independent of whether each one is in-use or idle (internal/pool tracks
// that distinction itself).
func (t *Transport) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Send writes msg through the single-writer path. Callers on different
// Sessions may call Send concurrently; frames are never interleaved
// because sendMu serializes the whole write.
func (t *Transport) Send(msg wire.Message) error {
	if t.dead.Load() {
		return t.deadError()
	}
	t.sendMu.Lock()
	err := codec.WriteFrame(t.conn, msg)
	t.sendMu.Unlock()
	if err != nil {
		t.fail(xerrors.Wrap(xerrors.TransportError, "write frame", err))
		return t.deadError()
	}
	t.touch()
	return nil
}

// FlushIgnorable pushes any buffered, side-effect-only frames (e.g. lazily
// batched variable assignments) before the connection is released back to
// the Pool. Since Send already serializes and flushes every frame
// immediately, this is a thin pass-through kept for callers that model a
// batch as a slice of messages to push as a unit.
func (t *Transport) FlushIgnorable(msgs ...wire.Message) error {
	for _, m := range msgs {
		if err := t.Send(m); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) deadError() error {
	if e, ok := t.deadErr.Load().(error); ok && e != nil {
		return e
	}
	return xerrors.New(xerrors.TransportError, "transport closed")
}

// fail marks the Transport dead, fails every registered Session with err,
// and closes the socket. It is idempotent.
func (t *Transport) fail(err error) {
	if !t.dead.CompareAndSwap(false, true) {
		return
	}
	t.deadErr.Store(err)
	t.mu.Lock()
	sinks := make([]Sink, 0, len(t.sessions))
	for _, s := range t.sessions {
		sinks = append(sinks, s)
	}
	t.sessions = make(map[uint32]Sink)
	t.mu.Unlock()
	for _, s := range sinks {
		s.Fail(err)
	}
	t.cancel()
	_ = t.conn.Close()
}

// Close tears the Transport down without attributing the closure to an
// I/O error; used by Pool.Close and by the Pool when a freshly dialed
// Transport's first Session fails to open.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.fail(xerrors.New(xerrors.Closed, "transport closed"))
	})
	return t.group.Wait()
}

// Dead reports whether the Transport has failed or been closed.
func (t *Transport) Dead() bool { return t.dead.Load() }

func (t *Transport) readLoop() error {
	for {
		f, err := codec.ReadFrame(t.conn)
		if err != nil {
			wrapped := xerrors.Wrap(xerrors.TransportError, "read frame", err)
			t.fail(wrapped)
			return wrapped
		}
		t.touch()
		msg, err := codec.Decode(f)
		if err != nil {
			t.fail(err)
			return err
		}
		t.dispatch(msg)
	}
}

func (t *Transport) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Ping:
		_ = t.Send(&wire.Pong{})
	case *wire.Pong:
		select {
		case t.pongCh <- struct{}{}:
		default:
		}
	case *wire.Notice:
		sink := t.lookup(m.SessionID)
		if sink == nil {
			return
		}
		if m.Kind == wire.NoticeSessionKilled {
			sink.Killed()
			return
		}
		sink.Notify(m)
	default:
		sessionID := wire.SessionIDOf(msg)
		sink := t.lookup(sessionID)
		if sink == nil {
			return
		}
		sink.Deliver(msg)
	}
}

func (t *Transport) lookup(sessionID uint32) Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

func (t *Transport) keepaliveLoop(ctx context.Context) error {
	if t.cfg.IdleInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(t.cfg.IdleInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(t.LastActive()) < t.cfg.IdleInterval {
				continue
			}
			if err := t.Send(&wire.Ping{}); err != nil {
				return err
			}
			select {
			case <-t.pongCh:
			case <-time.After(t.cfg.ReplyTimeout):
				err := xerrors.New(xerrors.TransportError, "keepalive ping timed out")
				t.fail(err)
				return err
			case <-ctx.Done():
				return nil
			}
		}
	}
}
