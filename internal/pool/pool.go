// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package pool implements the per-process connection pool: a per-Target
// directory of Transports and their Sessions, the four-step acquire
// protocol, a waiter queue bounded by acquireTimeoutNanos, the release
// protocol (rollback-if-open, reuse or drop), an idle-TTL reaper, and
// the optional transaction-leak check.
package pool

import (
	"container/list"
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/xiaoma20082008/polardbx-glue/internal/config"
	"github.com/xiaoma20082008/polardbx-glue/internal/diag"
	"github.com/xiaoma20082008/polardbx-glue/internal/handle"
	"github.com/xiaoma20082008/polardbx-glue/internal/session"
	"github.com/xiaoma20082008/polardbx-glue/internal/transport"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// entry bookkeeps one Session alongside the bookkeeping the acquire/
// release protocol needs beyond what Session itself tracks.
type entry struct {
	sess         *session.Session
	inUse        bool
	idleSince    time.Time
	acquireStack string
}

// transportEntry bookkeeps one Transport's Sessions plus a reservation
// counter so two concurrent Acquire calls can't both believe they have
// the last free session slot.
type transportEntry struct {
	tr       *transport.Transport
	entries  []*entry
	reserved int
}

// targetPool is the per-Target directory: its Transports, and callers
// parked on Acquire because the Target is currently saturated.
type targetPool struct {
	mu                 sync.Mutex
	target             transport.Target
	transports         []*transportEntry
	reservedTransports int
	waiters            *list.List // of chan struct{}
}

// Pool is the process-lifetime Session directory. The zero value is not
// usable; construct with New.
type Pool struct {
	cfg config.PoolConfig

	mu      sync.Mutex
	targets map[string]*targetPool

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Pool with cfg and starts its idle-session reaper.
func New(cfg config.PoolConfig) *Pool {
	p := &Pool{
		cfg:     cfg,
		targets: make(map[string]*targetPool),
		stop:    make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Close stops the reaper and tears down every Transport this Pool holds.
// In-flight Handles are not force-closed; callers are expected to have
// released them first.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	targets := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		targets = append(targets, tp)
	}
	p.mu.Unlock()
	for _, tp := range targets {
		tp.mu.Lock()
		for _, te := range tp.transports {
			_ = te.tr.Close()
		}
		tp.mu.Unlock()
	}
}

func (p *Pool) targetPoolFor(target transport.Target) *targetPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := target.Key()
	tp, ok := p.targets[key]
	if !ok {
		tp = &targetPool{target: target, waiters: list.New()}
		p.targets[key] = tp
	}
	return tp
}

// Acquire grants a Handle for target: reuse an idle Session, else open a
// new Session on a Transport with spare capacity, else open a new
// Transport, else block on the Target's waiter queue until
// acquireTimeoutNanos elapses.
func (p *Pool) Acquire(ctx context.Context, target transport.Target, schema string) (*handle.Handle, error) {
	tp := p.targetPoolFor(target)

	for {
		h, ok, err := p.tryAcquire(ctx, tp, target, schema)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}

		if p.cfg.AcquireTimeoutNanos <= 0 {
			return nil, xerrors.New(xerrors.AcquireTimeout, "pool saturated and acquireTimeoutNanos is 0")
		}

		wake := make(chan struct{}, 1)
		tp.mu.Lock()
		elem := tp.waiters.PushBack(wake)
		tp.mu.Unlock()

		timer := time.NewTimer(time.Duration(p.cfg.AcquireTimeoutNanos))
		select {
		case <-wake:
			timer.Stop()
			// Loop back and retry the four-step protocol: someone
			// released or opened capacity; another waiter could still
			// win the race, in which case we simply wait again.
		case <-timer.C:
			p.removeWaiter(tp, elem)
			return nil, xerrors.New(xerrors.AcquireTimeout, "acquire timed out")
		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(tp, elem)
			return nil, xerrors.Wrap(xerrors.AcquireTimeout, "acquire cancelled", ctx.Err())
		}
	}
}

func (p *Pool) removeWaiter(tp *targetPool, elem *list.Element) {
	tp.mu.Lock()
	tp.waiters.Remove(elem)
	tp.mu.Unlock()
}

// tryAcquire runs the three non-blocking steps of the acquire protocol
// once. ok=false with a nil error means the Target is currently
// saturated and the caller should wait.
func (p *Pool) tryAcquire(ctx context.Context, tp *targetPool, target transport.Target, schema string) (*handle.Handle, bool, error) {
	tp.mu.Lock()

	// Step 1: an idle Session on any existing Transport.
	for _, te := range tp.transports {
		for _, e := range te.entries {
			if !e.inUse && !e.sess.Dead() {
				e.inUse = true
				if p.cfg.EnableTrxLeakCheck {
					e.acquireStack = captureStack()
				}
				tp.mu.Unlock()
				return p.newHandle(tp, e), true, nil
			}
		}
	}

	// Step 2: a Transport with spare Session capacity.
	for _, te := range tp.transports {
		if len(te.entries)+te.reserved < p.cfg.MaxSessionsPerTransport {
			te.reserved++
			tp.mu.Unlock()

			sess, err := session.Open(ctx, te.tr, target.User, target.Password, effectiveSchema(target, schema))

			tp.mu.Lock()
			te.reserved--
			if err != nil {
				tp.mu.Unlock()
				return nil, false, err
			}
			e := &entry{sess: sess, inUse: true}
			if p.cfg.EnableTrxLeakCheck {
				e.acquireStack = captureStack()
			}
			te.entries = append(te.entries, e)
			tp.mu.Unlock()
			return p.newHandle(tp, e), true, nil
		}
	}

	// Step 3: a fresh Transport, if the Target is under its cap.
	if len(tp.transports)+tp.reservedTransports < p.cfg.MaxTransportsPerTarget {
		tp.reservedTransports++
		tp.mu.Unlock()

		tr, err := transport.Dial(target, transport.DefaultConfig())
		if err != nil {
			tp.mu.Lock()
			tp.reservedTransports--
			tp.mu.Unlock()
			return nil, false, err
		}
		sess, err := session.Open(ctx, tr, target.User, target.Password, effectiveSchema(target, schema))

		tp.mu.Lock()
		tp.reservedTransports--
		if err != nil {
			tp.mu.Unlock()
			_ = tr.Close()
			return nil, false, err
		}
		e := &entry{sess: sess, inUse: true}
		if p.cfg.EnableTrxLeakCheck {
			e.acquireStack = captureStack()
		}
		te := &transportEntry{tr: tr, entries: []*entry{e}}
		tp.transports = append(tp.transports, te)
		tp.mu.Unlock()
		return p.newHandle(tp, e), true, nil
	}

	tp.mu.Unlock()
	return nil, false, nil
}

func effectiveSchema(target transport.Target, schema string) string {
	if schema != "" {
		return schema
	}
	return target.Schema
}

// releaseFunc returns the Pool's release-protocol closure for a specific
// (targetPool, entry) pair, handed to handle.New as its onClose hook.
func (p *Pool) releaseFunc(tp *targetPool, e *entry) func() error {
	return func() error { return p.release(tp, e) }
}

// newHandle wraps a granted Session, carrying the Pool's configured
// streamed-row token window onto the Handle.
func (p *Pool) newHandle(tp *targetPool, e *entry) *handle.Handle {
	h := handle.New(e.sess, p.releaseFunc(tp, e))
	h.SetDefaultTokenCount(uint32(p.cfg.DefaultQueryTokenCount))
	return h
}

// release returns a Session to the pool: issue ROLLBACK if the Session
// has an open transaction, log a transaction-leak warning if configured,
// then reuse or drop the Session. A ROLLBACK error is returned to the
// Handle's Close, which discards it: it is not logged and never reaches
// the caller.
func (p *Pool) release(tp *targetPool, e *entry) error {
	sess := e.sess
	var relErr error

	if !sess.Dead() && sess.InTransaction() {
		if p.cfg.EnableTrxLeakCheck {
			diag.WarnTrxLeak(sess.ID(), e.acquireStack)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.NetworkTimeoutNanos))
		_, err := sess.ExecSQL(ctx, "ROLLBACK", nil, session.ExecOptions{IgnoreResult: true})
		cancel()
		if err != nil {
			relErr = err
		}
	}

	reusable := p.reuseSession(e)
	if reusable {
		// Clear server-side session state so the next lease starts clean.
		_ = sess.Reset()
	}

	tp.mu.Lock()
	if reusable {
		e.inUse = false
		e.idleSince = time.Now()
	} else {
		p.dropLocked(tp, e)
	}
	front := tp.waiters.Front()
	if front != nil {
		tp.waiters.Remove(front)
	}
	tp.mu.Unlock()

	if front != nil {
		wake := front.Value.(chan struct{})
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return relErr
}

// reuseSession decides whether a released Session can go back to the
// idle pool: not if it is dead (Transport failure) or killed.
func (p *Pool) reuseSession(e *entry) bool {
	return !e.sess.Dead() && !e.sess.IsKilled()
}

// dropLocked removes e from its owning transportEntry and closes the
// underlying Session. Callers must hold tp.mu.
func (p *Pool) dropLocked(tp *targetPool, e *entry) {
	_ = e.sess.Close()
	for _, te := range tp.transports {
		for i, cand := range te.entries {
			if cand == e {
				te.entries = append(te.entries[:i], te.entries[i+1:]...)
				return
			}
		}
	}
}

func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// reapLoop periodically drops idle Sessions that have exceeded
// idleSessionTtlNanos. Liveness probing of still-idle Sessions is the
// Transport's own keepalive ping, not the Pool's concern.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	if p.cfg.IdleSessionTTLNanos <= 0 {
		return
	}
	ttl := time.Duration(p.cfg.IdleSessionTTLNanos)

	p.mu.Lock()
	targets := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		targets = append(targets, tp)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, tp := range targets {
		tp.mu.Lock()
		for _, te := range tp.transports {
			kept := te.entries[:0]
			for _, e := range te.entries {
				if !e.inUse && now.Sub(e.idleSince) > ttl {
					_ = e.sess.Close()
					continue
				}
				kept = append(kept, e)
			}
			te.entries = kept
		}
		tp.mu.Unlock()
	}
}

// TargetStats is a point-in-time snapshot of one Target's occupancy, for
// `xcli pool stats`/`pool watch`.
type TargetStats struct {
	Target         string
	Transports     int
	SessionsInUse  int
	SessionsIdle   int
	WaitersWaiting int
}

// Stats returns a snapshot for every Target this Pool has touched.
func (p *Pool) Stats() []TargetStats {
	p.mu.Lock()
	targets := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		targets = append(targets, tp)
	}
	p.mu.Unlock()

	out := make([]TargetStats, 0, len(targets))
	for _, tp := range targets {
		tp.mu.Lock()
		st := TargetStats{Target: tp.target.Key(), Transports: len(tp.transports), WaitersWaiting: tp.waiters.Len()}
		for _, te := range tp.transports {
			for _, e := range te.entries {
				if e.inUse {
					st.SessionsInUse++
				} else {
					st.SessionsIdle++
				}
			}
		}
		tp.mu.Unlock()
		out = append(out, st)
	}
	return out
}
