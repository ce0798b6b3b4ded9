// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package handle implements the caller-visible lease over a Session: a
// thin, re-entrant adapter exposing the query/update/TSO/kill surface,
// guarding the Session pointer so that Close is exclusive with every
// other operation while operations stay concurrent with each other.
package handle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaoma20082008/polardbx-glue/internal/config"
	"github.com/xiaoma20082008/polardbx-glue/internal/resultstream"
	"github.com/xiaoma20082008/polardbx-glue/internal/session"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// ModeFlags are the per-call presentation flags held by a Handle. Only
// Stream affects the requests it submits; CompactMetadata and
// WithFeedback are recorded on the Handle and are not sent to the
// storage node.
type ModeFlags struct {
	// Stream requests lazy row delivery under token-based flow control
	// instead of the default buffered mode.
	Stream bool
	// CompactMetadata records a preference for terser column metadata
	// (name/type only). No request carries it.
	CompactMetadata bool
	// WithFeedback records a preference for server-side execution
	// feedback (e.g. plan choice). No request carries it.
	WithFeedback bool
}

// Handle is a caller-owned lease on a Session. The zero value is not
// usable; construct with New. Handle → Session is a non-owning
// reference: ownership runs Pool → Transport → Session → Request.
//
// The Session pointer is guarded with a read-write lock: every normal
// operation takes the reader side and Close takes the writer side, so
// operations are compatible with each other and exclusive with teardown.
// No operation can observe a nulled Session, and Close waits for
// operations in flight.
type Handle struct {
	mu      sync.RWMutex
	sess    *session.Session
	onClose func() error
	closed  bool

	mode          ModeFlags
	defaultTokens uint32
	traceID       string

	// networkTimeoutNanos is nanoseconds; zero means "use process
	// default". It is only ever set by SetNetworkTimeout — Init's own
	// bounded wait is a scoped parameter, never a mutation of this
	// field.
	networkTimeoutNanos atomic.Int64

	initialized atomic.Bool
	lastStream  atomic.Pointer[resultstream.Stream]
}

// New wraps sess in a Handle. onClose is invoked (and its error
// swallowed) exactly once, when Close first succeeds in taking the
// exclusive lease; it is the Pool's hook for its release protocol
// (rollback-if-open, reuse-or-drop).
func New(sess *session.Session, onClose func() error) *Handle {
	return &Handle{
		sess:          sess,
		onClose:       onClose,
		defaultTokens: 512,
	}
}

// SetMode configures the per-call presentation flags applied to every
// subsequent request on this Handle.
func (h *Handle) SetMode(m ModeFlags) { h.mode = m }

// SetDefaultTokenCount sets the initial and replenishment token window
// for streamed results returned by this Handle.
func (h *Handle) SetDefaultTokenCount(n uint32) {
	if n > 0 {
		h.defaultTokens = n
	}
}

// SetTraceID records a trace id on this Handle. The id is not passed to
// the Session and is not stamped onto outbound requests.
func (h *Handle) SetTraceID(id string) { h.traceID = id }

// SetNetworkTimeout sets the per-Handle network timeout; zero restores
// the process default.
func (h *Handle) SetNetworkTimeout(d time.Duration) { h.networkTimeoutNanos.Store(int64(d)) }

// NetworkTimeout returns the effective per-Handle network timeout,
// substituting the process default when none has been set.
func (h *Handle) NetworkTimeout() time.Duration {
	if n := h.networkTimeoutNanos.Load(); n > 0 {
		return time.Duration(n)
	}
	return time.Duration(config.DefaultPoolConfig().NetworkTimeoutNanos)
}

// withSession runs fn while holding the shared (reader) lease, failing
// with Closed if the Handle has already been closed instead of letting fn
// observe a nulled Session.
func (h *Handle) withSession(fn func(*session.Session) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return xerrors.New(xerrors.Closed, "handle is closed")
	}
	return fn(h.sess)
}

func (h *Handle) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.NetworkTimeout())
}

// Init performs the Handle's bounded one-shot initialization (today: the
// first CONNECTION_ID() round trip). timeoutNanos bounds only this call;
// it is never written back into the Handle's own networkTimeoutNanos
// field.
func (h *Handle) Init(ctx context.Context, timeoutNanos int64) error {
	return h.withSession(func(sess *session.Session) error {
		nanos := timeoutNanos
		if nanos <= 0 {
			nanos = int64(h.NetworkTimeout())
		}
		ctx2, cancel := context.WithTimeout(ctx, time.Duration(nanos))
		defer cancel()
		if _, err := sess.ConnectionID(ctx2); err != nil {
			return err
		}
		h.initialized.Store(true)
		return nil
	})
}

func (h *Handle) requireInitialized() error {
	if !h.initialized.Load() {
		return xerrors.New(xerrors.NotInitialized, "handle not initialized: call Init first")
	}
	return nil
}

// ExecOptions are the per-statement arguments beyond the SQL text and
// bound parameters: an optional optimizer hint, an optional statement-
// cache digest, the fire-and-forget flag, and the selector for the
// `UPDATE ... RETURNING` variant.
type ExecOptions struct {
	Hint         []byte
	Digest       []byte
	IgnoreResult bool
	Returning    string
}

func (h *Handle) sessionOptions(o ExecOptions) session.ExecOptions {
	return session.ExecOptions{
		Hint:          o.Hint,
		Digest:        o.Digest,
		IgnoreResult:  o.IgnoreResult,
		Returning:     o.Returning,
		StreamMode:    h.mode.Stream,
		DefaultTokens: h.defaultTokens,
	}
}

// ExecQuery submits a row-producing SQL statement.
func (h *Handle) ExecQuery(ctx context.Context, sql string, params []wire.Param, opts ExecOptions) (*resultstream.Stream, error) {
	if err := h.requireInitialized(); err != nil {
		return nil, err
	}
	err := h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		stream, err := sess.ExecSQL(ctx2, sql, params, h.sessionOptions(opts))
		if err != nil {
			return err
		}
		if opts.Returning != "" {
			stream = stream.WithReturning(opts.Returning)
		}
		h.lastStream.Store(stream)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h.lastStream.Load(), nil
}

// ExecPlan submits a pre-planned query (opaque planner bytes) instead of
// SQL text.
func (h *Handle) ExecPlan(ctx context.Context, plan []byte, params []wire.Param, opts ExecOptions) (*resultstream.Stream, error) {
	if err := h.requireInitialized(); err != nil {
		return nil, err
	}
	var out *resultstream.Stream
	err := h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		stream, err := sess.ExecPlan(ctx2, plan, params, h.sessionOptions(opts))
		if err != nil {
			return err
		}
		h.lastStream.Store(stream)
		out = stream
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExecUpdate submits a non-row-producing SQL statement and returns the
// affected-row count and last insert id once the terminal frame arrives.
func (h *Handle) ExecUpdate(ctx context.Context, sql string, params []wire.Param, opts ExecOptions) (uint64, uint64, error) {
	if err := h.requireInitialized(); err != nil {
		return 0, 0, err
	}
	opts.Returning = ""
	var affected, lastID uint64
	err := h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		stream, err := sess.ExecSQL(ctx2, sql, params, h.sessionOptions(opts))
		if err != nil {
			return err
		}
		h.lastStream.Store(stream)
		if opts.IgnoreResult {
			return nil
		}
		stream.Drain()
		if err := stream.Err(); err != nil {
			return err
		}
		affected = stream.AffectedRows()
		lastID = stream.LastInsertID()
		return nil
	})
	return affected, lastID, err
}

// ExecGalaxyPrepare submits a prepared statement carrying table
// descriptors and a packed parameter block.
func (h *Handle) ExecGalaxyPrepare(ctx context.Context, gp wire.GalaxyPrepare) (*resultstream.Stream, error) {
	if err := h.requireInitialized(); err != nil {
		return nil, err
	}
	var out *resultstream.Stream
	err := h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		stream, err := sess.GalaxyPrepare(ctx2, gp)
		if err != nil {
			return err
		}
		h.lastStream.Store(stream)
		out = stream
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTSO allocates count monotonically increasing timestamps and returns
// the first one.
func (h *Handle) GetTSO(ctx context.Context, count uint32) (uint64, error) {
	if err := h.requireInitialized(); err != nil {
		return 0, err
	}
	var first uint64
	err := h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		v, err := sess.RequestTSO(ctx2, count)
		if err != nil {
			return err
		}
		first = v
		return nil
	})
	return first, err
}

// FlushNetwork pushes any buffered, side-effect-only frames before the
// Handle is released back to the Pool.
func (h *Handle) FlushNetwork() error {
	return h.withSession(func(sess *session.Session) error {
		return sess.FlushIgnorable()
	})
}

// SetAutoCommit toggles the Session's autocommit state.
func (h *Handle) SetAutoCommit(ctx context.Context, on bool) error {
	return h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		return sess.SetAutoCommit(ctx2, on)
	})
}

// SetTransactionIsolation sets the Session's isolation level.
func (h *Handle) SetTransactionIsolation(ctx context.Context, level string) error {
	return h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		return sess.SetTransactionIsolation(ctx2, level)
	})
}

// SetDefaultDB issues `USE schema` on the Session.
func (h *Handle) SetDefaultDB(ctx context.Context, schema string) error {
	return h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		return sess.SetDefaultDB(ctx2, schema)
	})
}

// SetSessionVariables issues one `SET name=value` per entry.
func (h *Handle) SetSessionVariables(ctx context.Context, vars map[string]string) error {
	return h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		return sess.SetSessionVariables(ctx2, vars)
	})
}

// SetGlobalVariables issues one `SET GLOBAL name=value` per entry.
func (h *Handle) SetGlobalVariables(ctx context.Context, vars map[string]string) error {
	return h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		return sess.SetGlobalVariables(ctx2, vars)
	})
}

// SetLazyCtsTransaction arms the lazy-prepared-transaction envelope.
func (h *Handle) SetLazyCtsTransaction() error {
	return h.withSession(func(sess *session.Session) error {
		sess.SetLazyCtsTransaction()
		return nil
	})
}

// SetLazySnapshotSeq sets the snapshot sequence on the lazy envelope.
func (h *Handle) SetLazySnapshotSeq(seq uint64) error {
	return h.withSession(func(sess *session.Session) error {
		sess.SetLazySnapshotSeq(seq)
		return nil
	})
}

// SetLazyCommitSeq sets the commit sequence on the lazy envelope.
func (h *Handle) SetLazyCommitSeq(seq uint64) error {
	return h.withSession(func(sess *session.Session) error {
		sess.SetLazyCommitSeq(seq)
		return nil
	})
}

// Cancel sends an out-of-band cancellation for the in-flight request
// without closing the Handle.
func (h *Handle) Cancel() error {
	return h.withSession(func(sess *session.Session) error {
		return sess.Cancel()
	})
}

// Kill cancels any in-flight request and, when pushKilled is set, poisons
// the Session so subsequent operations fail with SessionKilled; when
// withClose is also set, the Handle itself is closed.
func (h *Handle) Kill(pushKilled, withClose bool) error {
	err := h.withSession(func(sess *session.Session) error {
		return sess.Kill(pushKilled, false)
	})
	if err != nil {
		return err
	}
	if withClose {
		return h.Close()
	}
	return nil
}

// GetConnectionID returns the server-assigned connection id, issuing the
// one-shot lookup if it has not been resolved yet.
func (h *Handle) GetConnectionID(ctx context.Context) (uint64, error) {
	var id uint64
	err := h.withSession(func(sess *session.Session) error {
		ctx2, cancel := h.boundedCtx(ctx)
		defer cancel()
		v, err := sess.ConnectionID(ctx2)
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	return id, err
}

// GetLastUserRequest returns the most recent caller-visible (non-
// ignorable) request issued on this Handle's Session.
func (h *Handle) GetLastUserRequest() string {
	var out string
	_ = h.withSession(func(sess *session.Session) error {
		out = sess.LastUserRequest()
		return nil
	})
	return out
}

// GetLastException returns the most recently observed error on the
// underlying Session, surfaced even if the caller already received it
// directly from an operation.
func (h *Handle) GetLastException() error {
	var out error
	_ = h.withSession(func(sess *session.Session) error {
		out = sess.LastException()
		return nil
	})
	return out
}

// GetWarnings returns and clears the Session's accumulated warnings.
func (h *Handle) GetWarnings() []string {
	var out []string
	_ = h.withSession(func(sess *session.Session) error {
		out = sess.Warnings()
		return nil
	})
	return out
}

// TokenOffer grants additional row-chunk tokens to the Handle's most
// recently returned streamed Result.
func (h *Handle) TokenOffer(count uint32) error {
	if int32(count) < 0 {
		return xerrors.New(xerrors.IllegalArgument, "negative token count")
	}
	stream := h.lastStream.Load()
	if stream == nil {
		return xerrors.New(xerrors.IllegalArgument, "no active result to offer tokens to")
	}
	return stream.TokenOffer(count)
}

// Close releases the Handle's lease. It takes the exclusive lease so no
// operation can observe a nulled Session mid-flight, invokes onClose
// exactly once (its error is swallowed — the caller always sees Close
// succeed), and clears the Session reference.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.onClose != nil {
		_ = h.onClose()
	}
	h.sess = nil
	return nil
}

// Closed reports whether Close has already been called.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Unwrap reports whether the Handle's underlying Session is assignable
// to target's concrete type, for debug/test use. The check runs
// target-from-concrete, not concrete-from-target.
func (h *Handle) Unwrap(target any) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.sess == nil || target == nil {
		return false
	}
	switch target.(type) {
	case *session.Session:
		return true
	default:
		return false
	}
}

// CreateStatement refuses scroll/concurrency/holdability statement
// configuration: it raises NotSupported instead of returning a zero
// value a caller could mistake for success.
func (h *Handle) CreateStatement(resultSetType, resultSetConcurrency, resultSetHoldability int) error {
	return xerrors.New(xerrors.NotSupported, "scrollable/holdable statements are outside the private protocol")
}

// Savepoint, Catalog and Holdability are outside the private X-protocol
// dialect entirely; the driver only needs to refuse them cleanly rather
// than implement them.
func (h *Handle) Savepoint(name string) error {
	return xerrors.New(xerrors.NotSupported, "savepoints are outside the private protocol")
}

func (h *Handle) Catalog() (string, error) {
	return "", xerrors.New(xerrors.NotSupported, "catalogs are outside the private protocol")
}

func (h *Handle) Holdability() (int, error) {
	return 0, xerrors.New(xerrors.NotSupported, "holdability is outside the private protocol")
}
