// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package session implements one logical session multiplexed onto a
// Transport: the protocol state machine (autocommit / explicit
// transaction / lazy prepared transaction), the serialized request
// pipeline, and the sequence-keyed demultiplexing of frames belonging to
// requests still in flight.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xiaoma20082008/polardbx-glue/internal/resultstream"
	"github.com/xiaoma20082008/polardbx-glue/internal/transport"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// requestState tracks one in-flight request's Stream for sequence-based
// demultiplexing. An ignorable request's pipeline slot is released the
// moment it is sent, but its entry stays in pending until its terminal
// frame actually arrives, so a later request sharing the Session can be
// outstanding at the same time without frames being misrouted.
type requestState struct {
	stream    *resultstream.Stream
	ignorable bool
}

// ExecOptions shapes one ExecSQL/ExecPlan request.
type ExecOptions struct {
	IgnoreResult  bool
	Returning     string
	StreamMode    bool
	DefaultTokens uint32
	Hint          []byte
	Digest        []byte
}

// Session is bound to one physical Transport and one storage-node session
// id. It implements transport.Sink so the Transport can deliver frames to
// it directly.
type Session struct {
	id        uint32
	tr        *transport.Transport
	user      string
	password  string

	nextSeq atomic.Uint64

	pipelineTok chan struct{}

	mu      sync.Mutex
	pending map[uint64]*requestState

	txnState   atomic.Int32
	lazyMu     sync.Mutex
	lazy       lazyEnvelope
	autoCommit atomic.Bool

	schemaMu sync.Mutex
	schema   string

	varsMu sync.Mutex
	vars   map[string]string

	isolationMu sync.Mutex
	isolation   string

	connIDOnce sync.Once
	connID     atomic.Uint64

	killed atomic.Bool
	dead   atomic.Bool
	lastEx atomic.Value // error

	lastUserReq atomic.Value // string

	warnMu   sync.Mutex
	warnings []string
}

// Open performs the session-new handshake on tr: it allocates a
// client-proposed session id, registers itself as that id's Sink, and
// blocks until the storage node's OK or Error terminal for the handshake
// arrives.
func Open(ctx context.Context, tr *transport.Transport, user, password, schema string) (*Session, error) {
	id := tr.AllocateSessionID()
	s := &Session{
		id:          id,
		tr:          tr,
		user:        user,
		password:    password,
		schema:      schema,
		pending:     make(map[uint64]*requestState),
		vars:        make(map[string]string),
		pipelineTok: make(chan struct{}, 1),
	}
	s.pipelineTok <- struct{}{}
	s.autoCommit.Store(true)

	tr.RegisterSession(id, s)

	stream := resultstream.New(false, 1, nil)
	s.mu.Lock()
	s.pending[0] = &requestState{stream: stream}
	s.mu.Unlock()

	if err := tr.Send(&wire.SessionNew{SessionID: id, User: user, Password: password, Schema: schema}); err != nil {
		tr.UnregisterSession(id)
		return nil, err
	}

	select {
	case <-stream.Done():
	case <-ctx.Done():
		tr.UnregisterSession(id)
		return nil, xerrors.Wrap(xerrors.Timeout, "session handshake", ctx.Err())
	}
	if err := stream.Err(); err != nil {
		tr.UnregisterSession(id)
		return nil, err
	}
	return s, nil
}

// ID is the storage-node session id.
func (s *Session) ID() uint32 { return s.id }

// Dead reports whether the Session can no longer accept requests, either
// because its Transport failed or because it was killed.
func (s *Session) Dead() bool { return s.dead.Load() }

// IsKilled reports whether a session-killed notice was received for this
// Session specifically (as opposed to its Transport failing outright).
func (s *Session) IsKilled() bool { return s.killed.Load() }

// LastException returns the most recently observed error, server- or
// transport-signalled. A newer error overwrites it; a later successful
// request never clears it.
func (s *Session) LastException() error {
	if e, ok := s.lastEx.Load().(error); ok {
		return e
	}
	return nil
}

// LastUserRequest returns a human-readable description of the most recent
// caller-issued (non-ignorable) request, for diagnostics.
func (s *Session) LastUserRequest() string {
	if v, ok := s.lastUserReq.Load().(string); ok {
		return v
	}
	return ""
}

// Warnings returns the connection-scope warnings accumulated on this
// Session and clears them, mirroring SHOW WARNINGS semantics.
func (s *Session) Warnings() []string {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	out := s.warnings
	s.warnings = nil
	return out
}

// ConnectionID lazily issues a one-shot SELECT CONNECTION_ID() the first
// time it's asked for, and caches the result for the Session's lifetime.
func (s *Session) ConnectionID(ctx context.Context) (uint64, error) {
	var err error
	s.connIDOnce.Do(func() {
		var stream *resultstream.Stream
		stream, err = s.acquireAndSend(ctx, func(seq uint64) wire.Message {
			return &wire.ExecSQL{SessionID: s.id, Sequence: seq, SQL: "SELECT CONNECTION_ID()"}
		}, false)
		if err != nil {
			return
		}
		if stream.Next() {
			row := stream.Row()
			if len(row) == 1 {
				v, derr := resultstream.DecodeInt64(row[0])
				if derr == nil {
					s.connID.Store(uint64(v))
				}
			}
		}
		stream.Drain()
		if e := stream.Err(); e != nil {
			err = e
		}
	})
	if err != nil {
		return 0, err
	}
	return s.connID.Load(), nil
}

// acquireAndSend takes the pipeline slot, registers a Stream for the
// sequence buildMsg is handed, sends the message, and — unless ignorable
// — arranges for the pipeline slot to be released only once the Stream's
// terminal frame arrives. Ignorable requests release the slot immediately
// after the send succeeds, letting a subsequent request overlap with this
// one's still-outstanding terminal.
func (s *Session) acquireAndSend(ctx context.Context, buildMsg func(seq uint64) wire.Message, ignorable bool) (*resultstream.Stream, error) {
	return s.acquireAndSendMode(ctx, buildMsg, ignorable, false, 4)
}

// acquireAndSendMode is acquireAndSend with explicit control over the
// Result Stream's mode and initial token window, used by ExecSQL/ExecPlan
// so a caller's StreamMode/DefaultTokens opt actually takes effect
// instead of every request silently running buffered.
func (s *Session) acquireAndSendMode(ctx context.Context, buildMsg func(seq uint64) wire.Message, ignorable, streamMode bool, defaultTokens uint32) (*resultstream.Stream, error) {
	if s.dead.Load() {
		return nil, s.deadError()
	}
	select {
	case <-s.pipelineTok:
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.Timeout, "acquire session pipeline", ctx.Err())
	}

	seq := s.nextSeq.Add(1)
	stream := resultstream.New(streamMode, defaultTokens, func(tokens uint32) error {
		return s.tr.Send(&wire.FetchMore{SessionID: s.id, Sequence: seq, Tokens: tokens})
	})

	s.mu.Lock()
	s.pending[seq] = &requestState{stream: stream, ignorable: ignorable}
	s.mu.Unlock()

	msg := buildMsg(seq)
	if err := s.tr.Send(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		s.releasePipeline()
		return nil, err
	}

	if ignorable {
		s.releasePipeline()
	} else {
		go func() {
			<-stream.Done()
			s.releasePipeline()
		}()
	}
	return stream, nil
}

func (s *Session) releasePipeline() {
	select {
	case s.pipelineTok <- struct{}{}:
	default:
	}
}

func (s *Session) deadError() error {
	if err := s.LastException(); err != nil {
		return err
	}
	return xerrors.New(xerrors.TransportError, "session is dead")
}

// ExecSQL submits a native SQL statement with bound parameters, applying
// the Session's current lazy-transaction envelope when one is armed.
func (s *Session) ExecSQL(ctx context.Context, sql string, params []wire.Param, opts ExecOptions) (*resultstream.Stream, error) {
	s.lazyMu.Lock()
	env := s.lazy
	s.lazyMu.Unlock()

	tokens := opts.DefaultTokens
	if tokens == 0 {
		tokens = 4
	}
	var announce uint32
	if opts.StreamMode {
		announce = tokens
	}
	stream, err := s.acquireAndSendMode(ctx, func(seq uint64) wire.Message {
		return &wire.ExecSQL{
			SessionID:     s.id,
			Sequence:      seq,
			SQL:           sql,
			Hint:          opts.Hint,
			Params:        params,
			Digest:        opts.Digest,
			IgnoreResult:  opts.IgnoreResult,
			Returning:     opts.Returning,
			Tokens:        announce,
			LazySnapshot:  env.snapshotSeq,
			LazyCommitSeq: env.commitSeq,
			LazyCTS:       env.cts,
		}
	}, opts.IgnoreResult, opts.StreamMode, tokens)
	if err != nil {
		return nil, err
	}
	if !opts.IgnoreResult {
		s.lastUserReq.Store(sql)
		s.noteTxnEffect(sql)
	}
	return stream, nil
}

// ExecPlan submits a pre-planned query (opaque planner bytes) instead of
// SQL text.
func (s *Session) ExecPlan(ctx context.Context, plan []byte, params []wire.Param, opts ExecOptions) (*resultstream.Stream, error) {
	tokens := opts.DefaultTokens
	if tokens == 0 {
		tokens = 4
	}
	stream, err := s.acquireAndSendMode(ctx, func(seq uint64) wire.Message {
		return &wire.ExecPlan{SessionID: s.id, Sequence: seq, Plan: plan, Params: params, IgnoreResult: opts.IgnoreResult}
	}, opts.IgnoreResult, opts.StreamMode, tokens)
	if err != nil {
		return nil, err
	}
	if !opts.IgnoreResult {
		s.lastUserReq.Store("<plan>")
		s.noteTxnEffect("")
	}
	return stream, nil
}

// GalaxyPrepare submits a prepared statement carrying table descriptors
// and a packed parameter block.
func (s *Session) GalaxyPrepare(ctx context.Context, gp wire.GalaxyPrepare) (*resultstream.Stream, error) {
	stream, err := s.acquireAndSend(ctx, func(seq uint64) wire.Message {
		gp.SessionID = s.id
		gp.Sequence = seq
		m := gp
		return &m
	}, gp.IgnoreResult)
	if err != nil {
		return nil, err
	}
	if !gp.IgnoreResult {
		s.lastUserReq.Store(gp.SQL)
		if gp.IsUpdate {
			s.noteTxnEffect("UPDATE")
		}
	}
	return stream, nil
}

// RequestTSO asks the storage node's timestamp oracle for count fresh
// timestamps, returning the first one (subsequent ones are contiguous).
func (s *Session) RequestTSO(ctx context.Context, count uint32) (uint64, error) {
	stream, err := s.acquireAndSend(ctx, func(seq uint64) wire.Message {
		return &wire.TSORequest{SessionID: s.id, Sequence: seq, Count: count}
	}, false)
	if err != nil {
		return 0, err
	}
	var first uint64
	if stream.Next() {
		// TSOResponse is surfaced to the Stream as a single pseudo-row
		// carrying First in its one column.
		row := stream.Row()
		if len(row) == 1 {
			first = uint64(row[0].I64)
		}
	}
	stream.Drain()
	if e := stream.Err(); e != nil {
		return 0, e
	}
	return first, nil
}

// Cancel sends an out-of-band cancellation for this Session without
// closing it; the in-flight request's terminal will arrive as an Error.
func (s *Session) Cancel() error {
	return s.tr.Send(&wire.Cancel{SessionID: s.id})
}

// Reset asks the storage node to clear the session's server-side state
// (temporary tables, user variables, locks) without closing it. Fire-and-
// forget, like Cancel; used when a Session is recycled into the idle
// pool.
func (s *Session) Reset() error {
	return s.tr.Send(&wire.SessionReset{SessionID: s.id})
}

// FlushIgnorable pushes any batched side-effect-only frames through the
// Transport's single-writer path before the Session is handed off.
func (s *Session) FlushIgnorable(msgs ...wire.Message) error {
	return s.tr.FlushIgnorable(msgs...)
}

// Kill cancels any in-flight request and, when withClose is true, also
// sends SessionClose. pushKilled marks the Session locally killed even if
// no session-killed notice is ever received (used when the caller
// initiated the kill itself rather than observing one from the server).
func (s *Session) Kill(pushKilled, withClose bool) error {
	_ = s.Cancel()
	if pushKilled {
		s.killed.Store(true)
		s.markDead(xerrors.New(xerrors.SessionKilled, "session killed"))
	}
	if withClose {
		return s.Close()
	}
	return nil
}

// Close sends SessionClose and unregisters this Session from its
// Transport. It does not wait for the close to be acknowledged: the
// Transport simply stops routing frames for this id.
func (s *Session) Close() error {
	err := s.tr.Send(&wire.SessionClose{SessionID: s.id})
	s.tr.UnregisterSession(s.id)
	s.markDead(xerrors.New(xerrors.Closed, "session closed"))
	return err
}

// Deliver routes a request-scope frame to the pending Stream its
// sequence number names.
func (s *Session) Deliver(msg wire.Message) {
	seq := wire.SequenceOf(msg)
	s.mu.Lock()
	rs := s.pending[seq]
	if _, isTerm := msg.(*wire.Terminal); isTerm {
		delete(s.pending, seq)
	}
	s.mu.Unlock()
	if rs == nil {
		return
	}
	switch m := msg.(type) {
	case *wire.ColumnMeta:
		rs.stream.PushColumn(m)
	case *wire.Row:
		rs.stream.PushRow(m)
	case *wire.TSOResponse:
		rs.stream.PushRow(&wire.Row{
			SessionID: m.SessionID,
			Sequence:  m.Sequence,
			Values:    []wire.Param{{Kind: wire.ParamInt64, I64: int64(m.First)}},
		})
	case *wire.Terminal:
		if !m.IsGoodAndDone() {
			s.lastEx.Store(xerrors.New(xerrors.SessionError, m.SQLState+": "+m.ErrorMessage))
		}
		rs.stream.PushTerminal(m)
	}
}

// Notify handles a connection-scope notice: a warning is buffered for
// Warnings and attached to the in-flight caller-visible request if there
// is one, a session-variable change updates the cached variable map.
func (s *Session) Notify(n *wire.Notice) {
	switch n.Kind {
	case wire.NoticeWarning:
		s.warnMu.Lock()
		s.warnings = append(s.warnings, n.Text)
		s.warnMu.Unlock()
		s.mu.Lock()
		for _, rs := range s.pending {
			if !rs.ignorable {
				rs.stream.PushNotice(n)
				break
			}
		}
		s.mu.Unlock()
	case wire.NoticeSessionVariableChanged:
		s.varsMu.Lock()
		s.vars[n.Text] = n.Text
		s.varsMu.Unlock()
	}
}

// Killed marks the Session dead because the storage node pushed a
// session-killed notice for it, and unblocks anything waiting on an
// in-flight Stream. It implements transport.Sink.
func (s *Session) Killed() {
	s.killed.Store(true)
	s.markDead(xerrors.New(xerrors.SessionKilled, "session killed by server"))
}

// Fail marks the Session dead because its Transport failed, and unblocks
// anything waiting on an in-flight Stream with the same error.
func (s *Session) Fail(err error) {
	s.markDead(err)
}

func (s *Session) markDead(err error) {
	if !s.dead.CompareAndSwap(false, true) {
		return
	}
	s.lastEx.Store(err)
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]*requestState)
	s.mu.Unlock()
	for seq, rs := range pending {
		rs.stream.PushTerminal(wire.NewError(s.id, seq, "", 0, err.Error()))
	}
	s.releasePipeline()
}
