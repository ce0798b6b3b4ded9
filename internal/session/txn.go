// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package session

import (
	"context"
	"strings"

	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// txnState is the Session's transaction-scope state machine.
type txnState int32

const (
	stateAutoCommit txnState = iota
	stateExplicitTxn
	stateLazyPreparedTxn
)

// lazyEnvelope is the lazy-transaction metadata piggy-backed on the next
// user statement's request message. It is swapped atomically when a
// request is encoded, never partially applied, and is stashed (not
// discarded) across an isolation-level change so it isn't consumed by the
// isolation SQL itself.
type lazyEnvelope struct {
	cts         bool
	snapshotSeq uint64
	commitSeq   uint64
}

func (e lazyEnvelope) armed() bool {
	return e.cts || e.snapshotSeq != 0 || e.commitSeq != 0
}

// SetAutoCommit transitions the Session between AutoCommit and
// Explicit-Txn. The client's cached autocommit flag mirrors only the last
// value the server acknowledged; it is never set eagerly, matching §3's
// invariant. Setting the same value twice is a no-op: no SQL is sent.
func (s *Session) SetAutoCommit(ctx context.Context, on bool) error {
	if s.autoCommit.Load() == on {
		return nil
	}
	sql := "SET AUTOCOMMIT=0"
	if on {
		sql = "SET AUTOCOMMIT=1"
	}
	stream, err := s.acquireAndSend(ctx, func(seq uint64) wire.Message {
		return &wire.ExecSQL{SessionID: s.id, Sequence: seq, SQL: sql, IgnoreResult: true}
	}, true)
	if err != nil {
		return err
	}
	stream.Drain()
	if err := stream.Err(); err != nil {
		return err
	}
	s.autoCommit.Store(on)
	if on {
		s.txnState.Store(int32(stateAutoCommit))
		s.lazyMu.Lock()
		s.lazy = lazyEnvelope{}
		s.lazyMu.Unlock()
	}
	return nil
}

// SetTransactionIsolation issues `SET SESSION TRANSACTION ISOLATION LEVEL
// …` unless level is already the cached value, skipping the redundant
// round trip. Any armed lazy-txn envelope is stashed across the call and
// restored afterward so the isolation SQL doesn't silently consume it.
func (s *Session) SetTransactionIsolation(ctx context.Context, level string) error {
	level = strings.ToUpper(strings.TrimSpace(level))
	switch level {
	case "READ UNCOMMITTED", "READ COMMITTED", "REPEATABLE READ", "SERIALIZABLE":
	default:
		return xerrors.New(xerrors.IllegalArgument, "unknown isolation level: "+level)
	}

	s.isolationMu.Lock()
	if s.isolation == level {
		s.isolationMu.Unlock()
		return nil
	}
	s.isolationMu.Unlock()

	s.lazyMu.Lock()
	stashed := s.lazy
	s.lazy = lazyEnvelope{}
	s.lazyMu.Unlock()

	stream, err := s.acquireAndSend(ctx, func(seq uint64) wire.Message {
		return &wire.ExecSQL{
			SessionID:    s.id,
			Sequence:     seq,
			SQL:          "SET SESSION TRANSACTION ISOLATION LEVEL " + level,
			IgnoreResult: true,
		}
	}, true)

	s.lazyMu.Lock()
	s.lazy = stashed
	s.lazyMu.Unlock()

	if err != nil {
		return err
	}
	stream.Drain()
	if err := stream.Err(); err != nil {
		return err
	}
	s.isolationMu.Lock()
	s.isolation = level
	s.isolationMu.Unlock()
	return nil
}

// Isolation returns the client-cached isolation level, empty if never set.
func (s *Session) Isolation() string {
	s.isolationMu.Lock()
	defer s.isolationMu.Unlock()
	return s.isolation
}

// AutoCommit reports the client's cached autocommit flag.
func (s *Session) AutoCommit() bool { return s.autoCommit.Load() }

// SetDefaultDB issues `USE schema`; a subsequent query observes schema on
// the server.
func (s *Session) SetDefaultDB(ctx context.Context, schema string) error {
	stream, err := s.acquireAndSend(ctx, func(seq uint64) wire.Message {
		return &wire.ExecSQL{SessionID: s.id, Sequence: seq, SQL: "USE " + schema, IgnoreResult: true}
	}, true)
	if err != nil {
		return err
	}
	stream.Drain()
	if err := stream.Err(); err != nil {
		return err
	}
	s.schemaMu.Lock()
	s.schema = schema
	s.schemaMu.Unlock()
	return nil
}

// DefaultDB returns the client-cached default schema.
func (s *Session) DefaultDB() string {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	return s.schema
}

// SetSessionVariables issues one `SET name=value` per entry and updates
// the client-cached variable map once each one is acknowledged.
func (s *Session) SetSessionVariables(ctx context.Context, vars map[string]string) error {
	return s.setVariables(ctx, vars, "SET ")
}

// SetGlobalVariables issues one `SET GLOBAL name=value` per entry; the
// client does not cache global variables (they are not session-scoped).
func (s *Session) SetGlobalVariables(ctx context.Context, vars map[string]string) error {
	return s.setVariables(ctx, vars, "SET GLOBAL ")
}

func (s *Session) setVariables(ctx context.Context, vars map[string]string, prefix string) error {
	for name, value := range vars {
		stream, err := s.acquireAndSend(ctx, func(seq uint64) wire.Message {
			return &wire.ExecSQL{
				SessionID:    s.id,
				Sequence:     seq,
				SQL:          prefix + name + "=" + value,
				IgnoreResult: true,
			}
		}, true)
		if err != nil {
			return err
		}
		stream.Drain()
		if err := stream.Err(); err != nil {
			return err
		}
		if prefix == "SET " {
			s.varsMu.Lock()
			s.vars[name] = value
			s.varsMu.Unlock()
		}
	}
	return nil
}

// SessionVariables returns a copy of the client-cached session variable
// map. Server-side changes the driver never issued are not reconciled.
func (s *Session) SessionVariables() map[string]string {
	s.varsMu.Lock()
	defer s.varsMu.Unlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// SetLazyCtsTransaction arms the lazy-prepared-transaction envelope: the
// begin/commit timestamp metadata is piggy-backed on the first user
// statement sent afterward instead of costing a separate round trip.
func (s *Session) SetLazyCtsTransaction() {
	s.lazyMu.Lock()
	s.lazy.cts = true
	s.lazyMu.Unlock()
}

// SetLazySnapshotSeq sets the snapshot sequence piggy-backed on the next
// statement's lazy envelope.
func (s *Session) SetLazySnapshotSeq(seq uint64) {
	s.lazyMu.Lock()
	s.lazy.snapshotSeq = seq
	s.lazyMu.Unlock()
}

// SetLazyCommitSeq sets the commit sequence piggy-backed on the next
// statement's lazy envelope.
func (s *Session) SetLazyCommitSeq(seq uint64) {
	s.lazyMu.Lock()
	s.lazy.commitSeq = seq
	s.lazyMu.Unlock()
}

// noteTxnEffect inspects a just-submitted user statement for its effect
// on the transaction state machine, and clears a consumed lazy envelope.
// Called after a non-ignorable ExecSQL/ExecPlan/GalaxyPrepare has been
// handed to acquireAndSend, so the lazy envelope it read has already been
// put on the wire.
func (s *Session) noteTxnEffect(sql string) {
	s.lazyMu.Lock()
	consumed := s.lazy.armed()
	if consumed {
		s.lazy = lazyEnvelope{}
	}
	s.lazyMu.Unlock()

	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case consumed:
		s.txnState.Store(int32(stateLazyPreparedTxn))
	case strings.HasPrefix(upper, "BEGIN") || strings.HasPrefix(upper, "START TRANSACTION"):
		s.txnState.Store(int32(stateExplicitTxn))
	case strings.HasPrefix(upper, "COMMIT") || strings.HasPrefix(upper, "ROLLBACK"):
		s.txnState.Store(int32(stateAutoCommit))
	case !s.autoCommit.Load() && txnState(s.txnState.Load()) == stateAutoCommit && isDML(upper):
		s.txnState.Store(int32(stateExplicitTxn))
	}
}

func isDML(upper string) bool {
	for _, kw := range []string{"INSERT", "UPDATE", "DELETE", "REPLACE"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// InTransaction reports whether the Session currently has an open
// transaction (explicit or lazy-prepared), used by the Pool's release
// protocol to decide whether a ROLLBACK is owed.
func (s *Session) InTransaction() bool {
	return txnState(s.txnState.Load()) != stateAutoCommit
}
