// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaoma20082008/polardbx-glue/internal/codec"
	"github.com/xiaoma20082008/polardbx-glue/internal/transport"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// stubNode is a minimal in-process storage node: it acknowledges session
// handshakes, answers SELECTs with one row, acknowledges everything else
// with OK, and records every message it received for assertions.
type stubNode struct {
	ln net.Listener

	mu       sync.Mutex
	recv     []wire.Message
	sleeping *wire.ExecSQL // in-flight "SELECT SLEEP" awaiting a cancel
	bigSent  int           // rows emitted so far for "SELECT * FROM big"
	bigLeft  int           // rows still owed for "SELECT * FROM big"
}

func startStubNode(t *testing.T) *stubNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	n := &stubNode{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go n.serve(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return n
}

func (n *stubNode) serve(conn net.Conn) {
	defer conn.Close()
	for {
		f, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := codec.Decode(f)
		if err != nil {
			return
		}
		n.mu.Lock()
		n.recv = append(n.recv, msg)
		n.mu.Unlock()

		switch m := msg.(type) {
		case *wire.SessionNew:
			_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, 0, 0, 0))
		case *wire.ExecSQL:
			n.replyExec(conn, m)
		case *wire.TSORequest:
			_ = codec.WriteFrame(conn, &wire.TSOResponse{SessionID: m.SessionID, Sequence: m.Sequence, First: 7000})
			_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 0, 0))
		case *wire.FetchMore:
			n.mu.Lock()
			grant := int(m.Tokens)
			if grant > n.bigLeft {
				grant = n.bigLeft
			}
			n.bigLeft -= grant
			finished := n.bigLeft == 0
			n.mu.Unlock()
			for i := 0; i < grant; i++ {
				n.mu.Lock()
				n.bigSent++
				v := n.bigSent
				n.mu.Unlock()
				_ = codec.WriteFrame(conn, &wire.Row{SessionID: m.SessionID, Sequence: m.Sequence, Values: []wire.Param{{Kind: wire.ParamInt64, I64: int64(v)}}})
			}
			if finished && grant > 0 {
				_ = codec.WriteFrame(conn, wire.NewEOF(m.SessionID, m.Sequence))
			}
		case *wire.Cancel:
			n.mu.Lock()
			sleeping := n.sleeping
			n.sleeping = nil
			n.mu.Unlock()
			if sleeping != nil {
				_ = codec.WriteFrame(conn, wire.NewError(sleeping.SessionID, sleeping.Sequence, "70100", 1317, "query execution was interrupted"))
			}
		case *wire.Ping:
			_ = codec.WriteFrame(conn, &wire.Pong{})
		}
	}
}

func (n *stubNode) replyExec(conn net.Conn, m *wire.ExecSQL) {
	switch {
	case strings.HasPrefix(m.SQL, "SELECT SLEEP"):
		// Hold the terminal until a Cancel arrives.
		n.mu.Lock()
		n.sleeping = m
		n.mu.Unlock()
	case m.SQL == "SELECT * FROM big":
		// A 5-row result that honors the announced token window: emit at
		// most Tokens rows, then pause until FetchMore grants more.
		window := 5
		if m.Tokens > 0 && int(m.Tokens) < window {
			window = int(m.Tokens)
		}
		n.mu.Lock()
		n.bigSent = 0
		n.bigLeft = 5 - window
		n.mu.Unlock()
		for i := 0; i < window; i++ {
			n.mu.Lock()
			n.bigSent++
			v := n.bigSent
			n.mu.Unlock()
			_ = codec.WriteFrame(conn, &wire.Row{SessionID: m.SessionID, Sequence: m.Sequence, Values: []wire.Param{{Kind: wire.ParamInt64, I64: int64(v)}}})
		}
		if window == 5 {
			_ = codec.WriteFrame(conn, wire.NewEOF(m.SessionID, m.Sequence))
		}
	case strings.HasPrefix(m.SQL, "SELECT CONNECTION_ID"):
		_ = codec.WriteFrame(conn, &wire.Row{SessionID: m.SessionID, Sequence: m.Sequence, Values: []wire.Param{{Kind: wire.ParamInt64, I64: 88}}})
		_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 0, 0))
	case strings.HasPrefix(m.SQL, "SELECT"):
		_ = codec.WriteFrame(conn, &wire.ColumnMeta{SessionID: m.SessionID, Sequence: m.Sequence, Name: "c", DataType: wire.ColumnInt64})
		_ = codec.WriteFrame(conn, &wire.Row{SessionID: m.SessionID, Sequence: m.Sequence, Values: []wire.Param{{Kind: wire.ParamInt64, I64: 1}}})
		_ = codec.WriteFrame(conn, wire.NewEOF(m.SessionID, m.Sequence))
	case strings.HasPrefix(m.SQL, "INSERT"):
		_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 1, 5))
	default:
		_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 0, 0))
	}
}

// execSQLs returns every ExecSQL the node has received so far.
func (n *stubNode) execSQLs() []*wire.ExecSQL {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*wire.ExecSQL
	for _, m := range n.recv {
		if e, ok := m.(*wire.ExecSQL); ok {
			out = append(out, e)
		}
	}
	return out
}

func openSession(t *testing.T, n *stubNode) *Session {
	t.Helper()
	host, port, err := net.SplitHostPort(n.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	tr, err := transport.Dial(transport.Target{Host: host, Port: port}, transport.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Open(ctx, tr, "u", "p", "db")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return s
}

func TestOpenHandshake(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)
	if s.ID() == 0 {
		t.Fatal("expected non-zero session id")
	}
	if s.Dead() {
		t.Fatal("fresh session must not be dead")
	}
}

func TestExecQuerySimple(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	stream, err := s.ExecSQL(context.Background(), "SELECT 1", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !stream.Next() {
		t.Fatal("expected one row")
	}
	if got := stream.Row()[0].I64; got != 1 {
		t.Fatalf("expected row [1], got %d", got)
	}
	stream.Drain()
	if !stream.IsGoodAndDone() {
		t.Fatal("expected good-and-done")
	}
	if w := stream.Warnings(); len(w) != 0 {
		t.Fatalf("expected zero warnings, got %v", w)
	}
}

func TestIgnorableRequestNotSurfaced(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	if err := s.SetAutoCommit(context.Background(), false); err != nil {
		t.Fatalf("set autocommit: %v", err)
	}
	if got := s.LastUserRequest(); got != "" {
		t.Fatalf("ignorable request leaked into LastUserRequest: %q", got)
	}

	stream, err := s.ExecSQL(context.Background(), "SELECT 1", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	stream.Drain()
	if got := s.LastUserRequest(); got != "SELECT 1" {
		t.Fatalf("expected LastUserRequest=SELECT 1, got %q", got)
	}
}

func TestIsolationLevelRoundTrip(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	if err := s.SetTransactionIsolation(context.Background(), "repeatable read"); err != nil {
		t.Fatalf("set isolation: %v", err)
	}
	if err := s.SetTransactionIsolation(context.Background(), "REPEATABLE READ"); err != nil {
		t.Fatalf("set isolation again: %v", err)
	}
	if got := s.Isolation(); got != "REPEATABLE READ" {
		t.Fatalf("expected cached level REPEATABLE READ, got %q", got)
	}

	var sent int
	for _, e := range n.execSQLs() {
		if strings.HasPrefix(e.SQL, "SET SESSION TRANSACTION ISOLATION LEVEL") {
			sent++
		}
	}
	if sent != 1 {
		t.Fatalf("expected exactly one isolation SQL on the wire, got %d", sent)
	}
}

func TestUnknownIsolationLevel(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	err := s.SetTransactionIsolation(context.Background(), "CHAOS")
	if !xerrors.Is(err, xerrors.IllegalArgument) {
		t.Fatalf("expected IllegalArgument, got %v", err)
	}
}

func TestLazyEnvelopePiggyback(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	if err := s.SetAutoCommit(context.Background(), false); err != nil {
		t.Fatalf("set autocommit: %v", err)
	}
	s.SetLazyCtsTransaction()
	s.SetLazySnapshotSeq(100)

	stream, err := s.ExecSQL(context.Background(), "SELECT * FROM t", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	stream.Drain()

	var carried *wire.ExecSQL
	for _, e := range n.execSQLs() {
		if e.SQL == "SELECT * FROM t" {
			carried = e
		}
	}
	if carried == nil {
		t.Fatal("statement never reached the node")
	}
	if !carried.LazyCTS || carried.LazySnapshot != 100 {
		t.Fatalf("lazy envelope not piggy-backed: cts=%v snapshot=%d", carried.LazyCTS, carried.LazySnapshot)
	}
	if !s.InTransaction() {
		t.Fatal("expected lazy-prepared transaction to be open")
	}

	// No separate BEGIN round trip: the only non-SELECT statement on the
	// wire is the autocommit toggle.
	for _, e := range n.execSQLs() {
		if strings.HasPrefix(e.SQL, "BEGIN") || strings.HasPrefix(e.SQL, "START TRANSACTION") {
			t.Fatalf("unexpected explicit begin on the wire: %q", e.SQL)
		}
	}

	// The envelope is consumed by the first statement, not replayed.
	stream2, err := s.ExecSQL(context.Background(), "SELECT 1", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("second exec: %v", err)
	}
	stream2.Drain()
	for _, e := range n.execSQLs() {
		if e.SQL == "SELECT 1" && (e.LazyCTS || e.LazySnapshot != 0) {
			t.Fatalf("lazy envelope replayed on second statement: %+v", e)
		}
	}
}

func TestIsolationChangeStashesLazyEnvelope(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	s.SetLazyCtsTransaction()
	s.SetLazySnapshotSeq(42)

	if err := s.SetTransactionIsolation(context.Background(), "SERIALIZABLE"); err != nil {
		t.Fatalf("set isolation: %v", err)
	}

	for _, e := range n.execSQLs() {
		if strings.HasPrefix(e.SQL, "SET SESSION TRANSACTION") && (e.LazyCTS || e.LazySnapshot != 0) {
			t.Fatalf("isolation SQL consumed the lazy envelope: %+v", e)
		}
	}

	stream, err := s.ExecSQL(context.Background(), "SELECT * FROM t", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	stream.Drain()

	for _, e := range n.execSQLs() {
		if e.SQL == "SELECT * FROM t" && (!e.LazyCTS || e.LazySnapshot != 42) {
			t.Fatalf("stashed envelope not restored onto next statement: %+v", e)
		}
	}
}

func TestRequestTSO(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	first, err := s.RequestTSO(context.Background(), 10)
	if err != nil {
		t.Fatalf("tso: %v", err)
	}
	if first != 7000 {
		t.Fatalf("expected first timestamp 7000, got %d", first)
	}
}

func TestConnectionIDIsOneShot(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	for i := 0; i < 3; i++ {
		id, err := s.ConnectionID(context.Background())
		if err != nil {
			t.Fatalf("connection id: %v", err)
		}
		if id != 88 {
			t.Fatalf("expected connection id 88, got %d", id)
		}
	}

	var lookups int
	for _, e := range n.execSQLs() {
		if strings.HasPrefix(e.SQL, "SELECT CONNECTION_ID") {
			lookups++
		}
	}
	if lookups != 1 {
		t.Fatalf("expected one CONNECTION_ID lookup, got %d", lookups)
	}
}

func TestKillPoisonsSession(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	if err := s.Kill(true, false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !s.IsKilled() || !s.Dead() {
		t.Fatal("expected session to be killed and dead")
	}

	_, err := s.ExecSQL(context.Background(), "SELECT 1", nil, ExecOptions{})
	if !xerrors.Is(err, xerrors.SessionKilled) {
		t.Fatalf("expected SessionKilled, got %v", err)
	}
	if !xerrors.Is(s.LastException(), xerrors.SessionKilled) {
		t.Fatalf("expected LastException to record the kill, got %v", s.LastException())
	}
}

func TestStreamingHonorsTokenWindow(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	stream, err := s.ExecSQL(context.Background(), "SELECT * FROM big", nil, ExecOptions{StreamMode: true, DefaultTokens: 2})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}

	// Before any row is pulled (so before any replenishment can be
	// triggered), the node must have emitted no more than the announced
	// window.
	time.Sleep(100 * time.Millisecond)
	n.mu.Lock()
	burst := n.bigSent
	n.mu.Unlock()
	if burst != 2 {
		t.Fatalf("expected initial burst of 2 row frames, node sent %d", burst)
	}

	// Pulling rows replenishes the window transparently until the result
	// completes.
	var got []int64
	for stream.Next() {
		got = append(got, stream.Row()[0].I64)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 rows, got %v", got)
	}
	if !stream.IsGoodAndDone() {
		t.Fatal("expected good-and-done")
	}
}

func TestCancelTerminatesInFlightQuery(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	done := make(chan error, 1)
	go func() {
		stream, err := s.ExecSQL(context.Background(), "SELECT SLEEP(60)", nil, ExecOptions{})
		if err != nil {
			done <- err
			return
		}
		stream.Drain()
		done <- stream.Err()
	}()

	// Wait for the statement to be in flight on the node before
	// cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		inFlight := n.sleeping != nil
		n.mu.Unlock()
		if inFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("statement never reached the node")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case err := <-done:
		if !xerrors.Is(err, xerrors.SessionError) {
			t.Fatalf("expected error terminal after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query never terminated after cancel")
	}
	if s.LastException() == nil {
		t.Fatal("expected LastException to record the cancellation")
	}
	if s.Dead() {
		t.Fatal("cancel must not kill the session")
	}
}

func TestSessionVariablesCached(t *testing.T) {
	n := startStubNode(t)
	s := openSession(t, n)

	if err := s.SetSessionVariables(context.Background(), map[string]string{"sql_mode": "STRICT_ALL_TABLES"}); err != nil {
		t.Fatalf("set variables: %v", err)
	}
	vars := s.SessionVariables()
	if vars["sql_mode"] != "STRICT_ALL_TABLES" {
		t.Fatalf("variable not cached: %v", vars)
	}

	// Global variables are not session-scoped and must not enter the cache.
	if err := s.SetGlobalVariables(context.Background(), map[string]string{"max_connections": "100"}); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if _, ok := s.SessionVariables()["max_connections"]; ok {
		t.Fatal("global variable leaked into the session cache")
	}
}
