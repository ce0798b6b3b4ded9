// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handle

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/xiaoma20082008/polardbx-glue/internal/codec"
	"github.com/xiaoma20082008/polardbx-glue/internal/session"
	"github.com/xiaoma20082008/polardbx-glue/internal/transport"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

func startStubNode(t *testing.T) transport.Target {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
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
					switch m := msg.(type) {
					case *wire.SessionNew:
						_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, 0, 0, 0))
					case *wire.ExecSQL:
						switch {
						case strings.HasPrefix(m.SQL, "SELECT CONNECTION_ID"):
							_ = codec.WriteFrame(conn, &wire.Row{SessionID: m.SessionID, Sequence: m.Sequence, Values: []wire.Param{{Kind: wire.ParamInt64, I64: 88}}})
							_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 0, 0))
						case strings.HasPrefix(m.SQL, "SELECT"):
							_ = codec.WriteFrame(conn, &wire.Row{SessionID: m.SessionID, Sequence: m.Sequence, Values: []wire.Param{{Kind: wire.ParamInt64, I64: 1}}})
							_ = codec.WriteFrame(conn, wire.NewEOF(m.SessionID, m.Sequence))
						case strings.HasPrefix(m.SQL, "INSERT"):
							_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 1, 5))
						default:
							_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 0, 0))
						}
					case *wire.TSORequest:
						_ = codec.WriteFrame(conn, &wire.TSOResponse{SessionID: m.SessionID, Sequence: m.Sequence, First: 9000})
						_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 0, 0))
					case *wire.Ping:
						_ = codec.WriteFrame(conn, &wire.Pong{})
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	return transport.Target{Host: host, Port: port}
}

func newHandle(t *testing.T) *Handle {
	t.Helper()
	target := startStubNode(t)
	tr, err := transport.Dial(target, transport.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := session.Open(ctx, tr, "u", "p", "db")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return New(sess, nil)
}

func initHandle(t *testing.T, h *Handle) {
	t.Helper()
	if err := h.Init(context.Background(), int64(2*time.Second)); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestOperationsRequireInit(t *testing.T) {
	h := newHandle(t)
	_, err := h.ExecQuery(context.Background(), "SELECT 1", nil, ExecOptions{})
	if !xerrors.Is(err, xerrors.NotInitialized) {
		t.Fatalf("expected NotInitialized before Init, got %v", err)
	}
}

func TestExecQueryAndUpdate(t *testing.T) {
	h := newHandle(t)
	initHandle(t, h)

	stream, err := h.ExecQuery(context.Background(), "SELECT 1", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !stream.Next() || stream.Row()[0].I64 != 1 {
		t.Fatal("expected one row [1]")
	}
	stream.Drain()
	if !stream.IsGoodAndDone() {
		t.Fatal("expected good-and-done")
	}
	if got := h.GetLastUserRequest(); got != "SELECT 1" {
		t.Fatalf("unexpected last user request: %q", got)
	}

	affected, lastID, err := h.ExecUpdate(context.Background(), "INSERT INTO t VALUES(1)", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if affected != 1 || lastID != 5 {
		t.Fatalf("expected affected=1 lastID=5, got %d/%d", affected, lastID)
	}
}

func TestGetTSOAndConnectionID(t *testing.T) {
	h := newHandle(t)
	initHandle(t, h)

	first, err := h.GetTSO(context.Background(), 8)
	if err != nil {
		t.Fatalf("tso: %v", err)
	}
	if first != 9000 {
		t.Fatalf("expected 9000, got %d", first)
	}

	id, err := h.GetConnectionID(context.Background())
	if err != nil {
		t.Fatalf("connection id: %v", err)
	}
	if id != 88 {
		t.Fatalf("expected 88, got %d", id)
	}
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	h := newHandle(t)
	initHandle(t, h)

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !h.Closed() {
		t.Fatal("expected Closed() after close")
	}

	_, err := h.ExecQuery(context.Background(), "SELECT 1", nil, ExecOptions{})
	if !xerrors.Is(err, xerrors.Closed) {
		t.Fatalf("expected Closed, got %v", err)
	}
	if err := h.SetAutoCommit(context.Background(), false); !xerrors.Is(err, xerrors.Closed) {
		t.Fatalf("expected Closed from setter, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}

func TestCloseInvokesReleaseOnce(t *testing.T) {
	target := startStubNode(t)
	tr, err := transport.Dial(target, transport.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	sess, err := session.Open(context.Background(), tr, "u", "p", "db")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	var releases int
	h := New(sess, func() error { releases++; return nil })
	_ = h.Close()
	_ = h.Close()
	if releases != 1 {
		t.Fatalf("expected exactly one release, got %d", releases)
	}
}

func TestKillLeavesHandleOpenButPoisoned(t *testing.T) {
	h := newHandle(t)
	initHandle(t, h)

	if err := h.Kill(true, false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if h.Closed() {
		t.Fatal("kill without withClose must leave the handle open")
	}

	_, err := h.ExecQuery(context.Background(), "SELECT 1", nil, ExecOptions{})
	if !xerrors.Is(err, xerrors.SessionKilled) {
		t.Fatalf("expected SessionKilled, got %v", err)
	}
	if !xerrors.Is(h.GetLastException(), xerrors.SessionKilled) {
		t.Fatalf("expected last exception to record the kill, got %v", h.GetLastException())
	}
}

func TestKillWithCloseClosesHandle(t *testing.T) {
	h := newHandle(t)
	initHandle(t, h)

	if err := h.Kill(true, true); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !h.Closed() {
		t.Fatal("kill with withClose must close the handle")
	}
}

func TestTokenOfferWithoutActiveResult(t *testing.T) {
	h := newHandle(t)
	err := h.TokenOffer(4)
	if !xerrors.Is(err, xerrors.IllegalArgument) {
		t.Fatalf("expected IllegalArgument, got %v", err)
	}
}

func TestNotSupportedSurface(t *testing.T) {
	h := newHandle(t)
	if err := h.CreateStatement(1, 2, 3); !xerrors.Is(err, xerrors.NotSupported) {
		t.Fatalf("expected NotSupported from CreateStatement, got %v", err)
	}
	if err := h.Savepoint("sp1"); !xerrors.Is(err, xerrors.NotSupported) {
		t.Fatalf("expected NotSupported from Savepoint, got %v", err)
	}
	if _, err := h.Catalog(); !xerrors.Is(err, xerrors.NotSupported) {
		t.Fatalf("expected NotSupported from Catalog, got %v", err)
	}
	if _, err := h.Holdability(); !xerrors.Is(err, xerrors.NotSupported) {
		t.Fatalf("expected NotSupported from Holdability, got %v", err)
	}
}

func TestUnwrapDirection(t *testing.T) {
	h := newHandle(t)
	if !h.Unwrap(&session.Session{}) {
		t.Fatal("expected Unwrap to accept a *session.Session target")
	}
	if h.Unwrap("not a session") {
		t.Fatal("expected Unwrap to reject a non-session target")
	}
	_ = h.Close()
	if h.Unwrap(&session.Session{}) {
		t.Fatal("expected Unwrap to fail on a closed handle")
	}
}

func TestNetworkTimeoutDefault(t *testing.T) {
	h := newHandle(t)
	if h.NetworkTimeout() <= 0 {
		t.Fatal("expected a positive process-default timeout")
	}
	h.SetNetworkTimeout(5 * time.Second)
	if h.NetworkTimeout() != 5*time.Second {
		t.Fatalf("expected 5s, got %v", h.NetworkTimeout())
	}
	h.SetNetworkTimeout(0)
	if h.NetworkTimeout() <= 0 {
		t.Fatal("zero must fall back to the process default")
	}
}
