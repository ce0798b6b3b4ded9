// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package pool

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/xiaoma20082008/polardbx-glue/internal/codec"
	"github.com/xiaoma20082008/polardbx-glue/internal/config"
	"github.com/xiaoma20082008/polardbx-glue/internal/transport"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// startStubNode runs a storage node that acknowledges handshakes and
// statements, enough for the Pool's acquire/release protocol.
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
						if strings.HasPrefix(m.SQL, "SELECT") {
							_ = codec.WriteFrame(conn, &wire.Row{SessionID: m.SessionID, Sequence: m.Sequence, Values: []wire.Param{{Kind: wire.ParamInt64, I64: 1}}})
							_ = codec.WriteFrame(conn, wire.NewEOF(m.SessionID, m.Sequence))
						} else {
							_ = codec.WriteFrame(conn, wire.NewOK(m.SessionID, m.Sequence, 0, 0))
						}
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
	return transport.Target{Host: host, Port: port, User: "u", Password: "p", Schema: "db"}
}

func tinyPoolConfig(acquireTimeout time.Duration) config.PoolConfig {
	return config.PoolConfig{
		MaxTransportsPerTarget:  1,
		MaxSessionsPerTransport: 1,
		DefaultQueryTokenCount:  4,
		AcquireTimeoutNanos:     int64(acquireTimeout),
		IdleSessionTTLNanos:     int64(time.Minute),
		NetworkTimeoutNanos:     int64(2 * time.Second),
	}
}

func TestAcquireSaturationAndReuse(t *testing.T) {
	target := startStubNode(t)
	p := New(tinyPoolConfig(50 * time.Millisecond))
	defer p.Close()

	h1, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	_, err = p.Acquire(context.Background(), target, "")
	if !xerrors.Is(err, xerrors.AcquireTimeout) {
		t.Fatalf("expected AcquireTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("second acquire failed too fast: %v", elapsed)
	}

	if err := h1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st := p.Stats()
	if len(st) != 1 || st[0].SessionsIdle != 1 || st[0].SessionsInUse != 0 {
		t.Fatalf("expected one idle session after release, got %+v", st)
	}

	h3, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	defer h3.Close()

	st = p.Stats()
	if st[0].Transports != 1 || st[0].SessionsInUse != 1 {
		t.Fatalf("expected the reused session on the single transport, got %+v", st)
	}
}

func TestAcquireZeroTimeoutFailsFast(t *testing.T) {
	target := startStubNode(t)
	p := New(tinyPoolConfig(0))
	defer p.Close()

	h1, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer h1.Close()

	start := time.Now()
	_, err = p.Acquire(context.Background(), target, "")
	if !xerrors.Is(err, xerrors.AcquireTimeout) {
		t.Fatalf("expected immediate AcquireTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("zero-timeout acquire did not fail fast: %v", elapsed)
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	target := startStubNode(t)
	p := New(tinyPoolConfig(2 * time.Second))
	defer p.Close()

	h1, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		h2, err := p.Acquire(context.Background(), target, "")
		if err == nil {
			defer h2.Close()
		}
		acquired <- err
	}()

	// Give the second acquirer time to park on the waiter queue, then
	// release; the waiter must be handed the freed capacity.
	time.Sleep(50 * time.Millisecond)
	_ = h1.Close()

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("parked acquire failed after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestKilledSessionIsDroppedNotReused(t *testing.T) {
	target := startStubNode(t)
	p := New(tinyPoolConfig(50 * time.Millisecond))
	defer p.Close()

	h, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Kill(true, false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st := p.Stats()
	if st[0].SessionsIdle != 0 {
		t.Fatalf("killed session must not return to the idle pool: %+v", st)
	}

	// The slot freed by the drop is usable again with a fresh session.
	h2, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("acquire after drop: %v", err)
	}
	defer h2.Close()
}

func TestAcquireInterning(t *testing.T) {
	target := startStubNode(t)
	cfg := tinyPoolConfig(time.Second)
	cfg.MaxSessionsPerTransport = 2
	p := New(cfg)
	defer p.Close()

	h1, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h1.Close()
	h2, err := p.Acquire(context.Background(), target, "")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer h2.Close()

	st := p.Stats()
	if len(st) != 1 {
		t.Fatalf("same target must intern to one per-target pool, got %d", len(st))
	}
	if st[0].Transports != 1 || st[0].SessionsInUse != 2 {
		t.Fatalf("expected two sessions multiplexed on one transport, got %+v", st)
	}
}
