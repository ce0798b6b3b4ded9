// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package resultstream

import (
	"sync"
	"testing"

	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

func intRow(v int64) *wire.Row {
	return &wire.Row{Values: []wire.Param{{Kind: wire.ParamInt64, I64: v}}}
}

func TestBufferedIteration(t *testing.T) {
	s := New(false, 4, nil)
	s.PushColumn(&wire.ColumnMeta{Name: "n", DataType: wire.ColumnInt64})
	s.PushRow(intRow(1))
	s.PushRow(intRow(2))
	s.PushTerminal(wire.NewOK(1, 1, 2, 0))

	var got []int64
	for s.Next() {
		row := s.Row()
		if len(row) != 1 {
			t.Fatalf("expected 1 column, got %d", len(row))
		}
		got = append(got, row[0].I64)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected rows: %v", got)
	}
	if !s.IsGoodAndDone() {
		t.Fatal("expected good-and-done after OK terminal")
	}
	if s.AffectedRows() != 2 {
		t.Fatalf("expected affected=2, got %d", s.AffectedRows())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols := s.Columns(); len(cols) != 1 || cols[0].Name != "n" {
		t.Fatalf("unexpected columns: %+v", cols)
	}
}

func TestErrorTerminal(t *testing.T) {
	s := New(false, 4, nil)
	s.PushTerminal(wire.NewError(1, 1, "42S02", 1146, "table does not exist"))

	if s.Next() {
		t.Fatal("expected no rows after error terminal")
	}
	if s.IsGoodAndDone() {
		t.Fatal("error terminal must not be good-and-done")
	}
	err := s.Err()
	if err == nil {
		t.Fatal("expected error from Err")
	}
	if !xerrors.Is(err, xerrors.SessionError) {
		t.Fatalf("expected SessionError kind, got %v", err)
	}
}

func TestStreamingTokenReplenish(t *testing.T) {
	var mu sync.Mutex
	var offers []uint32
	fetch := func(tokens uint32) error {
		mu.Lock()
		offers = append(offers, tokens)
		mu.Unlock()
		return nil
	}

	// Window of 2: the low-water mark is 1, so the first Next already
	// triggers a transparent replenishment.
	s := New(true, 2, fetch)
	s.PushRow(intRow(1))
	s.PushRow(intRow(2))

	if !s.Next() {
		t.Fatal("expected first row")
	}
	mu.Lock()
	n := len(offers)
	mu.Unlock()
	if n != 1 || offers[0] != 2 {
		t.Fatalf("expected one automatic fetch of 2 tokens, got %v", offers)
	}

	// A manual TokenOffer widens the window by exactly the given count.
	if err := s.TokenOffer(3); err != nil {
		t.Fatalf("token offer: %v", err)
	}
	mu.Lock()
	last := offers[len(offers)-1]
	mu.Unlock()
	if last != 3 {
		t.Fatalf("expected manual offer of 3, got %d", last)
	}

	s.PushTerminal(wire.NewEOF(1, 1))
	s.Drain()
	if !s.IsGoodAndDone() {
		t.Fatal("expected good-and-done after EOF")
	}
}

func TestTokenOfferWithoutFetcherIsNoop(t *testing.T) {
	s := New(false, 1, nil)
	if err := s.TokenOffer(5); err != nil {
		t.Fatalf("expected nil for buffered stream, got %v", err)
	}
}

func TestWarningsAttachToRequest(t *testing.T) {
	s := New(false, 1, nil)
	s.PushNotice(&wire.Notice{Kind: wire.NoticeWarning, Text: "1287 deprecated syntax"})
	s.PushTerminal(wire.NewOK(1, 1, 0, 0))

	w := s.Warnings()
	if len(w) != 1 || w[0] != "1287 deprecated syntax" {
		t.Fatalf("unexpected warnings: %v", w)
	}
}

func TestDecodeInt64(t *testing.T) {
	if v, err := DecodeInt64(wire.Param{Kind: wire.ParamInt64, I64: 42}); err != nil || v != 42 {
		t.Fatalf("int64 passthrough: v=%d err=%v", v, err)
	}
	if v, err := DecodeInt64(wire.Param{Kind: wire.ParamString, Str: "42"}); err != nil || v != 42 {
		t.Fatalf("string coercion: v=%d err=%v", v, err)
	}
	if _, err := DecodeInt64(wire.Param{Kind: wire.ParamBytes}); err == nil {
		t.Fatal("expected error for non-coercible kind")
	}
}
