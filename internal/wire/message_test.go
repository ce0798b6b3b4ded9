// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "testing"

func TestExecSQLRoundTrip(t *testing.T) {
	want := &ExecSQL{
		SessionID:    7,
		Sequence:     42,
		SQL:          "SELECT * FROM t WHERE id = ?",
		Digest:       []byte{0x01, 0x02},
		IgnoreResult: true,
		Returning:    "id",
		Params: []Param{
			{Kind: ParamInt64, I64: 100},
			{Kind: ParamString, Str: "hello"},
			{Kind: ParamDouble, F64: 3.5},
		},
	}
	raw, err := want.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := &ExecSQL{}
	if err := got.Unmarshal(raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SessionID != want.SessionID || got.SQL != want.SQL || got.Returning != want.Returning {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
	if len(got.Params) != 3 || got.Params[0].I64 != 100 || got.Params[1].Str != "hello" || got.Params[2].F64 != 3.5 {
		t.Fatalf("param round trip mismatch: %+v", got.Params)
	}
}

func TestTerminalKinds(t *testing.T) {
	ok := NewOK(1, 1, 5, 99)
	raw, err := ok.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := &Terminal{}
	got.SetKind(MsgOK)
	if err := got.Unmarshal(raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.IsGoodAndDone() || got.AffectedRows != 5 || got.LastInsertID != 99 {
		t.Fatalf("unexpected OK terminal: %+v", got)
	}

	errTerm := NewError(1, 2, "42000", 1064, "syntax error")
	raw2, err := errTerm.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got2 := &Terminal{}
	got2.SetKind(MsgError)
	if err := got2.Unmarshal(raw2); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got2.IsGoodAndDone() || got2.SQLState != "42000" || got2.ErrorCode != 1064 {
		t.Fatalf("unexpected error terminal: %+v", got2)
	}
}

func TestDecodeByType(t *testing.T) {
	row := &Row{SessionID: 3, Sequence: 1, Values: []Param{{Kind: ParamBool, Bool: true}}}
	raw, err := row.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err := Decode(MsgRow, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := msg.(*Row)
	if !ok {
		t.Fatalf("expected *Row, got %T", msg)
	}
	if len(got.Values) != 1 || !got.Values[0].Bool {
		t.Fatalf("unexpected row values: %+v", got.Values)
	}
}
