// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "google.golang.org/protobuf/encoding/protowire"

// ExecSQL carries a native SQL statement plus bound parameters, an optional
// hint, an optional digest (server-side statement cache key), and the
// ignore-result / returning flags the Session pipeline needs to decide how
// to surface (or swallow) the terminal frame.
type ExecSQL struct {
	SessionID     uint32
	Sequence      uint64
	SQL           string
	Hint          []byte
	Params        []Param
	Digest        []byte
	IgnoreResult  bool
	Returning     string
	// Tokens announces the initial flow-control window for a streamed
	// result; zero means the result is buffered (no server-side pausing).
	Tokens        uint32
	LazySnapshot  uint64
	LazyCommitSeq uint64
	LazyCTS       bool
}

func (m *ExecSQL) Type() MsgType { return MsgExecSQL }

func (m *ExecSQL) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendString(b, fieldSQL, m.SQL)
	b = appendBytes(b, fieldHint, m.Hint)
	b = appendParams(b, fieldParams, m.Params)
	b = appendBytes(b, fieldDigest, m.Digest)
	b = appendBool(b, fieldIgnoreResult, m.IgnoreResult)
	b = appendString(b, fieldReturning, m.Returning)
	b = appendVarint(b, fieldTokenCount, uint64(m.Tokens))
	b = appendVarint(b, fieldLazySnapshot, m.LazySnapshot)
	b = appendVarint(b, fieldLazyCommitSeq, m.LazyCommitSeq)
	b = appendBool(b, fieldLazyCTS, m.LazyCTS)
	return b, nil
}

func (m *ExecSQL) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldSQL:
			m.SQL = string(data)
		case fieldHint:
			m.Hint = append([]byte(nil), data...)
		case fieldParams:
			p, err := unmarshalParam(data)
			if err != nil {
				return false
			}
			m.Params = append(m.Params, p)
		case fieldDigest:
			m.Digest = append([]byte(nil), data...)
		case fieldIgnoreResult:
			m.IgnoreResult = num == 1
		case fieldReturning:
			m.Returning = string(data)
		case fieldTokenCount:
			m.Tokens = uint32(num)
		case fieldLazySnapshot:
			m.LazySnapshot = num
		case fieldLazyCommitSeq:
			m.LazyCommitSeq = num
		case fieldLazyCTS:
			m.LazyCTS = num == 1
		}
		return true
	})
}

// ExecPlan is the planned-query variant: the caller already has a physical
// plan (opaque bytes from the planner collaborator) instead of SQL text.
type ExecPlan struct {
	SessionID    uint32
	Sequence     uint64
	Plan         []byte
	Params       []Param
	IgnoreResult bool
}

func (m *ExecPlan) Type() MsgType { return MsgExecPlan }

func (m *ExecPlan) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendBytes(b, fieldSQL, m.Plan)
	b = appendParams(b, fieldParams, m.Params)
	b = appendBool(b, fieldIgnoreResult, m.IgnoreResult)
	return b, nil
}

func (m *ExecPlan) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldSQL:
			m.Plan = append([]byte(nil), data...)
		case fieldParams:
			p, err := unmarshalParam(data)
			if err != nil {
				return false
			}
			m.Params = append(m.Params, p)
		case fieldIgnoreResult:
			m.IgnoreResult = num == 1
		}
		return true
	})
}

// GPTable is a single table descriptor referenced by a galaxy-prepare
// request (schema-qualified name plus the column count the packed
// parameters are shaped against).
type GPTable struct {
	Schema  string
	Name    string
	Columns int32
}

// GalaxyPrepare is a prepared statement carrying table descriptors and a
// packed parameter block.
type GalaxyPrepare struct {
	SessionID    uint32
	Sequence     uint64
	SQL          string
	Hint         []byte
	Digest       []byte
	Tables       []GPTable
	PackedParams []byte
	ParamNum     int32
	IgnoreResult bool
	IsUpdate     bool
}

func (m *GalaxyPrepare) Type() MsgType { return MsgGalaxyPrepare }

func (m *GalaxyPrepare) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendString(b, fieldSQL, m.SQL)
	b = appendBytes(b, fieldHint, m.Hint)
	b = appendBytes(b, fieldDigest, m.Digest)
	for _, t := range m.Tables {
		entry := appendString(nil, 1, t.Schema)
		entry = appendString(entry, 2, t.Name)
		entry = appendVarint(entry, 3, uint64(t.Columns))
		b = protowire.AppendTag(b, fieldTables, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = appendBytes(b, fieldRowValues, m.PackedParams)
	b = appendVarint(b, fieldParamNum, uint64(m.ParamNum))
	b = appendBool(b, fieldIgnoreResult, m.IgnoreResult)
	b = appendBool(b, fieldIsUpdate, m.IsUpdate)
	return b, nil
}

func (m *GalaxyPrepare) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldSQL:
			m.SQL = string(data)
		case fieldHint:
			m.Hint = append([]byte(nil), data...)
		case fieldDigest:
			m.Digest = append([]byte(nil), data...)
		case fieldTables:
			var t GPTable
			err := walkFields(data, func(f protowire.Number, ft protowire.Type, fd []byte, fn uint64) bool {
				switch f {
				case 1:
					t.Schema = string(fd)
				case 2:
					t.Name = string(fd)
				case 3:
					t.Columns = int32(fn)
				}
				return true
			})
			if err != nil {
				return false
			}
			m.Tables = append(m.Tables, t)
		case fieldRowValues:
			m.PackedParams = append([]byte(nil), data...)
		case fieldParamNum:
			m.ParamNum = int32(num)
		case fieldIgnoreResult:
			m.IgnoreResult = num == 1
		case fieldIsUpdate:
			m.IsUpdate = num == 1
		}
		return true
	})
}

// FetchMore grants additional row-chunk tokens to a streamed Result that
// has paused because its local token window was exhausted.
type FetchMore struct {
	SessionID uint32
	Sequence  uint64
	Tokens    uint32
}

func (m *FetchMore) Type() MsgType { return MsgFetchMore }

func (m *FetchMore) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendVarint(b, fieldTokenCount, uint64(m.Tokens))
	return b, nil
}

func (m *FetchMore) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldTokenCount:
			m.Tokens = uint32(num)
		}
		return true
	})
}

// Cancel is the out-of-band cancellation request keyed by session id; it
// does not itself close the session.
type Cancel struct {
	SessionID uint32
}

func (m *Cancel) Type() MsgType { return MsgCancel }

func (m *Cancel) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	return b, nil
}

func (m *Cancel) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		if field == fieldSessionID {
			m.SessionID = uint32(num)
		}
		return true
	})
}
