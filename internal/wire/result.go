// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "google.golang.org/protobuf/encoding/protowire"

// ColumnType mirrors the handful of scalar column types the storage node
// reports in column metadata frames.
type ColumnType byte

const (
	ColumnUnknown ColumnType = iota
	ColumnInt64
	ColumnDouble
	ColumnString
	ColumnBytes
	ColumnBool
	ColumnTimestamp
)

// ColumnMeta describes one result column; a result set's full metadata is
// one ColumnMeta frame per column, terminated implicitly by the first Row
// or terminal frame.
type ColumnMeta struct {
	SessionID uint32
	Sequence  uint64
	Index     int32
	Name      string
	DataType  ColumnType
}

func (m *ColumnMeta) Type() MsgType { return MsgColumnMeta }

func (m *ColumnMeta) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendVarint(b, fieldColumnCount, uint64(m.Index))
	b = appendString(b, fieldColumnName, m.Name)
	b = appendVarint(b, fieldColumnType, uint64(m.DataType))
	return b, nil
}

func (m *ColumnMeta) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldColumnCount:
			m.Index = int32(num)
		case fieldColumnName:
			m.Name = string(data)
		case fieldColumnType:
			m.DataType = ColumnType(num)
		}
		return true
	})
}

// Row carries one result row as a sequence of already-typed Params, in
// column order; a nil-Kind Param represents SQL NULL.
type Row struct {
	SessionID uint32
	Sequence  uint64
	Values    []Param
}

func (m *Row) Type() MsgType { return MsgRow }

func (m *Row) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendParams(b, fieldRowValues, m.Values)
	return b, nil
}

func (m *Row) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldRowValues:
			p, err := unmarshalParam(data)
			if err != nil {
				return false
			}
			m.Values = append(m.Values, p)
		}
		return true
	})
}

// Terminal is the final frame of a request: OK (with affected rows/last
// insert id), EOF (end of a row stream with no error), or Error (SQL-state
// + vendor code + message). Which variant it is is carried by MsgType,
// not a field inside the payload.
type Terminal struct {
	kind         MsgType
	SessionID    uint32
	Sequence     uint64
	AffectedRows uint64
	LastInsertID uint64
	SQLState     string
	ErrorCode    uint32
	ErrorMessage string
}

// NewOK builds an OK terminal frame.
func NewOK(sessionID uint32, seq uint64, affected, lastInsertID uint64) *Terminal {
	return &Terminal{kind: MsgOK, SessionID: sessionID, Sequence: seq, AffectedRows: affected, LastInsertID: lastInsertID}
}

// NewEOF builds an EOF terminal frame (successful end of a row stream).
func NewEOF(sessionID uint32, seq uint64) *Terminal {
	return &Terminal{kind: MsgEOF, SessionID: sessionID, Sequence: seq}
}

// NewError builds an Error terminal frame.
func NewError(sessionID uint32, seq uint64, sqlState string, code uint32, msg string) *Terminal {
	return &Terminal{kind: MsgError, SessionID: sessionID, Sequence: seq, SQLState: sqlState, ErrorCode: code, ErrorMessage: msg}
}

func (m *Terminal) Type() MsgType {
	if m.kind == 0 {
		return MsgOK
	}
	return m.kind
}

// SetKind is used by the codec when decoding, since the kind is carried by
// the frame's type byte rather than the payload.
func (m *Terminal) SetKind(k MsgType) { m.kind = k }

// IsGoodAndDone reports whether this terminal reflects a clean completion
// (OK or EOF) as opposed to a server-signalled error.
func (m *Terminal) IsGoodAndDone() bool { return m.kind == MsgOK || m.kind == MsgEOF }

func (m *Terminal) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	switch m.kind {
	case MsgOK:
		b = appendVarint(b, fieldAffectedRows, m.AffectedRows)
		b = appendVarint(b, fieldLastInsertID, m.LastInsertID)
	case MsgError:
		b = appendString(b, fieldSQLState, m.SQLState)
		b = appendVarint(b, fieldErrorCode, uint64(m.ErrorCode))
		b = appendString(b, fieldErrorMessage, m.ErrorMessage)
	}
	return b, nil
}

func (m *Terminal) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldAffectedRows:
			m.AffectedRows = num
		case fieldLastInsertID:
			m.LastInsertID = num
		case fieldSQLState:
			m.SQLState = string(data)
		case fieldErrorCode:
			m.ErrorCode = uint32(num)
		case fieldErrorMessage:
			m.ErrorMessage = string(data)
		}
		return true
	})
}
