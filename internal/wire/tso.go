// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "google.golang.org/protobuf/encoding/protowire"

// TSORequest asks for a batch of monotonically increasing timestamps over
// the existing Session transport (the default allocator in internal/tso).
type TSORequest struct {
	SessionID uint32
	Sequence  uint64
	Count     uint32
}

func (m *TSORequest) Type() MsgType { return MsgTSORequest }

func (m *TSORequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendVarint(b, fieldTSOCount, uint64(m.Count))
	return b, nil
}

func (m *TSORequest) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldTSOCount:
			m.Count = uint32(num)
		}
		return true
	})
}

// TSOResponse carries the first value of the allocated batch; the caller
// derives the rest by adding 1..Count-1.
type TSOResponse struct {
	SessionID uint32
	Sequence  uint64
	First     uint64
}

func (m *TSOResponse) Type() MsgType { return MsgTSOResponse }

func (m *TSOResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendVarint(b, fieldTSOValue, m.First)
	return b, nil
}

func (m *TSOResponse) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldSequence:
			m.Sequence = num
		case fieldTSOValue:
			m.First = num
		}
		return true
	})
}
