// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package wire defines the X-protocol message set exchanged with a storage
// node and encodes/decodes each message's payload with the same
// tag/varint/length-delimited shape as protoc-generated protobuf, using
// protowire directly instead of generated bindings.
package wire

import "google.golang.org/protobuf/encoding/protowire"

// MsgType is the single-byte message-type tag carried after the frame
// length by internal/codec.
type MsgType byte

const (
	MsgSessionNew MsgType = iota + 1
	MsgSessionClose
	MsgSessionReset
	MsgExecPlan
	MsgExecSQL
	MsgGalaxyPrepare
	MsgFetchMore
	MsgCancel
	MsgNotice
	MsgColumnMeta
	MsgRow
	MsgOK
	MsgEOF
	MsgError
	MsgPing
	MsgPong
	MsgTSORequest
	MsgTSOResponse
)

// Message is implemented by every wire message. Marshal/Unmarshal operate
// on the payload only; framing (length + type byte) is internal/codec's job.
type Message interface {
	Type() MsgType
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Field numbers shared across messages. Each message type documents which
// of these it actually uses.
const (
	fieldSessionID     = 1
	fieldConnectionID  = 2
	fieldSchema        = 3
	fieldSQL           = 4
	fieldHint          = 5
	fieldParams        = 6
	fieldDigest        = 7
	fieldIgnoreResult  = 8
	fieldReturning     = 9
	fieldTokenCount    = 10
	fieldSequence      = 11
	fieldTables        = 12
	fieldParamNum      = 13
	fieldIsUpdate      = 14
	fieldAffectedRows  = 15
	fieldLastInsertID  = 16
	fieldSQLState      = 17
	fieldErrorCode     = 18
	fieldErrorMessage  = 19
	fieldColumnName    = 20
	fieldColumnType    = 21
	fieldColumnCount   = 22
	fieldRowValues     = 23
	fieldNoticeKind    = 24
	fieldNoticeText    = 25
	fieldLazySnapshot  = 26
	fieldLazyCommitSeq = 27
	fieldLazyCTS       = 28
	fieldTSOCount      = 29
	fieldTSOValue      = 30
	fieldUser          = 31
	fieldPassword      = 32
)

func appendString(b []byte, field int32, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(field), protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

func appendBytes(b []byte, field int32, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(field), protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, field int32, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(field), protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, field int32, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, field, 1)
}

// walkFields decodes each (field, wireType, value) triple in a message
// payload and invokes fn with the raw bytes for bytes-typed fields or the
// raw value in num for varint- and fixed64-typed fields. fn returns false
// to signal an unsupported/malformed field, which makes walkFields fail
// with errMalformed.
func walkFields(b []byte, fn func(field protowire.Number, typ protowire.Type, raw []byte, num uint64) bool) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if !fn(num, typ, nil, v) {
				return errMalformed
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if !fn(num, typ, v, 0) {
				return errMalformed
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if !fn(num, typ, nil, v) {
				return errMalformed
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
