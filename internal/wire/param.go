// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ParamKind tags the scalar kind carried by a Param, mirroring the
// PolarxDatatypes.Any variant the original exec-message parameters use.
type ParamKind byte

const (
	ParamNull ParamKind = iota
	ParamInt64
	ParamDouble
	ParamString
	ParamBytes
	ParamBool
)

// Param is one bound parameter of an exec-SQL/exec-plan/galaxy-prepare
// request. Exactly one of the value fields is meaningful, selected by Kind.
type Param struct {
	Kind ParamKind
	I64  int64
	F64  float64
	Str  string
	Buf  []byte
	Bool bool
}

func marshalParam(p Param) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(p.Kind))
	switch p.Kind {
	case ParamInt64:
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.I64))
	case ParamDouble:
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.F64))
	case ParamString:
		b = appendString(b, 4, p.Str)
	case ParamBytes:
		b = appendBytes(b, 5, p.Buf)
	case ParamBool:
		b = appendVarint(b, 6, boolToUint(p.Bool))
	}
	return b
}

func unmarshalParam(raw []byte) (Param, error) {
	var p Param
	err := walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case 1:
			p.Kind = ParamKind(num)
		case 2:
			p.I64 = int64(num)
		case 3:
			p.F64 = math.Float64frombits(num)
		case 4:
			p.Str = string(data)
		case 5:
			p.Buf = append([]byte(nil), data...)
		case 6:
			p.Bool = num == 1
		}
		return true
	})
	return p, err
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// appendParams encodes a repeated Param field, one length-delimited entry
// per parameter, each holding a nested marshalParam payload.
func appendParams(b []byte, field int32, params []Param) []byte {
	for _, p := range params {
		b = protowire.AppendTag(b, protowire.Number(field), protowire.BytesType)
		b = protowire.AppendBytes(b, marshalParam(p))
	}
	return b
}

