// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package codec frames wire messages as <length:4><type:1><payload> over
// an io.Reader/io.Writer, exactly as described for the storage-node wire
// protocol. It is unaware of message semantics; it only fails with
// xerrors.FrameError when the length is out of bounds or the stream
// half-closes mid-frame.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// MaxFrameSize bounds L so a corrupt or hostile length prefix cannot make
// the reader allocate an unbounded buffer.
const MaxFrameSize = 64 << 20

// Frame is one decoded wire frame: a message type tag and its raw payload.
// internal/transport decodes the payload into a wire.Message lazily, once
// it has found the frame's packet owner.
type Frame struct {
	Type    wire.MsgType
	Payload []byte
}

// ReadFrame reads one <length:4><type:1><payload> frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, err
		}
		return Frame{}, xerrors.Wrap(xerrors.FrameError, "read frame length", err)
	}
	l := binary.BigEndian.Uint32(lenBuf[:])
	if l < 1 || l > MaxFrameSize {
		return Frame{}, xerrors.New(xerrors.FrameError, fmt.Sprintf("frame length %d out of bounds", l))
	}
	body := make([]byte, l)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, xerrors.Wrap(xerrors.FrameError, "read frame body", err)
	}
	return Frame{Type: wire.MsgType(body[0]), Payload: body[1:]}, nil
}

// WriteFrame writes msg as one length-prefixed frame to w. Encoding the
// message to bytes happens before the length is known, matching the
// Codec's "pure byte-in/message-out" framing, semantics-agnostic role.
func WriteFrame(w io.Writer, msg wire.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return xerrors.Wrap(xerrors.FrameError, "marshal payload", err)
	}
	l := uint32(len(payload) + 1)
	if l > MaxFrameSize {
		return xerrors.New(xerrors.FrameError, fmt.Sprintf("outbound frame length %d exceeds max", l))
	}
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], l)
	buf[4] = byte(msg.Type())
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return xerrors.Wrap(xerrors.TransportError, "write frame", err)
	}
	return nil
}

// Decode unmarshals a previously read Frame into its concrete wire.Message.
func Decode(f Frame) (wire.Message, error) {
	msg, err := wire.Decode(f.Type, f.Payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.FrameError, "decode payload", err)
	}
	return msg, nil
}
