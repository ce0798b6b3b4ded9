// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

// Ping is the zero-payload liveness probe the Transport sends when no
// frame has crossed the wire for the configured idle interval.
type Ping struct{}

func (m *Ping) Type() MsgType                { return MsgPing }
func (m *Ping) Marshal() ([]byte, error)     { return nil, nil }
func (m *Ping) Unmarshal(raw []byte) error   { return nil }

// Pong answers a Ping; the storage node auto-answers pings, and the
// Transport auto-answers any Ping it happens to receive from the peer.
type Pong struct{}

func (m *Pong) Type() MsgType              { return MsgPong }
func (m *Pong) Marshal() ([]byte, error)   { return nil, nil }
func (m *Pong) Unmarshal(raw []byte) error { return nil }
