// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "google.golang.org/protobuf/encoding/protowire"

// NoticeKind distinguishes the connection-scope notices the Transport
// handles inline: a warning attached to the owning request, an
// asynchronous session-variable change, or a session-killed push.
type NoticeKind byte

const (
	NoticeWarning NoticeKind = iota
	NoticeSessionVariableChanged
	NoticeSessionKilled
)

// Notice is a connection-scope, not request-scope, push frame. The
// Transport routes it to the Session named by SessionID without going
// through the packet-owner lookup used for request frames.
type Notice struct {
	SessionID uint32
	Kind      NoticeKind
	Text      string
}

func (m *Notice) Type() MsgType { return MsgNotice }

func (m *Notice) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendVarint(b, fieldNoticeKind, uint64(m.Kind))
	b = appendString(b, fieldNoticeText, m.Text)
	return b, nil
}

func (m *Notice) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldNoticeKind:
			m.Kind = NoticeKind(num)
		case fieldNoticeText:
			m.Text = string(data)
		}
		return true
	})
}
