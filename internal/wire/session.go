// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "google.golang.org/protobuf/encoding/protowire"

// SessionNew asks the storage node to open a new logical session and
// authenticate it against a schema. SessionID is the client-proposed id
// from Transport.AllocateSessionID; the storage node echoes it back on
// every frame belonging to this session, including the handshake's own OK
// terminal, so the Transport can route the reply before the Session has
// seen any other traffic.
type SessionNew struct {
	SessionID uint32
	User      string
	Password  string
	Schema    string
}

func (m *SessionNew) Type() MsgType { return MsgSessionNew }

func (m *SessionNew) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	b = appendString(b, fieldUser, m.User)
	b = appendString(b, fieldPassword, m.Password)
	b = appendString(b, fieldSchema, m.Schema)
	return b, nil
}

func (m *SessionNew) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		switch field {
		case fieldSessionID:
			m.SessionID = uint32(num)
		case fieldUser:
			m.User = string(data)
		case fieldPassword:
			m.Password = string(data)
		case fieldSchema:
			m.Schema = string(data)
		}
		return true
	})
}

// SessionClose asks the storage node to tear down a session cleanly.
type SessionClose struct {
	SessionID uint32
}

func (m *SessionClose) Type() MsgType { return MsgSessionClose }

func (m *SessionClose) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	return b, nil
}

func (m *SessionClose) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		if field == fieldSessionID {
			m.SessionID = uint32(num)
		}
		return true
	})
}

// SessionReset resets session-scoped state (schema, variables, autocommit)
// back to the storage node's defaults without opening a new session.
type SessionReset struct {
	SessionID uint32
}

func (m *SessionReset) Type() MsgType { return MsgSessionReset }

func (m *SessionReset) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSessionID, uint64(m.SessionID))
	return b, nil
}

func (m *SessionReset) Unmarshal(raw []byte) error {
	return walkFields(raw, func(field protowire.Number, typ protowire.Type, data []byte, num uint64) bool {
		if field == fieldSessionID {
			m.SessionID = uint32(num)
		}
		return true
	})
}
