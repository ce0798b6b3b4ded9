// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import "fmt"

// New allocates the zero-value Message for a wire type, for the codec to
// Unmarshal into.
func New(t MsgType) (Message, error) {
	switch t {
	case MsgSessionNew:
		return &SessionNew{}, nil
	case MsgSessionClose:
		return &SessionClose{}, nil
	case MsgSessionReset:
		return &SessionReset{}, nil
	case MsgExecPlan:
		return &ExecPlan{}, nil
	case MsgExecSQL:
		return &ExecSQL{}, nil
	case MsgGalaxyPrepare:
		return &GalaxyPrepare{}, nil
	case MsgFetchMore:
		return &FetchMore{}, nil
	case MsgCancel:
		return &Cancel{}, nil
	case MsgNotice:
		return &Notice{}, nil
	case MsgColumnMeta:
		return &ColumnMeta{}, nil
	case MsgRow:
		return &Row{}, nil
	case MsgOK:
		t := &Terminal{}
		t.SetKind(MsgOK)
		return t, nil
	case MsgEOF:
		t := &Terminal{}
		t.SetKind(MsgEOF)
		return t, nil
	case MsgError:
		t := &Terminal{}
		t.SetKind(MsgError)
		return t, nil
	case MsgPing:
		return &Ping{}, nil
	case MsgPong:
		return &Pong{}, nil
	case MsgTSORequest:
		return &TSORequest{}, nil
	case MsgTSOResponse:
		return &TSOResponse{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", t)
	}
}

// Decode allocates and unmarshals a Message from a frame's type byte and
// payload in one step.
func Decode(t MsgType, payload []byte) (Message, error) {
	msg, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := msg.Unmarshal(payload); err != nil {
		return nil, err
	}
	return msg, nil
}
