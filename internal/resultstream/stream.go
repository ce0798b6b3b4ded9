// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package resultstream consumes the frames belonging to one request and
// exposes row iteration, column metadata, warnings, affected-row counts
// and a terminal-status predicate, with token-based flow control for
// streamed results.
package resultstream

import (
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// state is the Stream's terminal-status lifecycle.
type state int32

const (
	stateOpen state = iota
	stateGood       // OK or EOF: clean completion
	stateError      // server-signalled error frame
)

// FetchMoreFunc requests tokens worth of additional row chunks from the
// server for a streamed result; it is a thin wrapper around the owning
// Session's Transport.Send of a wire.FetchMore message.
type FetchMoreFunc func(tokens uint32) error

// Stream is bound to one Request and closed when its terminal frame
// arrives or the caller abandons it. In streaming mode, Next blocks for
// rows as they arrive and transparently asks for more tokens as the
// local buffer runs low; in buffered mode the caller's Session drains the
// whole Stream eagerly before handing it back.
type Stream struct {
	streamMode      bool
	defaultTokens   uint32
	tokenThreshold  uint32
	fetchMore       FetchMoreFunc
	returningSelect string

	mu      sync.Mutex
	columns []*wire.ColumnMeta

	rowsCh chan *wire.Row
	rows   []*wire.Row // buffered-mode materialization

	tokenBalance atomic.Int64

	st           atomic.Int32
	affectedRows uint64
	lastInsertID uint64
	sqlState     string
	errCode      uint32
	errMessage   string

	warnings []string
	noticesM sync.Mutex

	cur    *wire.Row
	curIdx int

	done chan struct{}
}

// New creates a Stream for a single request. defaultTokens is the
// request's initial token window (zero is treated as 1); it also sizes
// the internal row channel, in buffered mode as well.
func New(streamMode bool, defaultTokens uint32, fetchMore FetchMoreFunc) *Stream {
	if defaultTokens == 0 {
		defaultTokens = 1
	}
	s := &Stream{
		streamMode:     streamMode,
		defaultTokens:  defaultTokens,
		tokenThreshold: defaultTokens / 2,
		fetchMore:      fetchMore,
		rowsCh:         make(chan *wire.Row, defaultTokens),
		done:           make(chan struct{}),
	}
	s.tokenBalance.Store(int64(defaultTokens))
	return s
}

// WithReturning tags the Stream as the `returning` selector variant of an
// UPDATE ... RETURNING, which is transported as an ordinary query.
func (s *Stream) WithReturning(selector string) *Stream {
	s.returningSelect = selector
	return s
}

// PushColumn records one column-metadata frame. Called by internal/session
// as frames arrive for this Stream's request.
func (s *Stream) PushColumn(m *wire.ColumnMeta) {
	s.mu.Lock()
	s.columns = append(s.columns, m)
	s.mu.Unlock()
}

// PushRow delivers one row frame, blocking the Transport's reader if the
// channel buffer (the token window) is full — back-pressure the server
// already respects via tokenOffer.
func (s *Stream) PushRow(r *wire.Row) {
	s.rowsCh <- r
}

// PushNotice attaches a warning to this request.
func (s *Stream) PushNotice(n *wire.Notice) {
	s.noticesM.Lock()
	s.warnings = append(s.warnings, n.Text)
	s.noticesM.Unlock()
}

// PushTerminal finalizes the Stream: OK/EOF mark it good-and-done; Error
// moves it to the error-terminal state, surfaced on the next pull and via
// Err.
func (s *Stream) PushTerminal(t *wire.Terminal) {
	if t.IsGoodAndDone() {
		s.st.Store(int32(stateGood))
	} else {
		s.st.Store(int32(stateError))
		s.sqlState = t.SQLState
		s.errCode = t.ErrorCode
		s.errMessage = t.ErrorMessage
	}
	s.affectedRows = t.AffectedRows
	s.lastInsertID = t.LastInsertID
	close(s.rowsCh)
	close(s.done)
}

// Columns returns the column metadata collected so far (stable once the
// first row or the terminal frame has arrived).
func (s *Stream) Columns() []*wire.ColumnMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.ColumnMeta, len(s.columns))
	copy(out, s.columns)
	return out
}

// Next advances to the next row, requesting more tokens transparently
// when the local buffer runs low in streaming mode. It returns false at
// end of stream (EOF) or on error; callers distinguish the two with Err.
func (s *Stream) Next() bool {
	r, ok := <-s.rowsCh
	if !ok {
		return false
	}
	s.cur = r
	s.curIdx++
	if s.streamMode && s.fetchMore != nil {
		remaining := s.tokenBalance.Add(-1)
		if remaining <= int64(s.tokenThreshold) {
			if err := s.fetchMore(s.defaultTokens); err == nil {
				s.tokenBalance.Add(int64(s.defaultTokens))
			}
		}
	}
	return true
}

// Row returns the current row's values, valid after Next returns true.
func (s *Stream) Row() []wire.Param {
	if s.cur == nil {
		return nil
	}
	return s.cur.Values
}

// TokenOffer grants count additional row-chunk tokens to the server,
// letting a caller manually widen the flow-control window instead of
// waiting for Next's automatic low-water-mark replenishment.
func (s *Stream) TokenOffer(count uint32) error {
	if s.fetchMore == nil {
		return nil
	}
	if err := s.fetchMore(count); err != nil {
		return err
	}
	s.tokenBalance.Add(int64(count))
	return nil
}

// Drain pulls every remaining row and discards it, used to abandon a
// stream on Handle.close() without leaving the Transport mid-frame.
func (s *Stream) Drain() {
	for s.Next() {
	}
}

// IsGoodAndDone reports whether the request completed cleanly (OK/EOF).
func (s *Stream) IsGoodAndDone() bool { return state(s.st.Load()) == stateGood }

// Done reports whether the terminal frame has arrived.
func (s *Stream) Done() <-chan struct{} { return s.done }

// AffectedRows is the server-reported affected-row count from an OK
// terminal (0 for a row-producing query).
func (s *Stream) AffectedRows() uint64 { return s.affectedRows }

// LastInsertID is the server-reported generated id from an OK terminal.
func (s *Stream) LastInsertID() uint64 { return s.lastInsertID }

// Warnings returns the warnings attached to this request so far.
func (s *Stream) Warnings() []string {
	s.noticesM.Lock()
	defer s.noticesM.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// Err returns the server-signalled error once the Stream has reached the
// error-terminal state, nil otherwise.
func (s *Stream) Err() error {
	if state(s.st.Load()) != stateError {
		return nil
	}
	return xerrors.New(xerrors.SessionError, s.sqlState+": ["+itoa(s.errCode)+"] "+s.errMessage)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// DecodeInt64 decodes a column value known to be an integer using pgtype,
// accepting either an int64 param or a decimal string; Session.ConnectionID
// uses it to read the CONNECTION_ID() result.
func DecodeInt64(p wire.Param) (int64, error) {
	switch p.Kind {
	case wire.ParamInt64:
		return p.I64, nil
	case wire.ParamString:
		var n pgtype.Int8
		if err := n.Scan(p.Str); err != nil {
			return 0, err
		}
		return n.Int64, nil
	default:
		return 0, xerrors.New(xerrors.IllegalArgument, "value is not integer-coercible")
	}
}
