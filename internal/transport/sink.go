// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package transport

import "github.com/xiaoma20082008/polardbx-glue/internal/wire"

// Sink is implemented by internal/session.Session. A Transport never
// imports internal/session (Session is the higher layer); instead a
// Session registers itself against the session id it proposed in its
// session-open request (the id is chosen on the client side, not
// assigned by the storage node), and the Transport delivers frames, notices, kill pushes
// and fatal errors back through this narrow interface.
type Sink interface {
	// Deliver hands a request-scope frame (ColumnMeta, Row, Terminal) to
	// the Session that is the current packet owner for its session id.
	Deliver(msg wire.Message)
	// Notify hands a connection-scope warning or session-variable-change
	// notice to the Session it names.
	Notify(n *wire.Notice)
	// Killed marks the Session dead because a session-killed notice
	// arrived for it, and wakes anything waiting on it.
	Killed()
	// Fail marks the Session dead because its Transport died.
	Fail(err error)
}
