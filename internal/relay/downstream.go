package relay

import (
	"context"
	"io"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/intervox/pkg/protocol"
)

// WSConn adapts an accepted client WebSocket to [Downstream].
type WSConn struct {
	c *websocket.Conn
}

// NewWSConn wraps c. readLimit caps a single inbound frame; zero keeps the
// library default.
func NewWSConn(c *websocket.Conn, readLimit int64) *WSConn {
	if readLimit > 0 {
		c.SetReadLimit(readLimit)
	}
	return &WSConn{c: c}
}

// ReadFrame returns the next client frame. A normal close or going-away
// close is reported as [io.EOF].
func (w *WSConn) ReadFrame(ctx context.Context) (Frame, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	return Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// WriteMessage sends msg as a JSON text frame. It is safe for concurrent use.
func (w *WSConn) WriteMessage(ctx context.Context, msg protocol.ServerMessage) error {
	return wsjson.Write(ctx, w.c, msg)
}

// Close performs a normal close handshake.
func (w *WSConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "session ended")
}
