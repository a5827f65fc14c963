// ABOUTME: Transport abstraction for agent connections.
// ABOUTME: Adapts a coder/websocket conn to the text-frame Socket interface.

package agent

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// ErrBinaryFrame is returned by Socket.Read for a non-text frame. The
// connection stays usable; the frame is reported to the agent as undecodable.
var ErrBinaryFrame = errors.New("binary frames are not supported")

// Socket is a bidirectional stream of text frames.
type Socket interface {
	// Read blocks for the next text frame. Any error other than ErrBinaryFrame
	// ends the stream.
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, frame string) error
	// Close performs a best-effort normal close handshake.
	Close(reason string) error
}

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 1 << 20

// WebSocket adapts a coder/websocket connection.
type WebSocket struct {
	conn *websocket.Conn
}

// NewWebSocket wraps an accepted or dialed websocket connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(maxFrameBytes)
	return &WebSocket{conn: conn}
}

func (w *WebSocket) Read(ctx context.Context) (string, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	if typ != websocket.MessageText {
		return "", ErrBinaryFrame
	}
	return string(data), nil
}

func (w *WebSocket) Write(ctx context.Context, frame string) error {
	return w.conn.Write(ctx, websocket.MessageText, []byte(frame))
}

func (w *WebSocket) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
