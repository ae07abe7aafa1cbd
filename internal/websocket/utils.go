package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stemsi/exstem-assessment/internal/response"
)

const (
	writeWait = 10 * time.Second
	// ReadWait bounds client silence. Clients ping well within it.
	ReadWait = 5 * time.Minute
	// MaxMessageBytes bounds one client frame; the largest is an essay autosave.
	MaxMessageBytes = 64 << 10
)

// Conn serializes writes from the read loop and the status pusher. Gorilla
// connections allow one concurrent writer only.
type Conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// Wrap prepares conn for use by the stream handler.
func Wrap(conn *websocket.Conn) *Conn {
	conn.SetReadLimit(MaxMessageBytes)
	return &Conn{Conn: conn}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse for code.
func (c *Conn) WriteError(requestID string, code response.ErrCode, fields map[string]string) error {
	return c.WriteTyped(ErrorResponse{
		Event:     EventError,
		RequestID: requestID,
		Code:      code,
		Error:     response.GetMessage(code),
		Fields:    fields,
	})
}

// ReadMessage reads one raw frame. It sets a read deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.SetReadDeadline(time.Now().Add(ReadWait))
	_, data, err := c.Conn.ReadMessage()
	return data, err
}

// CloseNormal sends a close frame and closes the connection.
func (c *Conn) CloseNormal(reason string) {
	c.mu.Lock()
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
	c.mu.Unlock()
	c.Close()
}
