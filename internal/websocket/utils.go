package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	writeWait = 10 * time.Second
	// readWait is reset by every message, so a client must send at least a
	// ping this often.
	readWait = 5 * time.Minute
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}

// ReadMessage reads one raw frame under the read deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, raw, err := conn.ReadMessage()
	return raw, err
}

// Decode unmarshals raw into dst and runs the binding validator on it.
// It returns a translated field map on failure.
func Decode(raw []byte, dst interface{}) map[string]string {
	if err := json.Unmarshal(raw, dst); err != nil {
		return validator.TranslateErrors(err)
	}
	return validator.Struct(dst)
}
