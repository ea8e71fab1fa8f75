// Package server defines the transport abstraction and error types shared by
// the hub and connection logic.
package server

import (
	"errors"
	"strings"
	"time"
)

// Transport is the part of *websocket.Conn a Connection uses. Close and
// WriteControl may be called concurrently with the other methods.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ErrHandshakeFailed reports a transport that closed or errored before it sent
// a handshake frame.
var ErrHandshakeFailed = errors.New("handshake failed")

// RejectError is returned by Hub.Join when the handshake is refused. Reason is
// the text sent to the client in the connection_reject frame.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err == nil {
		return "handshake rejected: " + e.Reason
	}
	return "handshake rejected: " + e.Reason + ": " + e.Err.Error()
}

func (e *RejectError) Unwrap() error { return e.Err }

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
