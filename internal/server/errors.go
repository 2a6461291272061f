package server

import (
	"errors"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
)

var (
	ErrNotConnected     = errors.New("tunnel not connected")
	ErrTimeout          = errors.New("request timed out")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrDuplicateID      = errors.New("duplicate correlation id")
	ErrBusy             = errors.New("requests still pending")
)

// ProtocolError is a handshake or framing problem. It is contained to the
// request or frame that caused it.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AgentError carries the message of an error envelope the agent sent in reply
// to a specific request.
type AgentError struct {
	ID      string
	Message string
}

func (e *AgentError) Error() string { return "agent error: " + e.Message }

// JSON-RPC error codes used in relay error bodies.
const (
	codeServerError   = -32000
	codeInternalError = -32603
	codeInvalidReq    = -32600
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	JSONRPC string   `json:"jsonrpc"`
	Error   rpcError `json:"error"`
	ID      any      `json:"id"`
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	b, _ := json.Marshal(errorBody{JSONRPC: "2.0", Error: rpcError{Code: code, Message: msg}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// writeForwardError maps a Forward failure to the status and body callers see.
func writeForwardError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, codeServerError, "Desktop is not connected")
	case errors.As(err, &mbe):
		writeError(w, http.StatusRequestEntityTooLarge, codeInvalidReq, fmt.Sprintf("request body exceeds %d bytes", mbe.Limit))
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, err.Error())
	}
}
