// Package proto defines the envelopes exchanged over the tunnel. Each WebSocket
// text frame carries exactly one JSON-encoded Envelope.
package proto

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

const (
	TypeConnect   = "connect"
	TypeConnected = "connected"
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeError     = "error"
)

type Envelope struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Endpoint string          `json:"endpoint,omitempty"`
	Message  string          `json:"message,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// RequestPayload is the inbound HTTP request as seen by the relay.
type RequestPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ResponsePayload is the agent's answer to a RequestPayload.
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

var errMissingType = errors.New("missing type")

// DecodeError reports a frame that could not be turned into an Envelope.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func Wrap(t, id string, v any) (*Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, ID: id, Payload: b}, nil
}

func Unwrap[T any](e *Envelope, out *T) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, out)
}

func Connect() *Envelope { return &Envelope{Type: TypeConnect} }

func Connected(endpoint string) *Envelope {
	return &Envelope{Type: TypeConnected, Endpoint: endpoint}
}

func Error(id, msg string) *Envelope {
	return &Envelope{Type: TypeError, ID: id, Message: msg}
}

func Encode(e *Envelope) ([]byte, error) { return json.Marshal(e) }

// Decode parses one frame. Unknown types are not an error here; callers decide
// what to do with them.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &DecodeError{Frame: b, Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Frame: b, Err: errMissingType}
	}
	return &env, nil
}
