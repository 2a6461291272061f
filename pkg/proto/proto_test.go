package proto

import (
	"errors"
	"testing"

	"gotest.tools/assert"
)

func TestDecodeRequestEnvelope(t *testing.T) {
	env, err := Wrap(TypeRequest, "abc", &RequestPayload{
		Method:  "POST",
		URL:     "https://relay.example/mcp",
		Headers: map[string]string{"content-type": "application/json"},
		Body:    `{"jsonrpc":"2.0","method":"ping"}`,
	})
	assert.NilError(t, err)

	b, err := Encode(env)
	assert.NilError(t, err)

	got, err := Decode(b)
	assert.NilError(t, err)
	assert.Equal(t, got.Type, TypeRequest)
	assert.Equal(t, got.ID, "abc")

	var req RequestPayload
	assert.NilError(t, Unwrap(got, &req))
	assert.Equal(t, req.Method, "POST")
	assert.Equal(t, req.Headers["content-type"], "application/json")
	assert.Equal(t, req.Body, `{"jsonrpc":"2.0","method":"ping"}`)
}

func TestDecodeAgentFrames(t *testing.T) {
	env, err := Decode([]byte(`{"type":"response","id":"x1","payload":{"status":200,"body":"{\"ok\":true}"}}`))
	assert.NilError(t, err)
	var resp ResponsePayload
	assert.NilError(t, Unwrap(env, &resp))
	assert.Equal(t, resp.Status, 200)
	assert.Equal(t, resp.Body, `{"ok":true}`)
	assert.Assert(t, resp.Headers == nil)

	env, err = Decode([]byte(`{"type":"error","message":"boom"}`))
	assert.NilError(t, err)
	assert.Equal(t, env.ID, "")
	assert.Equal(t, env.Message, "boom")
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	env, err := Decode([]byte(`{"type":"telemetry","payload":{"x":1}}`))
	assert.NilError(t, err)
	assert.Equal(t, env.Type, "telemetry")
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{`not json`, `{"id":"x"}`, `{"type":`} {
		_, err := Decode([]byte(frame))
		var de *DecodeError
		assert.Assert(t, errors.As(err, &de), "frame %q", frame)
		assert.Equal(t, string(de.Frame), frame)
	}
}

func TestUnwrapWithoutPayload(t *testing.T) {
	var resp ResponsePayload
	err := Unwrap(&Envelope{Type: TypeResponse, ID: "x"}, &resp)
	assert.ErrorContains(t, err, "no payload")
}

func TestConnectedOmitsEmptyEndpoint(t *testing.T) {
	b, err := Encode(Connected(""))
	assert.NilError(t, err)
	assert.Equal(t, string(b), `{"type":"connected"}`)

	b, err = Encode(Connected("/mcp"))
	assert.NilError(t, err)
	assert.Equal(t, string(b), `{"type":"connected","endpoint":"/mcp"}`)
}
