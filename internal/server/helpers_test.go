package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"gotest.tools/assert"
	"gotest.tools/poll"

	"github.com/DragonSecurity/relay/pkg/config"
	"github.com/DragonSecurity/relay/pkg/proto"
	"github.com/DragonSecurity/relay/pkg/util"
)

type relay struct {
	mgr *Manager
	srv *httptest.Server
}

func newRelay(t *testing.T, opts ...func(*config.ServerConfig)) *relay {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.RequestTimeout = 5 * time.Second
	for _, o := range opts {
		o(&cfg)
	}
	mgr := NewManager(Options{Tag: cfg.Tag, Endpoint: cfg.Endpoint, RequestTimeout: cfg.RequestTimeout}, util.Nop())
	srv := httptest.NewServer(NewHandler(cfg, mgr, util.Nop()))
	t.Cleanup(func() {
		mgr.Shutdown()
		srv.Close()
	})
	return &relay{mgr: mgr, srv: srv}
}

func withTimeout(d time.Duration) func(*config.ServerConfig) {
	return func(c *config.ServerConfig) { c.RequestTimeout = d }
}

func (r *relay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/tunnel"
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// attach connects a scripted agent and completes the connect/connected exchange.
func (r *relay) attach(t *testing.T) *testAgent {
	t.Helper()
	a := &testAgent{t: t, c: r.dial(t)}
	a.send(proto.Connect())
	env := a.read()
	assert.Equal(t, env.Type, proto.TypeConnected)
	assert.Equal(t, env.Endpoint, "/mcp")
	return a
}

type result struct {
	status int
	header http.Header
	body   string
	err    error
}

func (r *relay) post(body string) <-chan result {
	return r.do(http.MethodPost, "/mcp", body, nil)
}

func (r *relay) do(method, path, body string, header map[string]string) <-chan result {
	out := make(chan result, 1)
	go func() {
		req, err := http.NewRequest(method, r.srv.URL+path, strings.NewReader(body))
		if err != nil {
			out <- result{err: err}
			return
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		out <- result{status: resp.StatusCode, header: resp.Header, body: string(b), err: err}
	}()
	return out
}

func (r *relay) health(t *testing.T) map[string]string {
	t.Helper()
	res := await(t, r.do(http.MethodGet, "/health", "", nil))
	assert.Equal(t, res.status, http.StatusOK)
	var h map[string]string
	assert.NilError(t, json.Unmarshal([]byte(res.body), &h))
	return h
}

func (r *relay) waitTunnel(t *testing.T, want string) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := r.health(t)["tunnel"]; got != want {
			return poll.Continue("tunnel is %s", got)
		}
		return poll.Success()
	}, poll.WithTimeout(3*time.Second), poll.WithDelay(10*time.Millisecond))
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		assert.NilError(t, r.err)
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("request did not complete")
		return result{}
	}
}

func rpcErrorOf(t *testing.T, body string) rpcError {
	t.Helper()
	var b errorBody
	assert.NilError(t, json.Unmarshal([]byte(body), &b))
	assert.Equal(t, b.JSONRPC, "2.0")
	return b.Error
}

type testAgent struct {
	t *testing.T
	c *websocket.Conn
}

func (a *testAgent) send(env *proto.Envelope) {
	a.t.Helper()
	b, err := proto.Encode(env)
	assert.NilError(a.t, err)
	a.sendRaw(string(b))
}

func (a *testAgent) sendRaw(frame string) {
	a.t.Helper()
	assert.NilError(a.t, a.c.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (a *testAgent) read() *proto.Envelope {
	a.t.Helper()
	_ = a.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := a.c.ReadMessage()
	assert.NilError(a.t, err)
	env, err := proto.Decode(data)
	assert.NilError(a.t, err)
	return env
}

func (a *testAgent) nextRequest() (string, proto.RequestPayload) {
	a.t.Helper()
	env := a.read()
	assert.Equal(a.t, env.Type, proto.TypeRequest)
	var req proto.RequestPayload
	assert.NilError(a.t, proto.Unwrap(env, &req))
	return env.ID, req
}

func (a *testAgent) reply(id string, resp *proto.ResponsePayload) {
	a.t.Helper()
	env, err := proto.Wrap(proto.TypeResponse, id, resp)
	assert.NilError(a.t, err)
	a.send(env)
}

func mustResponse(t *testing.T, id string) *proto.Envelope {
	t.Helper()
	env, err := proto.Wrap(proto.TypeResponse, id, &proto.ResponsePayload{Status: http.StatusOK})
	assert.NilError(t, err)
	return env
}

// readClose reads until the relay closes the connection and returns the close frame.
func (a *testAgent) readClose() *websocket.CloseError {
	a.t.Helper()
	_ = a.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := a.c.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		assert.Assert(a.t, ok, "expected close frame, got %v", err)
		return ce
	}
}
