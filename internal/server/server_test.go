package server

import (
	"net/http"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func TestInfoDocument(t *testing.T) {
	r := newRelay(t)

	res := await(t, r.do(http.MethodGet, "/", "", nil))
	assert.Equal(t, res.status, http.StatusOK)
	assert.Equal(t, res.header.Get("Content-Type"), "application/json")

	var info struct {
		Name      string            `json:"name"`
		Version   string            `json:"version"`
		Endpoints map[string]string `json:"endpoints"`
		Tunnel    string            `json:"tunnel"`
	}
	assert.NilError(t, json.Unmarshal([]byte(res.body), &info))
	assert.Equal(t, info.Name, "relay")
	assert.Equal(t, info.Version, Version)
	assert.Equal(t, info.Endpoints["forward"], "/mcp")
	assert.Equal(t, info.Endpoints["tunnel"], "/tunnel")
	assert.Equal(t, info.Tunnel, "disconnected")
}

func TestTunnelRequiresUpgrade(t *testing.T) {
	r := newRelay(t)

	res := await(t, r.do(http.MethodGet, "/tunnel", "", nil))
	assert.Equal(t, res.status, http.StatusUpgradeRequired)
	assert.Equal(t, strings.ToLower(res.header.Get("Upgrade")), "websocket")
	e := rpcErrorOf(t, res.body)
	assert.Equal(t, e.Code, -32600)
	assert.Equal(t, e.Message, "Expected WebSocket upgrade")
	assert.Equal(t, r.mgr.hub.Len(), 0)
}

func TestCORSPreflight(t *testing.T) {
	r := newRelay(t)

	res := await(t, r.do(http.MethodOptions, "/mcp", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	}))
	assert.Equal(t, res.status, http.StatusNoContent)
	assert.Equal(t, res.header.Get("Access-Control-Allow-Origin"), "*")
	assert.Assert(t, is.Contains(res.header.Get("Access-Control-Allow-Methods"), "POST"))
	assert.Assert(t, is.Contains(res.header.Get("Access-Control-Allow-Headers"), "Content-Type"))

	// plain responses carry the header too
	res = await(t, r.post(ping))
	assert.Equal(t, res.header.Get("Access-Control-Allow-Origin"), "*")
}

func TestWrongMethodOnForwardEndpoint(t *testing.T) {
	r := newRelay(t)
	res := await(t, r.do(http.MethodGet, "/mcp", "", nil))
	assert.Equal(t, res.status, http.StatusMethodNotAllowed)
}

func TestMetricsExposed(t *testing.T) {
	r := newRelay(t)
	a := r.attach(t)

	ch := r.post(ping)
	id, _ := a.nextRequest()
	a.send(mustResponse(t, id))
	await(t, ch)

	res := await(t, r.do(http.MethodGet, "/metrics", "", nil))
	assert.Equal(t, res.status, http.StatusOK)
	assert.Assert(t, is.Contains(res.body, "relay_tunnel_connected"))
	assert.Assert(t, is.Contains(res.body, `relay_requests_total{outcome="ok"}`))
	assert.Assert(t, is.Contains(res.body, `relay_envelopes_received_total{type="response"}`))
}

func TestRequestURLHonorsForwardedProto(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://relay.example/mcp?x=1", nil)
	assert.NilError(t, err)
	assert.Equal(t, requestURL(req), "http://relay.example/mcp?x=1")

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, requestURL(req), "https://relay.example/mcp?x=1")
}

func TestFilterHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "relay.example")
	h.Set("Connection", "keep-alive, X-Hop")
	h.Set("X-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Add("Accept", "application/json")
	h.Add("Accept", "text/event-stream")
	h.Set("Mcp-Session-Id", "s1")

	got := filterHeaders(h)
	assert.DeepEqual(t, got, map[string]string{
		"accept":         "application/json, text/event-stream",
		"mcp-session-id": "s1",
	})
}

func TestSanitizeRespHeaders(t *testing.T) {
	got := sanitizeRespHeaders(map[string]string{
		"content-type":      "text/plain",
		"Content-Length":    "12",
		"transfer-encoding": "chunked",
		"upgrade":           "h2c",
		"x-keep":            "yes",
	})
	assert.DeepEqual(t, got, map[string]string{"content-type": "text/plain", "x-keep": "yes"})
}
