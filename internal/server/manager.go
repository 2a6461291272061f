package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/relay/pkg/proto"
	"github.com/DragonSecurity/relay/pkg/util"
)

type Options struct {
	// Tag identifies this tunnel's connections in the hub.
	Tag string
	// Endpoint is advertised to the agent in the connected envelope.
	Endpoint       string
	RequestTimeout time.Duration
}

// Manager is the relay's single tunnel. It accepts the agent connection,
// forwards inbound requests over it and matches replies by correlation id.
type Manager struct {
	opts    Options
	log     *util.Logger
	hub     *Hub
	pending *PendingTable
	holder  *Holder
	newID   func() string

	mu        sync.Mutex
	suspended bool
}

func NewManager(opts Options, log *util.Logger) *Manager {
	if opts.Tag == "" {
		opts.Tag = "default"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	m := &Manager{
		opts:    opts,
		log:     log,
		hub:     NewHub(),
		pending: NewPendingTable(),
		newID:   uuid.NewString,
	}
	m.holder = NewHolder(opts.Tag, m.hub, m.pending, log)
	m.pending.onExpire = func(id string) {
		m.log.Warnf("request %s timed out after %s", id, opts.RequestTimeout)
	}
	return m
}

// HandleAgentUpgrade serves the agent's WebSocket handshake.
func (m *Manager) HandleAgentUpgrade(w http.ResponseWriter, r *http.Request) {
	m.wake()
	c, err := m.holder.Accept(w, r)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			w.Header().Set("Upgrade", "websocket")
			writeError(w, http.StatusUpgradeRequired, codeInvalidReq, "Expected WebSocket upgrade")
			return
		}
		m.log.Errorf("agent upgrade: %v", err)
		return
	}
	m.log.Infof("agent connected from %s", r.RemoteAddr)
	go m.serve(c)
}

// Forward sends r to the agent and waits for the matching response. It fails
// with ErrNotConnected when there is no agent, and otherwise returns once the
// agent answers, the request times out or the connection is lost.
func (m *Manager) Forward(r *http.Request) (*proto.ResponsePayload, error) {
	m.wake()
	start := time.Now()
	resp, err := m.forward(r)
	outcome := outcomeOf(err)
	metricRequestsTotal.WithLabelValues(outcome).Inc()
	metricRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return resp, err
}

func (m *Manager) forward(r *http.Request) (*proto.ResponsePayload, error) {
	if !m.holder.IsConnected() {
		return nil, ErrNotConnected
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	id := m.newID()
	env, err := proto.Wrap(proto.TypeRequest, id, &proto.RequestPayload{
		Method:  r.Method,
		URL:     requestURL(r),
		Headers: filterHeaders(r.Header),
		Body:    string(body),
	})
	if err != nil {
		return nil, err
	}

	ch, err := m.pending.Register(id, m.opts.RequestTimeout)
	if err != nil {
		m.log.Errorf("correlation invariant violated: %v", err)
		return nil, err
	}
	if err := m.holder.Send(env); err != nil {
		m.pending.Reject(id, fmt.Errorf("send request: %w", err))
	}
	res := <-ch
	return res.Response, res.Err
}

func outcomeOf(err error) string {
	var ae *AgentError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerDisconnected):
		return "disconnected"
	case errors.As(err, &ae):
		return "agent_error"
	}
	return "error"
}

// serve reads c until it fails. Unreadable frames are dropped.
func (m *Manager) serve(c Conn) {
	for {
		env, err := c.ReadEnvelope()
		if err != nil {
			var de *proto.DecodeError
			if errors.As(err, &de) {
				metricEnvelopes.WithLabelValues("malformed").Inc()
				m.log.Warnf("dropping frame: %v", &ProtocolError{Reason: "malformed envelope", Err: err})
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.holder.HandleClosed(c)
			} else {
				m.holder.HandleTransportError(c, err)
			}
			return
		}
		m.wake()
		m.dispatch(c, env)
	}
}

func (m *Manager) dispatch(c Conn, env *proto.Envelope) {
	metricEnvelopes.WithLabelValues(envelopeLabel(env.Type)).Inc()
	switch env.Type {
	case proto.TypeConnect:
		if err := c.WriteEnvelope(proto.Connected(m.opts.Endpoint)); err != nil {
			m.log.Errorf("send connected: %v", err)
		}
	case proto.TypeResponse:
		var resp proto.ResponsePayload
		if err := proto.Unwrap(env, &resp); err != nil {
			perr := &ProtocolError{Reason: "malformed response payload", Err: err}
			m.log.Warnf("request %s: %v", env.ID, perr)
			m.pending.Reject(env.ID, perr)
			return
		}
		if !m.pending.Resolve(env.ID, &resp) {
			m.log.Debugf("response for unknown request %q ignored", env.ID)
		}
	case proto.TypeError:
		if env.ID == "" {
			m.log.Warnf("agent reported: %s", env.Message)
			return
		}
		if !m.pending.Reject(env.ID, &AgentError{ID: env.ID, Message: env.Message}) {
			m.log.Debugf("error for unknown request %q ignored: %s", env.ID, env.Message)
		}
	default:
		m.log.Warnf("ignoring %q envelope", env.Type)
	}
}

// Connected reports whether an agent connection is active.
func (m *Manager) Connected() bool {
	m.wake()
	return m.holder.IsConnected()
}

// Suspend drops the in-memory view of the connection while leaving the socket
// open. The next request, health check or inbound frame re-adopts it.
func (m *Manager) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.pending.Len(); n > 0 {
		return fmt.Errorf("%w: %d", ErrBusy, n)
	}
	m.holder.Detach()
	m.suspended = true
	return nil
}

func (m *Manager) wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.suspended {
		return
	}
	m.suspended = false
	if m.holder.Reattach() {
		m.log.Infof("reattached to open agent connection")
	}
}

// Shutdown closes the agent connection and fails pending requests.
func (m *Manager) Shutdown() {
	m.holder.Close("relay shutting down")
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// filterHeaders flattens h for the wire, dropping host and hop-by-hop headers.
func filterHeaders(h http.Header) map[string]string {
	drop := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			drop[strings.ToLower(strings.TrimSpace(f))] = true
		}
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		if hopByHop[lk] || drop[lk] || lk == "host" {
			continue
		}
		out[lk] = strings.Join(v, ", ")
	}
	return out
}

func sanitizeRespHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		if hopByHop[lk] || lk == "content-length" {
			continue
		}
		out[k] = v
	}
	return out
}

var hopByHop = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"te":                true,
	"trailer":           true,
	"upgrade":           true,
}
