package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/relay/pkg/proto"
	"github.com/DragonSecurity/relay/pkg/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 14,
	WriteBufferSize: 1 << 14,
	// Agents are not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Holder owns the single active agent connection. Accepting a new connection
// always supersedes the previous one.
type Holder struct {
	tag     string
	hub     *Hub
	pending *PendingTable
	log     *util.Logger

	acceptMu sync.Mutex // serializes Accept and Close

	mu     sync.Mutex
	active Conn
}

func NewHolder(tag string, hub *Hub, pending *PendingTable, log *util.Logger) *Holder {
	return &Holder{tag: tag, hub: hub, pending: pending, log: log}
}

// Accept upgrades r and makes the result the active connection. A request that
// is not a WebSocket upgrade yields a *ProtocolError and nothing is written to
// w. Other upgrade failures have already been answered by the upgrader.
func (h *Holder) Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	if !websocket.IsWebSocketUpgrade(r) {
		return nil, &ProtocolError{Reason: "expected websocket upgrade"}
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws upgrade: %w", err)
	}
	conn := newWSConn(c)
	h.adopt(conn)
	return conn, nil
}

func (h *Holder) adopt(c Conn) {
	h.acceptMu.Lock()
	defer h.acceptMu.Unlock()

	h.mu.Lock()
	prev := h.active
	h.active = nil
	h.mu.Unlock()

	// Besides the active one, a detached connection may still be in the hub.
	stale := h.hub.Tagged(h.tag)
	if prev != nil {
		stale = append(stale, prev)
	}
	replaced := false
	for _, old := range stale {
		if !old.Open() {
			continue
		}
		replaced = true
		_ = old.CloseWith(websocket.CloseNormalClosure, "replaced")
		h.hub.Remove(old)
	}
	if replaced {
		if n := h.pending.RejectAll(ErrPeerDisconnected); n > 0 {
			h.log.Warnf("agent connection replaced; rejected %d pending requests", n)
		} else {
			h.log.Infof("agent connection replaced")
		}
	}

	h.hub.Add(c, h.tag)
	h.mu.Lock()
	h.active = c
	h.mu.Unlock()
	metricTunnelConnected.Set(1)
	metricTunnelAccepts.WithLabelValues(fmt.Sprint(replaced)).Inc()
}

func (h *Holder) current() Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Holder) IsConnected() bool {
	c := h.current()
	return c != nil && c.Open()
}

func (h *Holder) Send(env *proto.Envelope) error {
	c := h.current()
	if c == nil || !c.Open() {
		return ErrNotConnected
	}
	return c.WriteEnvelope(env)
}

func (h *Holder) HandleClosed(c Conn) {
	h.drop(c, nil)
}

func (h *Holder) HandleTransportError(c Conn, err error) {
	h.drop(c, err)
}

func (h *Holder) drop(c Conn, cause error) {
	h.hub.Remove(c)

	h.mu.Lock()
	if h.active != c {
		h.mu.Unlock()
		return
	}
	h.active = nil
	h.mu.Unlock()

	metricTunnelConnected.Set(0)
	n := h.pending.RejectAll(ErrPeerDisconnected)
	if cause != nil {
		h.log.Warnf("agent connection failed: %v (rejected %d pending)", cause, n)
		return
	}
	h.log.Infof("agent disconnected (rejected %d pending)", n)
}

// Detach forgets the active connection without closing it. It stays in the
// hub and can be picked up again by Reattach.
func (h *Holder) Detach() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	had := h.active != nil
	h.active = nil
	return had
}

// Reattach adopts the newest open connection in the hub carrying this
// holder's tag, if the holder has none.
func (h *Holder) Reattach() bool {
	conns := h.hub.Tagged(h.tag)
	if len(conns) == 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		h.active = conns[len(conns)-1]
	}
	return true
}

// Close shuts every tagged connection with "going away" and fails whatever is
// still pending.
func (h *Holder) Close(reason string) {
	h.acceptMu.Lock()
	defer h.acceptMu.Unlock()

	h.mu.Lock()
	prev := h.active
	h.active = nil
	h.mu.Unlock()

	conns := h.hub.Tagged(h.tag)
	if prev != nil {
		conns = append(conns, prev)
	}
	for _, c := range conns {
		_ = c.CloseWith(websocket.CloseGoingAway, reason)
		h.hub.Remove(c)
	}
	metricTunnelConnected.Set(0)
	h.pending.RejectAll(ErrPeerDisconnected)
}
