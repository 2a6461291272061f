package server

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/relay/pkg/proto"
)

const writeWait = 10 * time.Second

// Conn is one duplex connection to an agent.
type Conn interface {
	// ReadEnvelope blocks for the next frame. A *proto.DecodeError means the
	// frame was unreadable but the connection is still usable.
	ReadEnvelope() (*proto.Envelope, error)
	WriteEnvelope(*proto.Envelope) error
	CloseWith(code int, reason string) error
	Open() bool
}

type wsConn struct {
	c      *websocket.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func newWSConn(c *websocket.Conn) *wsConn { return &wsConn{c: c} }

func (w *wsConn) ReadEnvelope() (*proto.Envelope, error) {
	_, data, err := w.c.ReadMessage()
	if err != nil {
		w.closed.Store(true)
		return nil, err
	}
	return proto.Decode(data)
}

func (w *wsConn) WriteEnvelope(env *proto.Envelope) error {
	b, err := proto.Encode(env)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

// CloseWith sends a close frame and tears down the socket. Only the first call
// has any effect.
func (w *wsConn) CloseWith(code int, reason string) error {
	if w.closed.Swap(true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.c.Close()
}

func (w *wsConn) Open() bool { return !w.closed.Load() }

type hubEntry struct {
	tag string
	seq uint64
}

// Hub is the registry of upgraded sockets, keyed by tag. It lives below the
// manager's view of "the active connection", so a detached connection can be
// found again without a new handshake.
type Hub struct {
	mu    sync.Mutex
	seq   uint64
	conns map[Conn]hubEntry
}

func NewHub() *Hub { return &Hub{conns: make(map[Conn]hubEntry)} }

func (h *Hub) Add(c Conn, tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.conns[c] = hubEntry{tag: tag, seq: h.seq}
}

func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Tagged returns the open connections carrying tag, oldest first.
func (h *Hub) Tagged(tag string) []Conn {
	h.mu.Lock()
	type item struct {
		c   Conn
		seq uint64
	}
	var items []item
	for c, e := range h.conns {
		if e.tag == tag && c.Open() {
			items = append(items, item{c, e.seq})
		}
	}
	h.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Conn, len(items))
	for i, it := range items {
		out[i] = it.c
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
