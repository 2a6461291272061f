// Package agent is the private side of the tunnel. It holds the connection to
// the relay and delivers each forwarded request to the local service.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/DragonSecurity/relay/pkg/config"
	"github.com/DragonSecurity/relay/pkg/proto"
	"github.com/DragonSecurity/relay/pkg/transport"
	"github.com/DragonSecurity/relay/pkg/util"
)

const handshakeTimeout = 10 * time.Second

// safeWS serializes writes to a websocket.Conn
type safeWS struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (s *safeWS) write(env *proto.Envelope) error {
	b, err := proto.Encode(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.WriteMessage(websocket.TextMessage, b)
}

func (s *safeWS) read() (*proto.Envelope, error) {
	_, data, err := s.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return proto.Decode(data)
}

type Agent struct {
	cfg       config.AgentConfig
	log       *util.Logger
	tunnelURL string
	localBase *url.URL
	dialer    *websocket.Dialer
	client    *http.Client
}

func New(cfg config.AgentConfig, log *util.Logger) (*Agent, error) {
	if err := config.ValidateAgentConfig(&cfg); err != nil {
		return nil, err
	}
	serverBase, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	localBase, err := url.Parse(cfg.LocalTo)
	if err != nil {
		return nil, fmt.Errorf("invalid --to url: %w", err)
	}

	// WebSocket schemes must be ws/wss, not http/https.
	ctrl := *serverBase
	ctrl.Path = path.Join("/", ctrl.Path, "tunnel")
	switch serverBase.Scheme {
	case "https", "wss":
		ctrl.Scheme = "wss"
	default:
		ctrl.Scheme = "ws"
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if ctrl.Scheme == "wss" {
		tlsConf, err := transport.NewClientTLSConfig(cfg.TLS.Cert, cfg.TLS.Key, cfg.TLS.CA, serverBase.Hostname(), cfg.Insecure)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsConf
	}

	return &Agent{
		cfg:       cfg,
		log:       log,
		tunnelURL: ctrl.String(),
		localBase: localBase,
		dialer:    dialer,
		client:    &http.Client{Timeout: cfg.LocalTimeout},
	}, nil
}

func Run(ctx context.Context, cfg config.AgentConfig, log *util.Logger) error {
	a, err := New(cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// Run keeps a session with the relay open until ctx is done, reconnecting with
// exponential backoff whenever it drops.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: a.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
	for {
		established, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			b.Reset()
		}
		d := b.Duration()
		a.log.Warnf("tunnel lost: %v; reconnecting in %s", err, d.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// session runs one connection. It reports whether the handshake completed.
func (a *Agent) session(ctx context.Context) (bool, error) {
	a.log.Infof("dialing relay: %s", a.tunnelURL)
	c, _, err := a.dialer.DialContext(ctx, a.tunnelURL, nil)
	if err != nil {
		return false, fmt.Errorf("ws dial failed: %w", err)
	}
	defer c.Close()
	s := &safeWS{c: c}

	var wg sync.WaitGroup
	defer wg.Wait()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.Close()
	})
	defer stop()

	endpoint, err := a.handshake(s)
	if err != nil {
		return false, err
	}
	a.log.Infof("connected. exposing local %s", a.localBase)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.keepalive(sctx, c)
	}()

	for {
		env, err := s.read()
		if err != nil {
			var de *proto.DecodeError
			if errors.As(err, &de) {
				a.log.Warnf("dropping frame: %v", err)
				continue
			}
			return true, err
		}
		switch env.Type {
		case proto.TypeRequest:
			var req proto.RequestPayload
			if err := proto.Unwrap(env, &req); err != nil {
				a.log.Errorf("bad request payload: %v", err)
				_ = s.write(proto.Error(env.ID, "malformed request payload"))
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				a.handleRequest(sctx, s, id, &req, endpoint)
			}(env.ID)
		case proto.TypeError:
			a.log.Warnf("relay reported: %s", env.Message)
		default:
			a.log.Debugf("ignoring %q envelope", env.Type)
		}
	}
}

func (a *Agent) handshake(s *safeWS) (string, error) {
	if err := s.write(proto.Connect()); err != nil {
		return "", fmt.Errorf("send connect: %w", err)
	}
	_ = s.c.SetReadDeadline(time.Now().Add(handshakeTimeout))
	env, err := s.read()
	if err != nil {
		return "", fmt.Errorf("await connected: %w", err)
	}
	if env.Type != proto.TypeConnected {
		return "", fmt.Errorf("unexpected %q envelope during handshake", env.Type)
	}
	_ = s.c.SetReadDeadline(time.Time{})
	return env.Endpoint, nil
}

// keepalive pings the relay. The relay's WebSocket stack answers with pongs;
// none of this reaches envelope handling.
func (a *Agent) keepalive(ctx context.Context, c *websocket.Conn) {
	t := time.NewTicker(a.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(handshakeTimeout)); err != nil {
				a.log.Debugf("ping: %v", err)
				return
			}
		}
	}
}

func (a *Agent) handleRequest(ctx context.Context, s *safeWS, id string, req *proto.RequestPayload, endpoint string) {
	start := time.Now()
	target := a.localURL(req.URL, endpoint)

	resp, err := a.deliver(ctx, target, req)
	if err != nil {
		a.log.Errorf("%s %s: %v", req.Method, target, err)
		_ = s.write(proto.Error(id, "local delivery failed: "+err.Error()))
		return
	}
	env, err := proto.Wrap(proto.TypeResponse, id, resp)
	if err != nil {
		_ = s.write(proto.Error(id, err.Error()))
		return
	}
	if err := s.write(env); err != nil {
		a.log.Errorf("send response %s: %v", id, err)
		return
	}
	a.log.Infof("%s %s -> %d (%s)", req.Method, target, resp.Status, time.Since(start))
}

func (a *Agent) deliver(ctx context.Context, target string, req *proto.RequestPayload) (*proto.ResponsePayload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, strings.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "content-length") {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	// Always set Host to local target's host
	httpReq.Host = a.localBase.Host

	localResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer localResp.Body.Close()
	b, err := io.ReadAll(localResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read local response: %w", err)
	}

	out := &proto.ResponsePayload{
		Status:  localResp.StatusCode,
		Headers: make(map[string]string, len(localResp.Header)),
		Body:    string(b),
	}
	for k, v := range localResp.Header {
		out.Headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out, nil
}

// localURL picks the local path: the relay's advertised endpoint if any,
// otherwise the path of the public URL. The query string is always kept.
func (a *Agent) localURL(publicURL, endpoint string) string {
	u := *a.localBase
	p := endpoint
	var rawQuery string
	if pu, err := url.Parse(publicURL); err == nil {
		rawQuery = pu.RawQuery
		if p == "" {
			p = pu.Path
		}
	}
	if p == "" {
		p = "/"
	}
	u.Path = singleJoiningSlash(a.localBase.Path, p)
	u.RawQuery = rawQuery
	return u.String()
}

// lifted from net/http/httputil to join path segments
func singleJoiningSlash(a, b string) string {
	slashA := strings.HasSuffix(a, "/")
	slashB := strings.HasPrefix(b, "/")
	switch {
	case slashA && slashB:
		return a + b[1:]
	case !slashA && !slashB:
		return a + "/" + b
	}
	return a + b
}
