package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/DragonSecurity/relay/pkg/config"
	"github.com/DragonSecurity/relay/pkg/transport"
	"github.com/DragonSecurity/relay/pkg/util"
	relaynet "github.com/DragonSecurity/relay/pkg/util/net"
)

// Version is reported by the info document. Set by the binary at startup.
var Version = "dev"

func Run(ctx context.Context, cfg config.ServerConfig, log *util.Logger) error {
	mgr := NewManager(Options{
		Tag:            cfg.Tag,
		Endpoint:       cfg.Endpoint,
		RequestTimeout: cfg.RequestTimeout,
	}, log.Named("tunnel"))
	h := NewHandler(cfg, mgr, log)

	switch {
	case cfg.ACME.Enable && strings.EqualFold(cfg.ACME.Challenge, "dns-01"):
		tlsConf, err := makeCertMagic(ctx, cfg, log)
		if err != nil {
			return err
		}
		log.Infof("ACME dns-01 via %s for %s", cfg.ACME.DNSProvider, cfg.DomainBase)
		return runTLS(ctx, cfg, mgr, h, tlsConf, log)
	case cfg.ACME.Enable:
		return runWithACME(ctx, cfg, mgr, h, log)
	case cfg.TLS.Cert != "":
		tlsConf, err := transport.NewServerTLSConfig(cfg.TLS.Cert, cfg.TLS.Key, cfg.TLS.CA, cfg.DomainBase)
		if err != nil {
			return err
		}
		return runTLS(ctx, cfg, mgr, h, tlsConf, log)
	}

	// Plain HTTP mode (dev, or TLS terminated in front of us)
	ln, err := relaynet.Listen(cfg.PublicAddr, cfg.ProxyProtocol)
	if err != nil {
		return err
	}
	return serveAndWait(ctx, mgr, log, served{newHTTPServer(h, log), ln})
}

// NewHandler builds the relay's HTTP surface around mgr.
func NewHandler(cfg config.ServerConfig, mgr *Manager, log *util.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer, accessLog(log), cors(cfg.CORSOrigin))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":    "relay",
			"version": Version,
			"endpoints": map[string]string{
				"health":  "/health",
				"tunnel":  "/tunnel",
				"forward": cfg.Endpoint,
				"metrics": "/metrics",
			},
			"tunnel": tunnelState(mgr),
		})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"tunnel":    tunnelState(mgr),
			"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Control plane (agent connects here)
	r.Get("/tunnel", mgr.HandleAgentUpgrade)

	r.Post(cfg.Endpoint, func(w http.ResponseWriter, r *http.Request) {
		if cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		}
		resp, err := mgr.Forward(r)
		if err != nil {
			log.Debugf("forward %s: %v", r.URL.Path, err)
			writeForwardError(w, err)
			return
		}
		for k, v := range sanitizeRespHeaders(resp.Headers) {
			w.Header().Set(k, v)
		}
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		w.WriteHeader(resp.Status)
		_, _ = io.WriteString(w, resp.Body)
	})
	return r
}

func tunnelState(mgr *Manager) string {
	if mgr.Connected() {
		return "connected"
	}
	return "disconnected"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func cors(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
			h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(log *util.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("http", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"bytes", ww.BytesWritten(), "remote", r.RemoteAddr, "dur", time.Since(start))
		})
	}
}

func newHTTPServer(h http.Handler, log *util.Logger) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          util.StdLogger(util.NewWarnWriter(log)),
	}
}

type served struct {
	srv *http.Server
	ln  net.Listener
}

func runTLS(ctx context.Context, cfg config.ServerConfig, mgr *Manager, h http.Handler, tlsConf *tls.Config, log *util.Logger) error {
	ln, err := relaynet.Listen(cfg.PublicAddr, cfg.ProxyProtocol)
	if err != nil {
		return err
	}
	srv := newHTTPServer(h, log)
	srv.TLSConfig = tlsConf
	return serveAndWait(ctx, mgr, log, served{srv, tls.NewListener(ln, tlsConf)})
}

func runWithACME(ctx context.Context, cfg config.ServerConfig, mgr *Manager, h http.Handler, log *util.Logger) error {
	am := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.DomainBase),
		Email:      cfg.ACME.Email,
		Cache:      autocert.DirCache(cfg.ACME.CacheDir),
	}

	// HTTP server on :80 for challenges + redirect to HTTPS.
	redirect := newHTTPServer(am.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		to := "https://" + hostOnly(r.Host) + r.URL.RequestURI()
		http.Redirect(w, r, to, http.StatusMovedPermanently)
	})), log)

	// Fallback for handshakes without SNI, to avoid noisy "missing server name" errors.
	fallback, err := transport.SelfSigned(cfg.DomainBase, 24*time.Hour)
	if err != nil {
		log.Errorf("self-signed cert generation failed: %v", err)
	}
	tlsConf := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello == nil || hello.ServerName == "" {
				if fallback != nil {
					return fallback, nil
				}
				return nil, errors.New("missing SNI (ServerName)")
			}
			return am.GetCertificate(hello)
		},
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
	}

	httpLn, err := relaynet.Listen(":80", cfg.ProxyProtocol)
	if err != nil {
		return err
	}
	ln, err := relaynet.Listen(cfg.PublicAddr, cfg.ProxyProtocol)
	if err != nil {
		_ = httpLn.Close()
		return err
	}
	srv := newHTTPServer(h, log)
	srv.TLSConfig = tlsConf

	log.Infof("ACME enabled: serving HTTP on :80 (redirect+challenges), HTTPS on %s; domainBase=%s", cfg.PublicAddr, cfg.DomainBase)
	return serveAndWait(ctx, mgr, log, served{redirect, httpLn}, served{srv, tls.NewListener(ln, tlsConf)})
}

// serveAndWait runs every server until ctx ends or one of them fails. The
// tunnel is closed before the HTTP servers so waiting forwards return at once.
func serveAndWait(ctx context.Context, mgr *Manager, log *util.Logger, servers ...served) error {
	errCh := make(chan error, len(servers))
	for _, s := range servers {
		s := s
		log.Infof("listening on %s", s.ln.Addr())
		go func() { errCh <- s.srv.Serve(s.ln) }()
	}

	var err error
	select {
	case <-ctx.Done():
		log.Infof("shutting down...")
	case err = <-errCh:
	}

	mgr.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.srv.Shutdown(sctx)
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
