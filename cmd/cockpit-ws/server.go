package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cockpit-project/cockpit-ws/internal/chanresponse"
	"github.com/cockpit-project/cockpit-ws/internal/creds"
	"github.com/cockpit-project/cockpit-ws/internal/router"
	"github.com/cockpit-project/cockpit-ws/internal/wsconfig"
	"github.com/cockpit-project/cockpit-ws/internal/wsconn"
	"github.com/cockpit-project/cockpit-ws/internal/wslog"
)

var serverLog = wslog.For("serve")

// Server owns the HTTP surface of the core: the WebSocket upgrade
// endpoint and the ChannelResponse resource path. One WebService is
// started per accepted socket; there is no session reattachment here,
// since the credential/authentication subsystem that would key a
// session cache by (user, application, host) is out of this module's
// scope (§1).
type Server struct {
	cfg   *wsconfig.Config
	cfgMu sync.RWMutex

	spawn SpawnBridge
}

func NewServer(cfg *wsconfig.Config, spawn SpawnBridge) *Server {
	return &Server{cfg: cfg, spawn: spawn}
}

// ApplyConfig swaps in newly reloaded, hot-reloadable fields
// (AllowedOrigins, RequestMaximum) without disturbing in-flight
// sessions, per wsconfig.Watcher's contract.
func (s *Server) ApplyConfig(cfg *wsconfig.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.AllowedOrigins = cfg.AllowedOrigins
	s.cfg.RequestMaximum = cfg.RequestMaximum
	serverLog.Infof("applied reloaded configuration")
}

func (s *Server) config() wsconfig.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return *s.cfg
}

func (s *Server) routerConfig() router.Config {
	cfg := s.config()
	return router.Config{
		Host:            "localhost",
		SystemVersion:   Version,
		PingInterval:    cfg.PingInterval.Duration,
		IdleGracePeriod: cfg.IdleGracePeriod.Duration,
		PoisonTimeout:   cfg.PoisonTimeout.Duration,
	}
}

// ServeMux builds the HTTP handler: /cockpit/socket for the WebSocket
// upgrade, /cockpit/@<host>/<path> for ChannelResponse resource
// fetches.
func (s *Server) ServeMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cockpit/socket", s.handleSocket)
	mux.HandleFunc("/cockpit/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/cockpit/@") {
			s.handleResource(w, r)
			return
		}
		http.NotFound(w, r)
	})
	return s.enforceRequestSize(mux)
}

// enforceRequestSize implements §8's request-size boundary: a body
// larger than RequestMaximum gets 413, and one past twice that is
// abusive enough that the connection is hung up instead of answered.
// RequestMaximum <= 0 disables the limit.
func (s *Server) enforceRequestSize(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := s.config().RequestMaximum
		if max <= 0 {
			h.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > 2*max {
			serverLog.Warnf("request from %s declared %d bytes, over twice the %d byte limit, dropping connection", r.RemoteAddr, r.ContentLength, max)
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.ContentLength > max {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, max)
		h.ServeHTTP(w, r)
	})
}

// handleSocket upgrades one HTTP request to a multiplexed WebSocket
// session: spawn a bridge, start a router, attach the socket.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	cr := credentialsFromRequest(r)

	bridge, err := s.spawn(cr)
	if err != nil {
		serverLog.Errorf("spawning bridge for %s: %v", cr.User(), err)
		http.Error(w, "bridge unavailable", http.StatusInternalServerError)
		return
	}

	ws := router.NewWebService(cr, bridge, s.routerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ws.Run(ctx)
	}()

	conn, err := wsconn.Upgrade(w, r, wsconn.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		BehindTLSProxy: cfg.BehindTLSProxy,
	})
	if err != nil {
		cancel()
		return
	}

	ws.OnDisposed(cancel)
	ws.Attach(conn)

	go s.disposeWhenIdle(ws, cfg.IdleGracePeriod.Duration)
}

// disposeWhenIdle implements the external-supervisor half of §4.4.5's
// idling contract: the first time the router reports zero open
// sockets, wait out the grace period and dispose it.
func (s *Server) disposeWhenIdle(ws *router.WebService, grace time.Duration) {
	if _, ok := <-ws.Idling(); !ok {
		return
	}
	time.Sleep(grace)
	ws.Dispose()
}

// handleResource serves one resource fetch through a transient router
// dedicated to this request: spawn a bridge, run its router just long
// enough to answer one ChannelResponse, then dispose it.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	host, path, ok := parseResourcePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	cr := credentialsFromRequest(r)
	bridge, err := s.spawn(cr)
	if err != nil {
		serverLog.Errorf("spawning bridge for resource fetch: %v", err)
		http.Error(w, "bridge unavailable", http.StatusInternalServerError)
		return
	}

	ws := router.NewWebService(cr, bridge, s.routerConfig())
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go ws.Run(ctx)
	defer ws.Dispose()

	chanresponse.Serve(ws, w, r, host, path)
}

// parseResourcePath splits "/cockpit/@<host>/<path>" into host and
// path, as ChannelResponse expects them (§4.5).
func parseResourcePath(urlPath string) (host, path string, ok bool) {
	rest, ok := strings.CutPrefix(urlPath, "/cockpit/@")
	if !ok {
		return "", "", false
	}
	host, path, ok = strings.Cut(rest, "/")
	if !ok {
		return host, "/", true
	}
	return host, "/" + path, true
}

// credentialsFromRequest builds a Credentials handle from HTTP Basic
// Auth. A real deployment authenticates through cockpit's separate
// login subsystem (out of this module's scope, §1); this is
// the minimal stand-in needed to exercise the core end to end.
func credentialsFromRequest(r *http.Request) *creds.Credentials {
	user, password, _ := r.BasicAuth()
	application := "cockpit"
	if app := r.URL.Query().Get("application"); app != "" {
		application = app
	}
	return creds.New(user, application, []byte(password), r.RemoteAddr, uuid.NewString(), nil)
}
