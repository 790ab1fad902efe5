package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Close codes for failures before the message loop starts.
const (
	closeMalformedPath = 4000
	closeUnauthorized  = 4001
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HealthCheck is a named reachability probe for an external collaborator.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server accepts sync connections at /api/canvas/sync/{roomId} and hands
// authorized ones to the connection handler.
type Server struct {
	cfg      *Config
	manager  *RoomManager
	verifier *SessionVerifier
	access   RoomAccess
	metrics  Metrics
	counters *CounterMetrics // nil unless metrics is the counter sink
	checks   []HealthCheck
	limiter  *IPRateLimiter
	srv      *http.Server
}

func NewServer(cfg *Config, manager *RoomManager, verifier *SessionVerifier, access RoomAccess, metrics Metrics, checks []HealthCheck) *Server {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		verifier: verifier,
		access:   access,
		metrics:  metrics,
		checks:   checks,
		limiter:  NewIPRateLimiter(cfg.RateLimitPerIP),
	}
	if cm, ok := metrics.(*CounterMetrics); ok {
		s.counters = cm
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/canvas/sync/{roomId}", s.handleSync)
	r.PathPrefix("/api/canvas/sync").HandlerFunc(s.handleBadSyncPath)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) ListenAndServe() error {
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
		log.Printf("TLS enabled (cert=%s)", s.cfg.TLSCert)
		return s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	log.Println("TLS disabled (no cert/key configured)")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	healthy := true
	services := make(map[string]bool, len(s.checks))
	for _, c := range s.checks {
		ok := c.Ping(ctx) == nil
		services[c.Name] = ok
		healthy = healthy && ok
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	var b strings.Builder
	b.WriteString(`{"status":"`)
	if healthy {
		b.WriteString("ok")
	} else {
		b.WriteString("degraded")
	}
	b.WriteString(`","services":{`)
	first := true
	for name, ok := range services {
		if !first {
			b.WriteString(",")
		}
		first = false
		b.WriteString(`"` + name + `":`)
		if ok {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	}
	b.WriteString("}}")
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.counters == nil {
		_, _ = w.Write([]byte(`{}`))
		return
	}
	_, _ = w.Write(s.counters.SnapshotJSON())
}

// handleSync upgrades first so authentication failures can be reported with
// the protocol's close codes instead of bare HTTP statuses.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	roomID := mux.Vars(r)["roomId"]
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade error: %v", err)
		return
	}

	if roomID == "" || token == "" {
		closeWithCode(conn, closeUnauthorized, "missing room id or token")
		return
	}

	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.metrics.Error(codeNotAuthenticated)
		_ = conn.WriteMessage(websocket.TextMessage, encodeError(codeNotAuthenticated, "invalid session token"))
		closeWithCode(conn, closeUnauthorized, "not authenticated")
		return
	}

	if err := s.access.Authorize(r.Context(), claims.UserID, roomID); err != nil {
		switch {
		case errors.Is(err, ErrRoomNotFound):
			s.metrics.Error(codeNotFound)
			_ = conn.WriteMessage(websocket.TextMessage, encodeError(codeNotFound, "room not found"))
		case errors.Is(err, ErrForbidden):
			s.metrics.Error(codeForbidden)
			_ = conn.WriteMessage(websocket.TextMessage, encodeError(codeForbidden, "no access to this room"))
		default:
			log.Printf("authorization check failed room=%s user=%s: %v", roomID, claims.UserID, err)
			s.metrics.Error(codeInternalError)
			_ = conn.WriteMessage(websocket.TextMessage, encodeError(codeInternalError, "authorization check failed"))
			closeWithCode(conn, websocket.CloseInternalServerErr, "internal error")
			return
		}
		closeWithCode(conn, closeUnauthorized, "not authorized")
		return
	}

	serveConn(r.Context(), s.manager, s.metrics, conn, roomID, claims)
}

// handleBadSyncPath catches sync requests that did not match the route
// shape. A bare /api/canvas/sync with no room id is "missing room id";
// anything else is malformed.
func (s *Server) handleBadSyncPath(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "malformed sync path", http.StatusBadRequest)
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/api/canvas/sync" {
		closeWithCode(conn, closeUnauthorized, "missing room id or token")
		return
	}
	closeWithCode(conn, closeMalformedPath, "malformed sync path")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
