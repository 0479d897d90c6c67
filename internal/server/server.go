// Package server wires the gateway together: it accepts websocket
// connections, owns the session registry, and tears sessions, heartbeat
// records, and relay subscriptions down in one coordinated step.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"lvbridge/internal/auth"
	"lvbridge/internal/constants"
	"lvbridge/internal/metrics"
	"lvbridge/internal/protocol"
	"lvbridge/internal/relay"
	"lvbridge/internal/security"
	"lvbridge/internal/session"
	"lvbridge/internal/utils"
)

const (
	EnvSecret            = "SECRET"
	EnvListenAddr        = "LISTEN_ADDR"
	EnvHeartbeatInterval = "HEARTBEAT_INTERVAL"
	EnvHeartbeatGrace    = "HEARTBEAT_GRACE"
	EnvHandshakeTimeout  = "HANDSHAKE_TIMEOUT"
)

type Server struct {
	Store          *session.Store
	Monitor        *session.Monitor
	Router         *relay.Router
	Bus            relay.Bus
	Verifier       *auth.Verifier
	ConnLimiter    *security.ConnectionLimiter
	BruteProtector *security.BruteForceProtector
	AuditLogger    *security.AuditLogger

	ListenAddr       string
	HandshakeTimeout time.Duration
}

// NewServer builds a gateway from the environment. SECRET is required.
func NewServer() (*Server, error) {
	secret := os.Getenv(EnvSecret)
	if secret == "" {
		return nil, errors.New("no secret present in environment")
	}

	auditLogger, err := security.GetAuditLogger()
	if err != nil {
		log.Printf("Warning: Failed to initialize audit logger: %v", err)
	}

	interval := utils.GetEnvSeconds(EnvHeartbeatInterval, constants.DefaultHeartbeatInterval*time.Second)
	grace := utils.GetEnvInt(EnvHeartbeatGrace, constants.DefaultHeartbeatGrace)
	if grace < 1 {
		grace = constants.DefaultHeartbeatGrace
	}

	store := session.NewStore()
	bus := relay.NewBus()

	s := &Server{
		Store:            store,
		Bus:              bus,
		Router:           relay.NewRouter(bus, store),
		Verifier:         auth.NewVerifier(secret),
		ConnLimiter:      security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		BruteProtector:   security.NewBruteForceProtector(constants.MaxAuthAttempts, constants.BlockDuration),
		AuditLogger:      auditLogger,
		ListenAddr:       utils.GetEnv(EnvListenAddr, constants.DefaultListenAddr),
		HandshakeTimeout: utils.GetEnvSeconds(EnvHandshakeTimeout, constants.DefaultHandshakeTimeout),
	}
	s.Monitor = session.NewMonitor(interval, grace, s.expireSession)

	return s, nil
}

// Run starts the monitor, the relay delivery loop, and the HTTP listener,
// and blocks until SIGINT/SIGTERM triggers a graceful shutdown.
func (s *Server) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Monitor.Run(ctx)
	go s.Router.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointWebSocket, s.HandleWebSocket)
	mux.HandleFunc(constants.EndpointHealth, s.HandleHealth)
	mux.Handle(constants.EndpointMetrics, promhttp.Handler())

	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = h2c.NewHandler(handler, &http2.Server{})

	server := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()
	log.Printf("🚀 %s listening on %s", constants.AppName, s.ListenAddr)
	log.Printf("💓 Heartbeat interval %s, grace ×%d", s.Monitor.Interval(), utils.GetEnvInt(EnvHeartbeatGrace, constants.DefaultHeartbeatGrace))

	<-sigChan
	log.Println("🛑 Shutting down gateway...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), constants.DrainTimeout)
	defer drainCancel()

	if err := server.Shutdown(drainCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	s.Cleanup()
	log.Println("✅ Gateway stopped")
}

// Cleanup closes every live session with a going-away closure and releases
// the bus.
func (s *Server) Cleanup() {
	s.Store.Range(func(sess *session.Session) bool {
		s.teardown(sess, websocket.CloseGoingAway, "server shutting down")
		return true
	})
	_ = s.Bus.Close()
	if s.AuditLogger != nil {
		_ = s.AuditLogger.Close()
	}
}

// HandleHealth reports the degradation signal consumed by the operational
// layer.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.Router.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"health":      s.Router.Health(),
		"sessions":    s.Store.Count(),
		"relay_drops": s.Router.Drops(),
	})
}

// expireSession runs on the monitor sweep goroutine when a session misses
// its grace window.
func (s *Server) expireSession(sessionID string) {
	sess, ok := s.Store.Get(sessionID)
	if !ok {
		return
	}
	log.Printf("💔 Session %s went silent, evicting", sessionID)
	metrics.HeartbeatExpirations.Inc()
	if s.AuditLogger != nil {
		s.AuditLogger.LogHeartbeatExpiry(sessionID)
	}
	// Teardown touches the bus and the socket; one stalled peer must not
	// delay the sweep or other expirations.
	go s.teardown(sess, protocol.CloseHeartbeatExpired, "heartbeat expired")
}

// teardown removes a session from the monitor, the relay router, and the
// registry, then closes the socket. Safe to call from multiple goroutines;
// only the first caller does the work.
func (s *Server) teardown(sess *session.Session, code int, reason string) {
	s.Monitor.Deregister(sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Router.Deregister(ctx, sess.ID)

	if s.Store.Remove(sess.ID) {
		metrics.SessionsLive.Dec()
	}
	sess.Close(code, reason)
}
