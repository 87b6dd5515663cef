package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thefeshin/hush/pkg/database"
	"github.com/thefeshin/hush/pkg/protocol"
)

// Server is the relay: websocket endpoint, auth and group REST surface,
// defense engine, expiry worker and metrics, sharing one registry.
type Server struct {
	config  ServerConfig
	db      *database.DB
	dataDir string

	registry  *Registry
	restGuard *RateGuard
	authGuard *RateGuard
	defense   *DefenseEngine
	expiry    *ExpiryWorker
	metrics   *Metrics

	jwtSecret      []byte
	trustedProxies []*net.IPNet
	upgrader       websocket.Upgrader
	promReg        *prometheus.Registry

	httpServer    *http.Server
	metricsServer *http.Server

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a Server wired to the given database. dataDir holds logs
// alongside the database.
func New(cfg ServerConfig, db *database.DB, dataDir string) (*Server, error) {
	if err := initLoggers(dataDir); err != nil {
		return nil, fmt.Errorf("failed to init loggers: %w", err)
	}

	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = randomSecret()
		log.Printf("No jwt_secret configured; using an ephemeral secret (sessions reset on restart)")
	}

	s := &Server{
		config:    cfg,
		db:        db,
		dataDir:   dataDir,
		registry:  NewRegistry(cfg.MaxSubscriptionsPerConn, metrics),
		restGuard: NewRateGuard(cfg.RESTBucketCapacity, cfg.RESTRefillPerSec),
		authGuard: NewRateGuard(cfg.AuthBucketCapacity, cfg.AuthRefillPerSec),
		metrics:   metrics,
		jwtSecret: secret,
		promReg:   promReg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay authenticates via token, not origin; browser clients
			// are expected to connect cross-origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
	for _, raw := range cfg.TrustedProxyCIDRs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", raw, err)
		}
		s.trustedProxies = append(s.trustedProxies, network)
	}
	s.defense = NewDefenseEngine(db, cfg, metrics)
	s.expiry = NewExpiryWorker(db, s.registry, metrics, time.Duration(cfg.SweepIntervalSeconds)*time.Second)

	return s, nil
}

// Start launches the HTTP listeners and background loops. It does not
// block; use Stop to shut down.
func (s *Server) Start() error {
	s.expiry.Start()

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.cleanupLoop()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:      s.secureMiddleware(s.publicMux()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: s.internalMux(),
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		log.Printf("Public HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		log.Printf("Internal metrics server listening on %s", s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully: listeners close, loops drain,
// live connections get unregistered.
func (s *Server) Stop() {
	close(s.shutdown)
	s.expiry.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	for _, c := range s.registry.Snapshot() {
		s.registry.Unregister(c.ID)
	}
	s.wg.Wait()
	log.Printf("Server stopped")
}

// publicMux routes the client-facing surface
func (s *Server) publicMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /api/groups/{id}", s.handleGroupState)
	mux.HandleFunc("POST /api/groups/{id}/members", s.handleAddGroupMember)
	mux.HandleFunc("PATCH /api/groups/{id}/members/{uid}", s.handleSetGroupMemberRole)
	mux.HandleFunc("DELETE /api/groups/{id}/members/{uid}", s.handleRemoveGroupMember)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// internalMux serves metrics and health on the internal-only port
func (s *Server) internalMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// secureMiddleware applies the IP block check, general rate limiting and
// security headers to all public traffic. The block lookup fails OPEN
// here: a database hiccup must not take the whole service down. Auth
// endpoints re-check with fail-closed semantics in gateAuthRequest.
func (s *Server) secureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)

		if blocked, err := s.defense.CheckBlocked(ip); err == nil && blocked {
			writeJSONError(w, http.StatusForbidden, "forbidden")
			return
		}

		// Websocket upgrades are long-lived; they answer to the
		// per-connection sliding window instead of the REST bucket
		if r.URL.Path != "/ws" && !s.restGuard.Allow(ip) {
			s.metrics.RateLimited.WithLabelValues("rest").Inc()
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// heartbeatLoop pushes heartbeat frames; a failed push evicts the peer
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.config.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame := protocol.NewHeartbeat()
			for _, c := range s.registry.Snapshot() {
				if err := c.Send(frame); err != nil {
					debugLog.Printf("Heartbeat to conn %d failed, evicting: %v", c.ID, err)
					s.metrics.SendErrors.Inc()
					s.registry.Unregister(c.ID)
				}
			}
		case <-s.shutdown:
			return
		}
	}
}

// cleanupLoop evicts idle connections and expires stale rate buckets
func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	timeout := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	for {
		select {
		case <-ticker.C:
			for _, c := range s.registry.IdleConnections(timeout) {
				debugLog.Printf("Closing idle connection %d (inactive for %v)", c.ID, timeout)
				s.registry.Unregister(c.ID)
			}
			s.restGuard.Cleanup(10 * time.Minute)
			s.authGuard.Cleanup(10 * time.Minute)
		case <-s.shutdown:
			return
		}
	}
}
