// Package api serves qmoi status over HTTP and accepts authenticated control
// requests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qmoi/qmoi-ops/internal/logging"
	"github.com/qmoi/qmoi-ops/internal/metrics"
	"github.com/qmoi/qmoi-ops/internal/monitoring"
	"github.com/qmoi/qmoi-ops/internal/notification"
	"github.com/qmoi/qmoi-ops/internal/orchestrator"
	"github.com/qmoi/qmoi-ops/internal/runner"
	"go.uber.org/zap"
)

// ErrBusy is returned by a Controller when a run is already in progress.
var ErrBusy = errors.New("run already in progress")

// Config defines the status server.
type Config struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr         string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"` // requests per second per client
	RateBurst    int           `mapstructure:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
	AllowOrigins []string      `mapstructure:"allow_origins" yaml:"allow_origins" json:"allow_origins"`
	JWTIssuer    string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer" json:"jwt_issuer"`
	JWTSecret    string        `mapstructure:"jwt_secret" yaml:"-" json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Addr:         "127.0.0.1:8090",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		CacheTTL:     5 * time.Second,
		RateLimit:    20,
		RateBurst:    40,
		JWTIssuer:    "qmoi",
	}
}

// Controller performs the control actions.
type Controller interface {
	// Orchestrate starts one orchestration run in the background.
	Orchestrate(ctx context.Context) (string, error)
	// EmergencyStop kills running commands and stops the monitors.
	EmergencyStop(ctx context.Context) int
	Running() []runner.ProcessInfo
	LastRun() *orchestrator.AggregateReport
}

// Deps are the components the server reports on. Any of them may be nil.
type Deps struct {
	Metrics  *metrics.Metrics
	Monitors []*monitoring.PollMonitor
	Notifier *notification.Notifier
	Control  Controller
	Version  string
}

// Response is the envelope for JSON replies.
type Response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Server provides the HTTP API and the websocket snapshot stream.
type Server struct {
	logger  *zap.Logger
	config  Config
	deps    Deps
	started time.Time

	router   *mux.Router
	server   *http.Server
	cache    *bigcache.BigCache
	auth     *Authenticator
	limiter  *rateLimiter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams map[*websocket.Conn]struct{}
}

// NewServer builds the router. It does not listen until Start.
func NewServer(ctx context.Context, logger *zap.Logger, config Config, deps Deps) (*Server, error) {
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	cache, err := bigcache.New(ctx, bigcache.Config{
		Shards:             16,
		LifeWindow:         ttl,
		CleanWindow:        ttl,
		MaxEntriesInWindow: 64,
		MaxEntrySize:       4096,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create status cache: %w", err)
	}

	s := &Server{
		logger:  logger.Named("api"),
		config:  config,
		deps:    deps,
		started: time.Now(),
		cache:   cache,
		auth:    NewAuthenticator(config.JWTSecret, config.JWTIssuer),
		limiter: newRateLimiter(config.RateLimit, config.RateBurst),
		streams: make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin(config.AllowOrigins)}
	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("Starting API server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown closes websocket streams and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	s.mu.Lock()
	for conn := range s.streams {
		conn.Close()
	}
	s.mu.Unlock()

	defer s.cache.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.recoverMiddleware, s.loggingMiddleware, s.limiter.middleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if reg := s.deps.Metrics.Registry(); reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/ws", s.handleStream)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/monitors/{name}/history", s.handleMonitorHistory).Methods(http.MethodGet)
	api.HandleFunc("/notifications/report", s.handleNotificationReport).Methods(http.MethodGet)

	control := api.PathPrefix("/control").Subrouter()
	control.Use(s.auth.Middleware)
	control.HandleFunc("/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)
	control.HandleFunc("/orchestrate", s.handleOrchestrate).Methods(http.MethodPost)
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	monitors := make(map[string]string, len(s.deps.Monitors))
	for _, m := range s.deps.Monitors {
		monitors[m.Name()] = m.State().String()
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"monitors": monitors,
	})
}

// StatusPayload is the body of GET /api/v1/status.
type StatusPayload struct {
	Service       string                `json:"service"`
	Version       string                `json:"version,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	Monitors      []monitoring.Status   `json:"monitors"`
	Notifications *notification.Summary `json:"notifications,omitempty"`
	Channels      map[string]string     `json:"channels,omitempty"`
	LastRun       *RunStatus            `json:"last_run,omitempty"`
	Processes     []runner.ProcessInfo  `json:"processes,omitempty"`
}

// RunStatus is the compact form of the last orchestration report.
type RunStatus struct {
	ID              string         `json:"id"`
	Timestamp       string         `json:"timestamp"`
	Stats           map[string]int `json:"stats"`
	SuccessRate     float64        `json:"success_rate"`
	DurationSeconds float64        `json:"duration_seconds"`
}

const statusCacheKey = "status"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if cached, err := s.cache.Get(statusCacheKey); err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		w.Write(cached)
		return
	}

	body, err := json.Marshal(Response{Success: true, Data: s.Status(), Time: time.Now().UTC()})
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to encode status")
		return
	}
	if err := s.cache.Set(statusCacheKey, body); err != nil {
		s.logger.Debug("Status not cached", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "miss")
	w.Write(body)
}

// Status assembles the current status without the cache.
func (s *Server) Status() StatusPayload {
	p := StatusPayload{
		Service:   "qmoi",
		Version:   s.deps.Version,
		StartedAt: s.started.UTC(),
		Monitors:  make([]monitoring.Status, 0, len(s.deps.Monitors)),
	}
	for _, m := range s.deps.Monitors {
		p.Monitors = append(p.Monitors, m.Status())
	}
	if n := s.deps.Notifier; n != nil {
		summary := n.Report().Summary
		p.Notifications = &summary
		p.Channels = n.ChannelStates()
	}
	if c := s.deps.Control; c != nil {
		p.Processes = c.Running()
		if last := c.LastRun(); last != nil {
			p.LastRun = &RunStatus{
				ID:              last.ID,
				Timestamp:       last.Timestamp,
				Stats:           last.Stats,
				SuccessRate:     last.SuccessRate,
				DurationSeconds: last.DurationSeconds,
			}
		}
	}
	return p
}

func (s *Server) monitor(name string) *monitoring.PollMonitor {
	for _, m := range s.deps.Monitors {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (s *Server) handleMonitorHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	m := s.monitor(name)
	if m == nil {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("unknown monitor %q", name))
		return
	}

	history := m.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit < len(history) {
			history = history[len(history)-limit:]
		}
	}
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: history, Time: time.Now().UTC()})
}

func (s *Server) handleNotificationReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		s.sendError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: s.deps.Notifier.Report(), Time: time.Now().UTC()})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Control == nil {
		s.sendError(w, http.StatusServiceUnavailable, "control is not available")
		return
	}
	killed := s.deps.Control.EmergencyStop(r.Context())
	logging.FromContext(r.Context()).Warn("Emergency stop requested",
		zap.String("subject", subjectFrom(r.Context())),
		zap.Int("killed", killed),
	)
	s.cache.Delete(statusCacheKey)
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]any{"killed": killed},
		Time:    time.Now().UTC(),
	})
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Control == nil {
		s.sendError(w, http.StatusServiceUnavailable, "control is not available")
		return
	}
	id, err := s.deps.Control.Orchestrate(r.Context())
	if errors.Is(err, ErrBusy) {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.FromContext(r.Context()).Info("Orchestration triggered",
		zap.String("subject", subjectFrom(r.Context())),
		zap.String("trigger_id", id),
	)
	s.sendJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    map[string]any{"trigger_id": id},
		Time:    time.Now().UTC(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Success: false, Error: message, Time: time.Now().UTC()})
}
