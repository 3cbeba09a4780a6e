package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/internal/scheduler"
	"github.com/JuluruAkhil/ingestion-service/pkg/config"
	"github.com/JuluruAkhil/ingestion-service/pkg/logger"
)

// Pinger checks reachability of the analytical store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BarTimes answers advisory last-persisted-bar queries.
type BarTimes interface {
	GetLastBarTime(ctx context.Context, symbol string) (time.Time, bool)
}

// CycleState exposes the scheduler's last cycle snapshot.
type CycleState interface {
	State() scheduler.Snapshot
}

// Server is the ops HTTP surface: health and sync status. It serves
// operators and probes, not data consumers.
type Server struct {
	server           *http.Server
	store            Pinger
	bars             BarTimes
	cycles           CycleState
	bellwetherSymbol string
	logger           *logrus.Entry
}

// NewServer creates a new ops HTTP server
func NewServer(cfg *config.Config, store Pinger, bars BarTimes, cycles CycleState, log *logrus.Logger) *Server {
	s := &Server{
		store:            store,
		bars:             bars,
		cycles:           cycles,
		bellwetherSymbol: cfg.Market.BellwetherSymbol,
		logger:           log.WithField("component", "api-server"),
	}

	router := mux.NewRouter()
	router.Use(logger.Middleware(log))
	router.Use(func(next http.Handler) http.Handler {
		return handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger))(next)
	})

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// Start serves until shutdown
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting ops API server")
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Store health check failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"cycle": s.cycles.State(),
	}
	if lastBar, ok := s.bars.GetLastBarTime(r.Context(), s.bellwetherSymbol); ok {
		response["bellwether_last_bar"] = lastBar.Format("2006-01-02 15:04:05")
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
