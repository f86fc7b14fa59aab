package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/route-beacon/bgp-speaker/internal/speaker"
	"go.uber.org/zap"
)

// SessionSource reports per-peer session status.
type SessionSource interface {
	Sessions() []speaker.Status
	EstablishedCount() int
}

// ProducerChecker abstracts the Kafka reachability check for testability.
type ProducerChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv      *http.Server
	sessions SessionSource
	producer ProducerChecker
	logger   *zap.Logger
}

// NewServer builds the HTTP server. producer is nil when event publishing is
// disabled and is then left out of readiness.
func NewServer(addr string, sessions SessionSource, producer ProducerChecker, logger *zap.Logger) *Server {
	s := &Server{
		sessions: sessions,
		producer: producer,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// At least one peer must be Established.
	if s.sessions != nil && s.sessions.EstablishedCount() > 0 {
		checks["bgp"] = "ok"
	} else {
		checks["bgp"] = "no_established_session"
		allOK = false
	}

	if s.producer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.producer.Ping(ctx); err != nil {
			checks["kafka"] = "error"
			allOK = false
		} else {
			checks["kafka"] = "ok"
		}
	}

	if !allOK {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []speaker.Status{}
	if s.sessions != nil {
		sessions = s.sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
