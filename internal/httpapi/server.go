// Package http exposes bgp-ribout's health, readiness, and Prometheus
// endpoints, the same shape as the rest of the pipeline uses.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// KafkaChecker abstracts the transport's cluster-reachability check.
type KafkaChecker interface {
	Ping(ctx context.Context) error
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// GroupCounter reports how many scheduling groups are currently active,
// surfaced on /readyz as a sanity signal that the membership graph is
// being maintained.
type GroupCounter interface {
	GroupCount() int
}

type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	kafka     KafkaChecker
	groups    GroupCounter
	logger    *zap.Logger
}

func NewServer(addr string, pool *pgxpool.Pool, kafka KafkaChecker, groups GroupCounter, logger *zap.Logger) *Server {
	s := &Server{
		kafka:  kafka,
		groups: groups,
		logger: logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
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

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	if s.kafka != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.kafka.Ping(ctx); err != nil {
			checks["kafka"] = "error"
			allOK = false
		} else {
			checks["kafka"] = "ok"
		}
	} else {
		checks["kafka"] = "error"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status": status,
		"checks": checks,
	}
	if s.groups != nil {
		body["scheduling_groups"] = s.groups.GroupCount()
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(body)
}
