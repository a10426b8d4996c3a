package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vitos/spot_averaging/internal/domain"
	"github.com/vitos/spot_averaging/internal/usecase"
)

// StatsReader lists recorded statistics rows, newest first.
type StatsReader interface {
	ListStats(ctx context.Context, account string, limit int) ([]domain.StatRecord, error)
}

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	status  *usecase.StatusBoard
	stats   StatsReader
	started time.Time
	logger  *zap.Logger
}

func NewServer(port int, status *usecase.StatusBoard, stats StatsReader, logger *zap.Logger) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		status:  status,
		stats:   stats,
		started: time.Now(),
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	// Accounts
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Statistics
	s.router.HandleFunc("GET /api/stats", s.handleStats)

	s.router.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
