package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"Sentinel-Orchestrator/internal/coordinator"
	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/escrow"
	"Sentinel-Orchestrator/internal/job"
	"Sentinel-Orchestrator/internal/observability/metrics"
	"Sentinel-Orchestrator/internal/pipeline"
	"Sentinel-Orchestrator/internal/specialist"
	"Sentinel-Orchestrator/pkg/logger"
)

// Dependencies 汇总服务需要的组件，未配置的组件对应接口返回 503。
type Dependencies struct {
	Codec       *envelope.Codec
	Verifier    coordinator.Verifier
	Jobs        *job.Service
	Ledger      escrow.Ledger
	Pipeline    *pipeline.Pipeline
	Specialists []specialist.Specialist
	Metrics     *metrics.Metrics
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr        string
	deps        Dependencies
	specialists map[string]specialist.Specialist
	names       []string
	logger      *slog.Logger
	started     time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	s := &Server{
		addr:        addr,
		deps:        deps,
		specialists: make(map[string]specialist.Specialist, len(deps.Specialists)),
		logger:      logger.Named("api"),
		started:     time.Now(),
	}
	for _, sp := range deps.Specialists {
		if sp == nil {
			continue
		}
		if _, dup := s.specialists[sp.Name()]; dup {
			continue
		}
		s.specialists[sp.Name()] = sp
		s.names = append(s.names, sp.Name())
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/verify", s.handleVerify)
	s.route(mux, "POST /api/v1/jobs", s.handleSubmitJob)
	s.route(mux, "GET /api/v1/jobs", s.handleListJobs)
	s.route(mux, "GET /api/v1/jobs/{id}", s.handleJobDetail)
	s.route(mux, "GET /api/v1/escrow/{agent}", s.handleEscrowBalance)
	s.route(mux, "POST /api/v1/pipeline", s.handlePipeline)
	s.route(mux, "POST /api/v1/scan/{name}", s.handleScan)
	s.route(mux, "GET /api/v1/agent/info", s.handleAgentInfo)
	s.route(mux, "GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

// instrument 记录每个路由的请求数与耗时。
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		s.deps.Metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
