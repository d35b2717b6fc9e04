// Package metrics 使用 Prometheus 客户端记录服务指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Outcome 描述 specialist 在一次请求中的结局。
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeAbsent  = "absent"
)

// Metrics 持有所有指标以及独立的注册表。nil 接收者上的方法均为空操作。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	specialists    *prometheus.CounterVec
	verdicts       *prometheus.CounterVec
	fanoutDuration prometheus.Histogram
	escrowCredits  *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	authFailures   prometheus.Counter
}

// New 创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		specialists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "specialist_results_total",
			Help:      "Specialist outcomes per verification request.",
		}, []string{"specialist", "outcome"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Fused verdicts by profile and classification.",
		}, []string{"profile", "classification"}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time spent collecting specialist results.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		escrowCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_credits_total",
			Help:      "Escrow credit attempts by result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Verification job state transitions.",
		}, []string{"status"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentication_failures_total",
			Help:      "Envelopes rejected during authentication.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.specialists,
		m.verdicts,
		m.fanoutDuration,
		m.escrowCredits,
		m.jobs,
		m.authFailures,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveSpecialist 记录一个 specialist 的结局。
func (m *Metrics) ObserveSpecialist(name, outcome string) {
	if m == nil {
		return
	}
	m.specialists.WithLabelValues(name, outcome).Inc()
}

// ObserveVerdict 记录一次融合判定。
func (m *Metrics) ObserveVerdict(profile, classification string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(profile, classification).Inc()
}

// ObserveFanout 记录一次扇出耗时。
func (m *Metrics) ObserveFanout(duration time.Duration) {
	if m == nil {
		return
	}
	m.fanoutDuration.Observe(duration.Seconds())
}

// ObserveEscrowCredit 记录入账结果：applied、duplicate 或 error。
func (m *Metrics) ObserveEscrowCredit(result string) {
	if m == nil {
		return
	}
	m.escrowCredits.WithLabelValues(result).Inc()
}

// ObserveJob 记录任务状态变化。
func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

// ObserveAuthFailure 记录一次认证失败。
func (m *Metrics) ObserveAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, m *Metrics) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
