// Package metrics exposes Prometheus counters for the recovery protocol and
// a standalone metrics HTTP server.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChallengesStarted counts recovery challenges created.
	ChallengesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recovery_challenges_started_total",
		Help: "Number of recovery challenges started.",
	})

	// ApprovalsRecorded counts guardian approvals, labeled by guardian type.
	ApprovalsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_approvals_recorded_total",
		Help: "Number of guardian approvals recorded.",
	}, []string{"guardian_type"})

	// ChallengesCompleted counts challenges for which the threshold signature
	// was aggregated.
	ChallengesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recovery_challenges_completed_total",
		Help: "Number of recovery challenges completed with an aggregated signature.",
	})

	// SigningFailures counts failed signing coordinator invocations.
	SigningFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recovery_signing_failures_total",
		Help: "Number of failed signing coordinator invocations.",
	})

	// RewrapsApplied counts finalized challenges, labeled by flow.
	RewrapsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_rewraps_applied_total",
		Help: "Number of finalized recovery rewraps.",
	}, []string{"flow"})

	// serviceInfo is a constant gauge carrying the service name, set once
	// when the metrics server is created.
	serviceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recovery_service_info",
		Help: "Static service metadata.",
	}, []string{"service"})
)

// MetricsServer serves the Prometheus scrape endpoint on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server bound to addr, publishing name through the
// service info gauge.
func New(name, addr string) (*MetricsServer, error) {
	serviceInfo.WithLabelValues(name).Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
