// Package metrics owns the prometheus collectors shared by the searcher components.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	BlocksApplied     prometheus.Counter
	BlocksDuplicate   prometheus.Counter
	UpdatesRejected   prometheus.Counter
	Reorgs            prometheus.Counter
	Resyncs           prometheus.Counter
	PendingSeen       prometheus.Counter
	PendingDecoded    prometheus.Counter
	TriggersDropped   prometheus.Counter
	CyclesCancelled   prometheus.Counter
	CycleOutcomes     *prometheus.CounterVec
	SearchDuration    prometheus.Histogram
	ValidateDuration  prometheus.Histogram
	CycleDuration     prometheus.Histogram
	SubmissionResults *prometheus.CounterVec
}

// New registers every collector on a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BlocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_blocks_applied_total",
			Help: "committed blocks merged into the market graph",
		}),
		BlocksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_blocks_duplicate_total",
			Help: "redelivered blocks ignored by the market graph",
		}),
		UpdatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_pool_updates_rejected_total",
			Help: "malformed pool updates rejected at the graph boundary",
		}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_reorgs_total",
			Help: "chain reorganizations handled",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_resyncs_total",
			Help: "pool resynchronizations from the authoritative source",
		}),
		PendingSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_pending_seen_total",
			Help: "pending transactions observed",
		}),
		PendingDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_pending_decoded_total",
			Help: "pending transactions decoded as swaps on tracked pools",
		}),
		TriggersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_triggers_dropped_total",
			Help: "triggers rejected because the cycle pool was full",
		}),
		CyclesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searcher_cycles_cancelled_total",
			Help: "in-flight decision cycles cancelled by commits or reorgs",
		}),
		CycleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searcher_cycle_outcomes_total",
			Help: "decision cycles by terminal state",
		}, []string{"state"}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searcher_search_seconds",
			Help:    "path search wall time",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		ValidateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searcher_validate_seconds",
			Help:    "local validation wall time",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searcher_cycle_seconds",
			Help:    "end-to-end decision cycle wall time",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		SubmissionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searcher_submissions_total",
			Help: "bundle submissions by outcome",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.BlocksApplied, m.BlocksDuplicate, m.UpdatesRejected, m.Reorgs, m.Resyncs,
		m.PendingSeen, m.PendingDecoded, m.TriggersDropped, m.CyclesCancelled,
		m.CycleOutcomes, m.SearchDuration, m.ValidateDuration, m.CycleDuration,
		m.SubmissionResults,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
