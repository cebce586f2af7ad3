// Package metrics exposes node health as Prometheus gauges/counters and a
// /metrics HTTP endpoint, grounded on the teacher's
// core/system_health_logging.go HealthLogger (registry + gauges + periodic
// RunMetricsCollector + StartMetricsServer), generalized from Synnergy's
// ledger/coin/txpool snapshot to chaind's chain/mempool/registry snapshot.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Snapshot is one point-in-time reading of node health.
type Snapshot struct {
	Height        uint64
	MempoolSize   int
	PeerCount     int
	ReorgDepth    int
	MemAllocBytes uint64
	Goroutines    int
}

// Collector is the subset of node state metrics needs to produce a
// Snapshot, kept narrow so internal/metrics never imports internal/node,
// internal/chain, or internal/p2p directly.
type Collector func() Snapshot

// Recorder owns the Prometheus registry and gauges and periodically pulls a
// Snapshot via the supplied Collector.
type Recorder struct {
	logger *logrus.Logger
	pull   Collector

	registry *prometheus.Registry

	heightGauge      prometheus.Gauge
	mempoolGauge     prometheus.Gauge
	peerCountGauge   prometheus.Gauge
	reorgDepthGauge  prometheus.Gauge
	memAllocGauge    prometheus.Gauge
	goroutinesGauge  prometheus.Gauge
	reorgTotal       prometheus.Counter
	blockAppliedTotal prometheus.Counter
	txRejectedTotal  prometheus.Counter
}

// NewRecorder builds and registers every gauge/counter chaind exports.
func NewRecorder(pull Collector, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()
	r := &Recorder{logger: logger, pull: pull, registry: reg}

	r.heightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chaind_block_height",
		Help: "Current canonical chain height of the node.",
	})
	r.mempoolGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chaind_mempool_size",
		Help: "Number of transactions currently pending in the mempool.",
	})
	r.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chaind_peer_count",
		Help: "Number of peers currently known to the registry.",
	})
	r.reorgDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chaind_last_reorg_depth",
		Help: "Depth of the most recent chain reorganization.",
	})
	r.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chaind_mem_alloc_bytes",
		Help: "Current heap allocation in bytes.",
	})
	r.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chaind_goroutines",
		Help: "Number of running goroutines.",
	})
	r.reorgTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chaind_reorgs_total",
		Help: "Total number of chain reorganizations performed.",
	})
	r.blockAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chaind_blocks_applied_total",
		Help: "Total number of blocks applied to the canonical chain.",
	})
	r.txRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chaind_tx_rejected_total",
		Help: "Total number of transactions rejected by the mempool.",
	})

	reg.MustRegister(
		r.heightGauge, r.mempoolGauge, r.peerCountGauge, r.reorgDepthGauge,
		r.memAllocGauge, r.goroutinesGauge, r.reorgTotal, r.blockAppliedTotal, r.txRejectedTotal,
	)
	return r
}

// RecordOnce pulls a Snapshot and updates every gauge.
func (r *Recorder) RecordOnce() {
	s := Snapshot{}
	if r.pull != nil {
		s = r.pull()
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.heightGauge.Set(float64(s.Height))
	r.mempoolGauge.Set(float64(s.MempoolSize))
	r.peerCountGauge.Set(float64(s.PeerCount))
	r.reorgDepthGauge.Set(float64(s.ReorgDepth))
	r.memAllocGauge.Set(float64(mem.Alloc))
	r.goroutinesGauge.Set(float64(runtime.NumGoroutine()))
}

// IncReorg records one completed reorganization.
func (r *Recorder) IncReorg() { r.reorgTotal.Inc() }

// IncBlockApplied records one block applied to the canonical chain.
func (r *Recorder) IncBlockApplied() { r.blockAppliedTotal.Inc() }

// IncTxRejected records one mempool rejection.
func (r *Recorder) IncTxRejected() { r.txRejectedTotal.Inc() }

// Run periodically calls RecordOnce until ctx is cancelled, following the
// teacher's RunMetricsCollector.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.RecordOnce()
		case <-ctx.Done():
			return
		}
	}
}

// Serve exposes /metrics on addr, following the teacher's
// StartMetricsServer, and returns the *http.Server so callers control its
// lifecycle.
func (r *Recorder) Serve(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Errorf("metrics: server error: %v", err)
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	case <-time.After(50 * time.Millisecond):
		return srv, nil
	}
}
