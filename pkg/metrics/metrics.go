// Package metrics exposes scheduler state as Prometheus gauges and
// serves them alongside a liveness probe over HTTP.
//
// Grounded on pkg/collector: a Collector implementing
// prometheus.Collector's Describe/Collect pair, registered once and
// scraped lazily rather than pushed. Here Collect reads the live
// component handles directly instead of polling an NVML device list.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/gpushare-scheduler/pkg/config"
	"github.com/example/gpushare-scheduler/pkg/queue"
	"github.com/example/gpushare-scheduler/pkg/tokens"
)

// Collector gathers scheduler gauges on every scrape: the running sum
// of occupied SM partitions, each registered client's last computed
// quota as a fraction of its MaxQuota, request queue depth, and live
// token count.
type Collector struct {
	log *logrus.Logger

	cfg    *config.Registry
	queue  *queue.Queue
	tokens *tokens.Table

	smOccupied *prometheus.Desc
	usageFrac  *prometheus.Desc
	queueDepth *prometheus.Desc
	tokenCount *prometheus.Desc
}

// NewCollector wires a Collector over the shared component handles.
func NewCollector(log *logrus.Logger, cfg *config.Registry, q *queue.Queue, tt *tokens.Table) *Collector {
	return &Collector{
		log:    log,
		cfg:    cfg,
		queue:  q,
		tokens: tt,
		smOccupied: prometheus.NewDesc(
			"gpushare_sm_occupied",
			"Sum of SM partitions currently held by live tokens.",
			nil, nil),
		usageFrac: prometheus.NewDesc(
			"gpushare_client_usage_fraction",
			"Per-client last computed quota as a fraction of the client's max quota (min_frac * window).",
			[]string{"client"}, nil),
		queueDepth: prometheus.NewDesc(
			"gpushare_queue_depth",
			"Number of pending quota requests awaiting scheduling.",
			nil, nil),
		tokenCount: prometheus.NewDesc(
			"gpushare_tokens_active",
			"Number of currently live tokens.",
			nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.smOccupied
	ch <- c.usageFrac
	ch <- c.queueDepth
	ch <- c.tokenCount
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.smOccupied, prometheus.GaugeValue, float64(c.tokens.Occupied()))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.queue.Len()))
	ch <- prometheus.MustNewConstMetric(c.tokenCount, prometheus.GaugeValue, float64(c.tokens.Len()))

	for _, name := range c.cfg.Names() {
		limits, rt, ok := c.cfg.Get(name)
		if !ok || limits.MaxQuota <= 0 {
			continue
		}
		frac := rt.Quota() / limits.MaxQuota
		ch <- prometheus.MustNewConstMetric(c.usageFrac, prometheus.GaugeValue, frac, name)
	}
}

// Server hosts /metrics and /healthz. /healthz answers 503 until
// MarkReady is called and 200 afterwards; main.go calls MarkReady right
// after launching the daemon and the other components.
type Server struct {
	log   *logrus.Logger
	addr  string
	http  *http.Server
	ready chan struct{}
}

// New constructs a metrics Server bound to addr, with reg's collectors
// served at /metrics.
func New(log *logrus.Logger, addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s := &Server{
		log:   log,
		addr:  addr,
		ready: make(chan struct{}),
	}
	mux.HandleFunc("/healthz", s.healthz)
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ready:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready\n"))
	}
}

// MarkReady flips /healthz to 200. Idempotent.
func (s *Server) MarkReady() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// Run serves until ctx is cancelled, then shuts down with a bounded
// grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("metrics: listening on %s", s.addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
