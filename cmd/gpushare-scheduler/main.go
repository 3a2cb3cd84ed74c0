package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/gpushare-scheduler/pkg/clock"
	"github.com/example/gpushare-scheduler/pkg/config"
	"github.com/example/gpushare-scheduler/pkg/history"
	"github.com/example/gpushare-scheduler/pkg/logger"
	"github.com/example/gpushare-scheduler/pkg/metrics"
	"github.com/example/gpushare-scheduler/pkg/queue"
	"github.com/example/gpushare-scheduler/pkg/scheduler"
	"github.com/example/gpushare-scheduler/pkg/server"
	"github.com/example/gpushare-scheduler/pkg/tokens"
	"github.com/example/gpushare-scheduler/pkg/watcher"
)

var (
	port         int
	metricsPort  int
	baseQuota    float64
	minQuota     float64
	windowSize   float64
	limitFile    string
	limitFileDir string
	limitFmt     string
	level        int64
)

func init() {
	flag.IntVar(&port, "port", 50051, "TCP port the scheduler listens on for client connections")
	flag.IntVar(&metricsPort, "metrics_port", 0, "HTTP port for /metrics and /healthz (default: port+1)")
	flag.Float64Var(&baseQuota, "quota", 100, "default quota in ms granted to a client with no burst signal yet")
	flag.Float64Var(&minQuota, "min_quota", 10, "floor on adaptively computed quota, in ms")
	flag.Float64Var(&windowSize, "window", 1000, "sliding window size in ms over which min_frac/max_frac are enforced")
	flag.StringVar(&limitFile, "limit_file", "limits.txt", "limit file name, watched for changes under -limit_file_dir")
	flag.StringVar(&limitFileDir, "limit_file_dir", ".", "directory containing the limit file")
	flag.StringVar(&limitFmt, "limit_file_format", "text", "limit file format: text (default) or yaml")
	flag.Int64Var(&level, "verbose", 0, "log verbosity, 0 (info) through 2 (trace)")
}

func main() {
	flag.Parse()

	log := logger.New(level, nil)

	format := config.FormatText
	if limitFmt == "yaml" {
		format = config.FormatYAML
	}

	reg := config.New(log, baseQuota, minQuota, windowSize, format)
	path := config.Filename(limitFileDir, limitFile)
	if err := reg.Load(path); err != nil {
		log.Fatalf("gpushare-scheduler: initial load of %s failed: %v", path, err)
	}

	clk := clock.New()
	hist := history.New()
	q := queue.New()
	tt := tokens.New()

	daemon := scheduler.New(log, clk, reg, hist, q, tt, windowSize)
	pool := server.New(log, clk, reg, hist, q, windowSize)
	cfgWatcher := watcher.New(log, reg, limitFileDir, limitFile)

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(log, reg, q, tt)
	promReg.MustRegister(collector)

	if metricsPort == 0 {
		metricsPort = port + 1
	}
	metricsSrv := metrics.New(log, fmt.Sprintf(":%d", metricsPort), promReg)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatalf("gpushare-scheduler: listen on port %d: %v", port, err)
	}
	log.Infof("gpushare-scheduler: listening for clients on :%d, metrics on :%d", port, metricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)

	go func() { errCh <- daemon.Run(ctx) }()
	go func() { errCh <- pool.Serve(ctx, ln) }()
	go func() { errCh <- cfgWatcher.Run(ctx) }()
	go func() { errCh <- metricsSrv.Run(ctx) }()
	go reapIdleLoop(ctx, pool, clk)

	metricsSrv.MarkReady()

	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil && err != context.Canceled {
			log.Warnf("gpushare-scheduler: component exited: %v", err)
		}
	}
	log.Info("gpushare-scheduler: shutdown complete")
}

// reapIdleLoop closes, every 5s, connection handlers that have been
// silent for longer than server.IdleTimeoutFactor window periods; such a
// socket is assumed dead.
func reapIdleLoop(ctx context.Context, pool *server.Pool, clk interface{ NowMillis() int64 }) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.ReapIdle(clk.NowMillis())
		}
	}
}
