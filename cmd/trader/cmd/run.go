package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/engine"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start all configured workers",
	Long: `Start one worker per (symbol, interval) from the instances section and run until
SIGINT/SIGTERM, or until an emergency close-all halts the coordinator.

Examples:
  trader run --paper
  trader run -c /etc/trader --metrics-addr :9100`,
	Args: cobra.NoArgs,
	RunE: runTrader,
}

var (
	runPaper       bool
	runMetricsAddr string
	runPyroscope   string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runPaper, "paper", false, "force the paper simulator regardless of exchange.name")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "prometheus listen address, overrides metrics.addr")
	runCmd.Flags().StringVar(&runPyroscope, "pyroscope", "", "pyroscope server address, profiling is off when empty")
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runPaper {
		cfg.Exchange.Name = "paper"
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}

	if err := service.InitLogger(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = service.Logger.Sync() }()
	logger := service.Logger

	if runPyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "crypto-futures-trader",
			ServerAddress:   runPyroscope,
			Tags:            map[string]string{"exchange": cfg.Exchange.Name},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.Warn("Pyroscope start failed, continuing without profiling", zap.Error(err))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mk := buildExchange(cfg, logger)
	if err := mk.startCandles(ctx, cfg, logger); err != nil {
		return err
	}

	sinks := journal.Multi{journal.NewLogSink(logger), m}
	store, err := journal.Open(cfg.Journal, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
		sinks = append(sinks, store)
	}

	coord, err := engine.NewCoordinator(cfg, engine.Options{
		Exchange: mk.exchange,
		Candles:  mk.candles,
		Sink:     sinks,
		Metrics:  m,
	}, logger)
	if err != nil {
		return err
	}

	srv := serveMetrics(cfg.Metrics.Addr, reg, logger)

	logger.Info("Trader starting",
		zap.String("exchange", cfg.Exchange.Name), zap.Bool("stream", cfg.Exchange.Stream),
		zap.Int("workers", len(coord.Workers())), zap.String("journal", cfg.Journal.Driver))
	if err := coord.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- coord.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		if err := coord.Stop(cfg.Trading.StopJoinTimeout); err != nil {
			logger.Warn("Workers still running at exit", zap.Error(err))
		}
	case runErr = <-done:
		if coord.Halted() {
			logger.Warn("Coordinator halted after emergency close-all")
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return runErr
}

// serveMetrics addr 为空时不启动
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
