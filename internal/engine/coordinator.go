// Package engine 执行协调器
//
// Coordinator 每个进程只创建一个，持有账本、防重复协调器、平仓器、止损、对账、反手队列和运行闸门，
// 以句柄形式传给每个 (symbol, interval) worker。worker 之间共享的可变状态只有这些。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"crypto-futures-trader/internal/closer"
	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/guard"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/reconcile"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/sizing"
	"crypto-futures-trader/internal/stoploss"
	"crypto-futures-trader/internal/strategy"
)

// ErrHalted 协调器已停机 (紧急全平之后)
var ErrHalted = errors.New("coordinator halted")

// Options 外部依赖
type Options struct {
	Exchange executor.Exchange
	Candles  executor.CandleSource
	Sink     journal.Sink
	Metrics  *metrics.Metrics
}

type flipSlot struct {
	symbol    string
	interval  string
	indicator string
}

// Coordinator 进程级执行协调服务
type Coordinator struct {
	cfg     *service.Config
	ex      executor.Exchange
	candles executor.CandleSource
	sink    journal.Sink
	metrics *metrics.Metrics
	retry   executor.RetryPolicy
	logger  *zap.Logger
	now     func() time.Time

	ledger  *ledger.Ledger
	guard   *guard.Coordinator
	closer  *closer.Closer
	sizer   *sizing.Calculator
	stops   *stoploss.Monitor
	recon   *reconcile.Loop
	signals *strategy.SignalSource

	workers []*Worker
	gate    *semaphore.Weighted

	halted        atomic.Bool
	emergencyOnce sync.Once
	emergencyErr  error

	flipMu sync.Mutex
	flips  map[flipSlot]model.FlipRequest

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// NewCoordinator 校验配置并构建全部组件；配置错误在这里直接返回
func NewCoordinator(cfg *service.Config, opts Options, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Exchange == nil {
		return nil, errors.New("exchange is required")
	}
	if logger == nil {
		logger = service.Logger
	}

	sink := opts.Sink
	if sink == nil {
		sink = journal.NewLogSink(logger)
	}

	c := &Coordinator{
		cfg:     cfg,
		ex:      opts.Exchange,
		candles: opts.Candles,
		sink:    sink,
		metrics: opts.Metrics,
		retry:   executor.RetryPolicy{Attempts: cfg.Retry.Attempts, BaseBackoff: cfg.Retry.BaseBackoff},
		logger:  logger,
		now:     time.Now,
		ledger:  ledger.New(),
		guard:   guard.NewCoordinator(cfg.Guard),
		sizer:   sizing.NewCalculator(cfg.Sizing),
		signals: strategy.NewSignalSource(cfg.Trading.UseLiveValues, logger.Named("signals")),
		gate:    semaphore.NewWeighted(defaultGateSize(cfg.Trading.MaxConcurrentCycles)),
		flips:   make(map[flipSlot]model.FlipRequest),
	}
	// 开仓、平仓和紧急平仓的每一次提交 (含重试) 都经过同一个全局节流
	c.retry.Throttle = c.guard.WaitSubmit
	c.closer = closer.New(c.ex, c.ledger, c.guard, sink, c.retry, logger.Named("closer"))
	c.closer.SetDualSide(cfg.Trading.HedgeMode)
	c.stops = stoploss.NewMonitor(cfg.StopLoss, cfg.Trading, stoploss.Deps{
		Exchange: c.ex,
		Ledger:   c.ledger,
		Guard:    c.guard,
		Closer:   c.closer,
		Metrics:  c.metrics,
		Flips:    c,
	}, logger.Named("stoploss"))
	c.recon = reconcile.NewLoop(cfg.Reconcile, cfg.Trading.FlipOnClose, c.ex, c.ledger, c.guard, c.metrics, c,
		logger.Named("reconcile"))

	names := make([]string, 0, len(cfg.Instances))
	for name := range cfg.Instances {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	seen := make(map[string]string)
	for _, name := range names {
		inst := cfg.Instances[name]
		indicators, err := strategy.DecodeIndicators(inst.Indicators)
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", name, err))
			continue
		}
		for _, iv := range inst.Intervals {
			id := inst.Symbol + "@" + iv
			if other, dup := seen[id]; dup {
				errs = append(errs, fmt.Errorf("instance %s: %s already handled by instance %s", name, id, other))
				continue
			}
			seen[id] = name
			w, err := newWorker(c, name, inst, iv, indicators)
			if err != nil {
				errs = append(errs, fmt.Errorf("instance %s: %w", name, err))
				continue
			}
			c.workers = append(c.workers, w)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// SetClock 测试用，同步到各组件
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.ledger.SetClock(now)
	c.guard.SetClock(now)
	c.closer.SetClock(now)
	c.stops.SetClock(now)
	c.recon.SetClock(now)
}

func (c *Coordinator) Ledger() *ledger.Ledger      { return c.ledger }
func (c *Coordinator) Guard() *guard.Coordinator   { return c.guard }
func (c *Coordinator) Workers() []*Worker          { return c.workers }
func (c *Coordinator) Halted() bool                { return c.halted.Load() }
func (c *Coordinator) Config() *service.Config     { return c.cfg }
func (c *Coordinator) StopLoss() *stoploss.Monitor { return c.stops }

// Worker 按 symbol/interval 查找
func (c *Coordinator) Worker(symbol, interval string) (*Worker, bool) {
	for _, w := range c.workers {
		if w.symbol == symbol && w.interval == interval {
			return w, true
		}
	}
	return nil, false
}

// SyncPositionMode 读取交易所持仓模式并同步给平仓器
func (c *Coordinator) SyncPositionMode(ctx context.Context) error {
	dual, err := c.ex.GetDualSideMode(ctx)
	if err != nil {
		return fmt.Errorf("position mode: %w", err)
	}
	if dual != c.cfg.Trading.HedgeMode {
		c.logger.Warn("Exchange position mode differs from config, following exchange",
			zap.Bool("exchange_dual_side", dual), zap.Bool("hedge_mode", c.cfg.Trading.HedgeMode))
	}
	c.closer.SetDualSide(dual)
	return nil
}

// Start 启动所有 worker，立即返回；用 Wait 等待结束
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done != nil {
		return errors.New("coordinator already started")
	}
	if c.candles == nil {
		return errors.New("candle source is required to run workers")
	}
	if err := c.SyncPositionMode(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range c.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	c.logger.Info("Coordinator started", zap.Int("workers", len(c.workers)))

	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		c.runMu.Lock()
		c.runErr = err
		c.runMu.Unlock()
		close(c.done)
	}()
	return nil
}

// Wait 阻塞直到所有 worker 退出
func (c *Coordinator) Wait() error {
	c.runMu.Lock()
	done := c.done
	c.runMu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.runErr
}

// Stop 通知所有 worker 停止，最多等待 timeout
// 不会中断正在进行的请求，超时返回错误
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		c.logger.Info("Coordinator stopped")
		return nil
	case <-t.C:
		c.logger.Warn("Coordinator stop timed out", zap.Duration("timeout", timeout))
		return fmt.Errorf("workers did not stop within %s", timeout)
	}
}

// halt 停机并取消所有 worker
func (c *Coordinator) halt() {
	c.halted.Store(true)
	c.runMu.Lock()
	cancel := c.cancel
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EnqueueFlip 反手请求按 (symbol, interval, indicator) 去重，新的覆盖旧的
func (c *Coordinator) EnqueueFlip(req model.FlipRequest) {
	if c.halted.Load() || !req.Side.Valid() {
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.now()
	}
	c.flipMu.Lock()
	defer c.flipMu.Unlock()
	c.flips[flipSlot{req.Symbol, req.Interval, req.Indicator}] = req
	c.logger.Info("Flip queued",
		zap.String("symbol", req.Symbol), zap.String("interval", req.Interval),
		zap.String("indicator", req.Indicator), zap.String("side", string(req.Side)))
}

// PendingFlips 当前排队的反手请求数
func (c *Coordinator) PendingFlips() int {
	c.flipMu.Lock()
	defer c.flipMu.Unlock()
	return len(c.flips)
}

// takeFlips 取出某 worker 的反手请求，丢弃过期的
func (c *Coordinator) takeFlips(symbol, interval string, ttl time.Duration) []model.FlipRequest {
	now := c.now()
	c.flipMu.Lock()
	defer c.flipMu.Unlock()

	var out []model.FlipRequest
	for k, req := range c.flips {
		if k.symbol != symbol || k.interval != interval {
			continue
		}
		delete(c.flips, k)
		if now.Sub(req.CreatedAt) > ttl {
			c.logger.Debug("Flip request expired",
				zap.String("symbol", symbol), zap.String("interval", interval), zap.String("indicator", k.indicator),
				zap.String("ttl", service.FormatInterval(ttl)))
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Indicator < out[j].Indicator })
	return out
}

// requeueFlip 目标 slot 尚未确认平仓，放回队列等待下一轮
func (c *Coordinator) requeueFlip(req model.FlipRequest) {
	c.flipMu.Lock()
	defer c.flipMu.Unlock()
	k := flipSlot{req.Symbol, req.Interval, req.Indicator}
	if _, newer := c.flips[k]; !newer {
		c.flips[k] = req
	}
}
