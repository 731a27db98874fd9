package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/strategy"
)

// ReasonNetworkOutage 断网升级触发的全平原因
const ReasonNetworkOutage = "network_outage"

// Worker 一个 (symbol, interval) 的执行循环
type Worker struct {
	c          *Coordinator
	name       string
	instance   string
	symbol     string
	interval   string
	iv         time.Duration
	poll       time.Duration
	phase      time.Duration
	leverage   int
	allocation float64
	indicators []strategy.Indicator
	backoff    OutageBackoff
	logger     *zap.Logger
}

func newWorker(c *Coordinator, instance string, inst service.InstanceConfig, interval string, indicators []strategy.Indicator) (*Worker, error) {
	iv, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	poll := c.cfg.Trading.PollInterval
	if poll <= 0 {
		poll = iv
	}
	name := inst.Symbol + "@" + interval
	return &Worker{
		c:          c,
		name:       name,
		instance:   instance,
		symbol:     inst.Symbol,
		interval:   interval,
		iv:         iv,
		poll:       poll,
		phase:      PhaseOffset(inst.Symbol, interval, iv),
		leverage:   c.cfg.EffectiveLeverage(inst),
		allocation: c.cfg.EffectiveAllocation(inst),
		indicators: indicators,
		backoff: OutageBackoff{
			Initial: c.cfg.Outage.InitialBackoff,
			Max:     c.cfg.Outage.MaxBackoff,
			Factor:  c.cfg.Outage.Factor,
		},
		logger: service.ComponentLogger(c.logger, "worker", inst.Symbol, interval),
	}, nil
}

func (w *Worker) Name() string     { return w.name }
func (w *Worker) Symbol() string   { return w.symbol }
func (w *Worker) Interval() string { return w.interval }

// Run 周期循环，直到 ctx 结束或协调器停机
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		zap.String("poll", service.FormatInterval(w.poll)), zap.Duration("phase", w.phase), zap.Int("leverage", w.leverage))
	defer w.logger.Info("Worker stopped")

	if !sleep(ctx, w.phase, &w.c.halted) {
		return w.exitErr(ctx)
	}
	for {
		if w.c.Halted() {
			return nil
		}
		if err := w.c.gate.Acquire(ctx, 1); err != nil {
			return w.exitErr(ctx)
		}
		_, err := w.RunOnce(ctx)
		w.c.gate.Release(1)

		wait, stop := w.afterCycle(ctx, err)
		if stop {
			return nil
		}
		if !sleep(ctx, wait, &w.c.halted) {
			return w.exitErr(ctx)
		}
	}
}

func (w *Worker) exitErr(ctx context.Context) error {
	if w.c.Halted() {
		return nil
	}
	return ctx.Err()
}

// afterCycle 根据本轮结果决定下一次等待；连续断网到达上限时触发紧急全平
func (w *Worker) afterCycle(ctx context.Context, err error) (time.Duration, bool) {
	if errors.Is(err, ErrHalted) {
		return 0, true
	}
	if !isOutage(err) {
		if w.backoff.Current() > 0 {
			w.logger.Info("Connectivity restored", zap.Duration("backoff", w.backoff.Current()))
		}
		w.backoff.Reset()
		w.c.metrics.SetOutageBackoff(w.name, 0)
		return w.poll, false
	}

	wait, escalate := w.backoff.Fail()
	w.c.metrics.SetOutageBackoff(w.name, wait)
	if escalate {
		w.logger.Error("Network outage exceeded backoff ceiling, closing everything",
			zap.String("context", "outage"), zap.Duration("backoff", wait), zap.Error(err))
		if cerr := w.c.EmergencyCloseAll(ctx, ReasonNetworkOutage); cerr != nil {
			w.logger.Error("Emergency close-all failed", zap.String("context", "outage"), zap.Error(cerr))
		}
		return 0, true
	}
	w.logger.Warn("Network failure, backing off",
		zap.String("context", "outage"), zap.Duration("backoff", wait), zap.Error(err))
	return wait, false
}

// isOutage 是否包含网络类失败；业务拒绝和取消不算
func isOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrHalted) {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if isOutage(e) {
				return true
			}
		}
		return false
	}
	return executor.KindOf(err) == executor.KindTransient
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker[%s %s]", w.instance, w.name)
}
