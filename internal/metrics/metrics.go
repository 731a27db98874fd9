// Package metrics 交易引擎的 prometheus 指标
//
//   - trader_orders_total{side,result}        下单结果 (filled|rejected|transient|rate_limited)
//   - trader_order_latency_seconds            下单往返耗时
//   - trader_closes_total{reason,side}        平仓事件按原因统计
//   - trader_realized_{profit,loss}_usdt      累计已实现盈利/亏损
//   - trader_guard_rejections_total{layer}    防重复层拦截次数
//   - trader_stop_loss_triggers_total{scope}  止损触发次数
//   - trader_reconcile_purges_total           对账清理次数
//   - trader_committed_margin_usdt            账本占用保证金
//   - trader_outage_backoff_seconds{worker}   当前断网退避
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crypto-futures-trader/internal/model"
)

// Metrics 所有指标；nil 指针上调用任何方法都是空操作
type Metrics struct {
	orders          *prometheus.CounterVec
	orderLatency    prometheus.Histogram
	closes          *prometheus.CounterVec
	realizedPnL     prometheus.Counter
	realizedLoss    prometheus.Counter
	guardRejections *prometheus.CounterVec
	stopLoss        *prometheus.CounterVec
	purges          prometheus.Counter
	committedMargin prometheus.Gauge
	outageBackoff   *prometheus.GaugeVec
}

// New 创建并注册到 reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order submissions by side and result",
		}, []string{"side", "result"}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_order_latency_seconds",
			Help:    "Round trip latency of order submissions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_closes_total",
			Help: "Close events split by reason and side",
		}, []string{"reason", "side"}),
		realizedPnL: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_realized_profit_usdt",
			Help: "Sum of positive realized PnL",
		}),
		realizedLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_realized_loss_usdt",
			Help: "Sum of realized losses as a positive number",
		}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_guard_rejections_total",
			Help: "Candidates dropped by the duplicate guards",
		}, []string{"layer"}),
		stopLoss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_stop_loss_triggers_total",
			Help: "Stop-loss triggers by scope",
		}, []string{"scope"}),
		purges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_purges_total",
			Help: "Ledger sides purged after consecutive empty exchange reads",
		}),
		committedMargin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_committed_margin_usdt",
			Help: "Margin committed in the position ledger",
		}),
		outageBackoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_outage_backoff_seconds",
			Help: "Current network outage backoff per worker",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.orders, m.orderLatency, m.closes, m.realizedPnL, m.realizedLoss,
		m.guardRejections, m.stopLoss, m.purges, m.committedMargin, m.outageBackoff)
	return m
}

func (m *Metrics) ObserveOrder(side model.Side, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(string(side), result).Inc()
	if latency > 0 {
		m.orderLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) GuardRejected(layer string) {
	if m == nil || layer == "" {
		return
	}
	m.guardRejections.WithLabelValues(layer).Inc()
}

func (m *Metrics) StopLossTriggered(scope string) {
	if m == nil {
		return
	}
	m.stopLoss.WithLabelValues(scope).Inc()
}

func (m *Metrics) Purged() {
	if m == nil {
		return
	}
	m.purges.Inc()
}

func (m *Metrics) SetCommittedMargin(v float64) {
	if m == nil {
		return
	}
	m.committedMargin.Set(v)
}

func (m *Metrics) SetOutageBackoff(worker string, d time.Duration) {
	if m == nil {
		return
	}
	m.outageBackoff.WithLabelValues(worker).Set(d.Seconds())
}

// Emit 作为 journal.Sink 统计平仓事件
func (m *Metrics) Emit(e model.TradeEvent) {
	if m == nil || e.Event != model.EventClose {
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = "other"
	}
	m.closes.WithLabelValues(reason, string(e.Side)).Inc()
	if e.PnL >= 0 {
		m.realizedPnL.Add(e.PnL)
	} else {
		m.realizedLoss.Add(-e.PnL)
	}
}
