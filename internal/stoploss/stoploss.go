// Package stoploss 止损监控
//
// 三种作用域互斥:
//   - per_trade       每笔成交单独计算亏损，只平触发的那一笔
//   - cumulative      同一交易对同一方向所有周期合并计算，触发后整边平仓
//   - entire_account  按账户未实现盈亏计算，触发后由引擎执行紧急全平并停机
package stoploss

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/closer"
	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/guard"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

// 平仓事件的 reason
const (
	ReasonPerTrade      = "stop_loss"
	ReasonCumulative    = "cumulative_stop_loss"
	ReasonEntireAccount = "entire_account_stop"
)

const limitTolerance = 1e-9

// Policy 归一化后的止损配置
type Policy struct {
	Enabled    bool
	Mode       string
	Scope      string
	USDT       float64
	Percent    float64
	UseUSDT    bool
	UsePercent bool
}

// Normalize 容错处理配置: 未知 mode 回退 usdt，未知 scope 回退 per_trade，负数限额视为 0
// 只有限额 > 0 的指标参与判断；启用但没有任何有效限额等同于关闭
func Normalize(cfg service.StopLossConfig) Policy {
	p := Policy{
		Mode:    strings.ToLower(strings.TrimSpace(cfg.Mode)),
		Scope:   strings.ToLower(strings.TrimSpace(cfg.Scope)),
		USDT:    math.Max(0, cfg.USDT),
		Percent: math.Max(0, cfg.Percent),
	}
	switch p.Mode {
	case service.StopLossModeUSDT, service.StopLossModePercent, service.StopLossModeBoth:
	default:
		p.Mode = service.StopLossModeUSDT
	}
	switch p.Scope {
	case service.StopLossScopePerTrade, service.StopLossScopeCumulative, service.StopLossScopeEntireAccount:
	default:
		p.Scope = service.StopLossScopePerTrade
	}
	if math.IsNaN(p.USDT) {
		p.USDT = 0
	}
	if math.IsNaN(p.Percent) {
		p.Percent = 0
	}

	p.UseUSDT = cfg.Enabled && p.Mode != service.StopLossModePercent && p.USDT > 0
	p.UsePercent = cfg.Enabled && p.Mode != service.StopLossModeUSDT && p.Percent > 0
	p.Enabled = p.UseUSDT || p.UsePercent
	return p
}

// Breached loss 为正数表示亏损；pct 为亏损占保证金 (或钱包) 的百分比
func (p Policy) Breached(loss, pct float64) bool {
	if !p.Enabled || loss <= 0 {
		return false
	}
	if p.UseUSDT && loss >= p.USDT-limitTolerance {
		return true
	}
	return p.UsePercent && pct >= p.Percent-limitTolerance
}

// Loss 持仓按最新价计算的亏损，盈利时返回 0
func Loss(side model.Side, entryPrice, lastPrice, qty float64) float64 {
	return math.Max(0, (entryPrice-lastPrice)*qty*side.Direction())
}

// FlipQueue 平仓后反手请求的接收方
type FlipQueue interface {
	EnqueueFlip(model.FlipRequest)
}

// Deps 监控器依赖
type Deps struct {
	Exchange executor.Exchange
	Ledger   *ledger.Ledger
	Guard    *guard.Coordinator
	Closer   *closer.Closer
	Metrics  *metrics.Metrics
	Flips    FlipQueue
}

// Monitor 止损监控器，进程内共享一个
type Monitor struct {
	policy  Policy
	trading service.TradingConfig
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time
}

func NewMonitor(cfg service.StopLossConfig, trading service.TradingConfig, deps Deps, logger *zap.Logger) *Monitor {
	return &Monitor{
		policy:  Normalize(cfg),
		trading: trading,
		deps:    deps,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock 测试用
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Policy 当前生效的策略
func (m *Monitor) Policy() Policy { return m.policy }

// EvaluateAccount 账户级止损判断，只在 entire_account 作用域下生效
// 触发时只返回 true 和原因，全平与停机由调用方负责
func (m *Monitor) EvaluateAccount(ctx context.Context) (bool, string, error) {
	if !m.policy.Enabled || m.policy.Scope != service.StopLossScopeEntireAccount {
		return false, "", nil
	}
	bal, err := m.deps.Exchange.GetAccountBalances(ctx)
	if err != nil {
		return false, "", fmt.Errorf("account balances: %w", err)
	}
	if bal.UnrealizedPnL >= 0 {
		return false, "", nil
	}
	loss := -bal.UnrealizedPnL
	if m.policy.UseUSDT && loss >= m.policy.USDT-limitTolerance {
		return m.accountTriggered(fmt.Sprintf("entire-account-usdt-limit (%.2f)", bal.UnrealizedPnL), loss, 0)
	}
	if m.policy.UsePercent && bal.Wallet > 0 {
		pct := loss / bal.Wallet * 100
		if pct >= m.policy.Percent-limitTolerance {
			return m.accountTriggered(fmt.Sprintf("entire-account-percent-limit (%.2f%%)", pct), loss, pct)
		}
	}
	return false, "", nil
}

func (m *Monitor) accountTriggered(reason string, loss, pct float64) (bool, string, error) {
	m.deps.Metrics.StopLossTriggered(service.StopLossScopeEntireAccount)
	m.logger.Error("Entire account stop-loss triggered",
		zap.String("reason", reason), zap.Float64("loss", loss), zap.Float64("loss_pct", pct))
	return true, reason, nil
}

// Evaluate 对一个 worker 的 (symbol, interval) 做止损检查，返回产生的平仓事件
// positions 为本轮对账拿到的交易所持仓，cumulative 作用域用它计算实时保证金
func (m *Monitor) Evaluate(ctx context.Context, symbol, interval string, lastPrice float64, positions []model.Position) ([]model.TradeEvent, error) {
	if !m.policy.Enabled || lastPrice <= 0 {
		return nil, nil
	}
	switch m.policy.Scope {
	case service.StopLossScopePerTrade:
		return m.evaluatePerTrade(ctx, symbol, interval, lastPrice)
	case service.StopLossScopeCumulative:
		return m.evaluateCumulative(ctx, symbol, interval, lastPrice, positions)
	}
	return nil, nil
}

func (m *Monitor) evaluatePerTrade(ctx context.Context, symbol, interval string, lastPrice float64) ([]model.TradeEvent, error) {
	var (
		events []model.TradeEvent
		errs   []error
	)
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		key := ledger.LegKey{Symbol: symbol, Interval: interval, Side: side}
		leg, ok := m.deps.Ledger.Leg(key)
		if !ok {
			continue
		}
		for _, e := range leg.Entries {
			if e.Qty <= ledger.QtyEpsilon || e.EntryPrice <= 0 {
				continue
			}
			loss := Loss(side, e.EntryPrice, lastPrice, e.Qty)
			if !m.policy.Breached(loss, entryLossPct(e, loss)) {
				continue
			}
			m.logger.Warn("Per-trade stop-loss triggered",
				zap.String("symbol", symbol), zap.String("interval", interval), zap.String("side", string(side)),
				zap.String("ledger_id", e.LedgerID), zap.Float64("loss", loss), zap.Float64("price", lastPrice))
			m.deps.Metrics.StopLossTriggered(service.StopLossScopePerTrade)

			evs, err := m.close(ctx, key, []ledger.Entry{e}, lastPrice, ReasonPerTrade)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, evs...)
		}
	}
	return events, errors.Join(errs...)
}

// entryLossPct 取价格跌幅与保证金亏损比例中较大者
func entryLossPct(e ledger.Entry, loss float64) float64 {
	notional := e.EntryPrice * e.Qty
	if notional <= 0 {
		return 0
	}
	margin := e.Margin
	if margin <= 0 {
		margin = notional
		if e.Leverage > 0 {
			margin = notional / float64(e.Leverage)
		}
	}
	return math.Max(loss/notional*100, loss/margin*100)
}

type sideTotals struct {
	qty    float64
	loss   float64
	margin float64
}

func (m *Monitor) evaluateCumulative(ctx context.Context, symbol, interval string, lastPrice float64, positions []model.Position) ([]model.TradeEvent, error) {
	var (
		events []model.TradeEvent
		errs   []error
	)
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		legs := m.legsForSide(symbol, side)
		if len(legs) == 0 {
			continue
		}
		t := cumulativeTotals(side, lastPrice, legs, positions, symbol)
		if t.qty <= ledger.QtyEpsilon {
			continue
		}
		pct := 0.0
		if t.margin > 0 {
			pct = t.loss / t.margin * 100
		}
		if !m.policy.Breached(t.loss, pct) {
			continue
		}
		m.logger.Warn("Cumulative stop-loss triggered",
			zap.String("symbol", symbol), zap.String("interval", interval), zap.String("side", string(side)),
			zap.Float64("loss", t.loss), zap.Float64("loss_pct", pct), zap.Int("legs", len(legs)))
		m.deps.Metrics.StopLossTriggered(service.StopLossScopeCumulative)

		for _, leg := range legs {
			evs, err := m.close(ctx, leg.Key, leg.Entries, lastPrice, ReasonCumulative)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, evs...)
		}
	}
	return events, errors.Join(errs...)
}

func (m *Monitor) legsForSide(symbol string, side model.Side) []ledger.Leg {
	var out []ledger.Leg
	for _, leg := range m.deps.Ledger.Legs(symbol) {
		if leg.Key.Side == side && leg.Qty > ledger.QtyEpsilon {
			out = append(out, leg)
		}
	}
	return out
}

// cumulativeTotals 优先使用交易所实时持仓 (数量、开仓价、保证金)，没有时退回账本数据
func cumulativeTotals(side model.Side, lastPrice float64, legs []ledger.Leg, positions []model.Position, symbol string) sideTotals {
	var live sideTotals
	for _, p := range positions {
		if p.Symbol != symbol || p.Side() != side || p.Qty() <= ledger.QtyEpsilon || p.EntryPrice <= 0 {
			continue
		}
		live.qty += p.Qty()
		live.loss += Loss(side, p.EntryPrice, lastPrice, p.Qty())
		live.margin += math.Max(0, p.Margin())
	}
	if live.qty > ledger.QtyEpsilon {
		return live
	}

	var booked sideTotals
	for _, leg := range legs {
		for _, e := range leg.Entries {
			booked.qty += e.Qty
			booked.loss += Loss(side, e.EntryPrice, lastPrice, e.Qty)
			booked.margin += e.Margin
		}
	}
	return booked
}

// close 通过唯一平仓路径平掉条目，之后设置重新入场冷却，整边平完时按配置排队反手
func (m *Monitor) close(ctx context.Context, key ledger.LegKey, entries []ledger.Entry, price float64, reason string) ([]model.TradeEvent, error) {
	res, err := m.deps.Closer.Close(ctx, closer.Request{
		Key:     key,
		Entries: entries,
		Price:   price,
		Reason:  reason,
		Owner:   "stoploss:" + key.Symbol + "@" + key.Interval,
	})
	if errors.Is(err, closer.ErrCloseInFlight) {
		// 另一方向正在平仓，下一轮再检查
		return nil, nil
	}
	if err != nil {
		m.logger.Error("Stop-loss close failed",
			zap.String("symbol", key.Symbol), zap.String("interval", key.Interval),
			zap.String("context", "stop_loss"), zap.Error(err))
		return nil, err
	}

	if iv, perr := service.ParseIntervalDuration(key.Interval); perr == nil {
		cooldown := service.CooldownDuration(m.trading.ReentryCooldownSeconds, m.trading.ReentryCooldownBars, iv)
		m.deps.Guard.ArmReentry(key, cooldown)
	}

	if m.trading.FlipOnClose && m.deps.Flips != nil && m.deps.Ledger.TotalQtyForSide(key) <= ledger.QtyEpsilon {
		for _, req := range FlipRequests(key, res.Events, m.now()) {
			m.deps.Flips.EnqueueFlip(req)
		}
	}
	return res.Events, nil
}

// FlipRequests 根据平仓事件生成反方向的开仓请求，每个指标一条
func FlipRequests(key ledger.LegKey, events []model.TradeEvent, now time.Time) []model.FlipRequest {
	seen := make(map[string]int)
	var out []model.FlipRequest
	for _, ev := range events {
		for _, ind := range ev.Signature {
			if i, ok := seen[ind]; ok {
				out[i].Qty += ev.Qty
				continue
			}
			seen[ind] = len(out)
			out = append(out, model.FlipRequest{
				Symbol:      key.Symbol,
				Interval:    key.Interval,
				Indicator:   ind,
				Side:        key.Side.Opposite(),
				Qty:         ev.Qty,
				OriginEvent: ev.EventID,
				CreatedAt:   now,
			})
		}
	}
	return out
}
