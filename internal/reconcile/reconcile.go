package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/guard"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

// FlipQueue 清理后需要反手时的接收方
type FlipQueue interface {
	EnqueueFlip(model.FlipRequest)
}

type missKey struct {
	symbol string
	side   model.Side
}

type missState struct {
	count int
	last  time.Time
}

// Result 一次对账的结果
type Result struct {
	Positions []model.Position // 交易所返回的持仓，供止损复用
	Purged    []ledger.Removed
	Scaled    int
}

// Loop 对账: 交易所持仓与账本比对
// 账本有仓而交易所为空时，需要连续两次 (间隔不小于 MinMissSpacing) 空读才清理账本
type Loop struct {
	cfg     service.ReconcileConfig
	flip    bool
	ex      executor.Exchange
	ledger  *ledger.Ledger
	guard   *guard.Coordinator
	metrics *metrics.Metrics
	flips   FlipQueue
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	misses map[missKey]*missState
}

func NewLoop(cfg service.ReconcileConfig, flipOnClose bool, ex executor.Exchange, l *ledger.Ledger, g *guard.Coordinator,
	m *metrics.Metrics, flips FlipQueue, logger *zap.Logger) *Loop {
	if cfg.MissThreshold < 1 {
		cfg.MissThreshold = 2
	}
	return &Loop{
		cfg:     cfg,
		flip:    flipOnClose,
		ex:      ex,
		ledger:  l,
		guard:   g,
		metrics: m,
		flips:   flips,
		logger:  logger,
		now:     time.Now,
		misses:  make(map[missKey]*missState),
	}
}

// SetClock 测试用
func (r *Loop) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Misses 当前连续空读次数
func (r *Loop) Misses(symbol string, side model.Side) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.misses[missKey{symbol, side}]; st != nil {
		return st.count
	}
	return 0
}

// Run 对一个交易对执行一次对账
// 拉取持仓失败时直接返回错误，不计入空读
func (r *Loop) Run(ctx context.Context, symbol string) (Result, error) {
	positions, err := r.ex.ListOpenPositions(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("list positions %s: %w", symbol, err)
	}
	res := Result{Positions: positions}

	exposure := map[model.Side]float64{}
	for _, p := range positions {
		if p.Symbol == symbol {
			exposure[p.Side()] += p.Qty()
		}
	}

	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		// 先读在途平仓量再读账本: 平仓在下单前登记、账本更新后注销，
		// 这个顺序下已成交但未记账的数量一定会被扣除
		closing := r.guard.PendingCloseQty(symbol, side)
		booked := r.ledger.SymbolSideQty(symbol, side) - closing
		live := exposure[side]
		switch {
		case booked <= ledger.QtyEpsilon:
			r.resetMiss(symbol, side)
		case closing > ledger.QtyEpsilon && live < booked-ledger.QtyEpsilon:
			// 平仓进行中，等账本落定后下一轮再比较
			r.logger.Debug("Close in flight, deferring reconciliation",
				zap.String("symbol", symbol), zap.String("side", string(side)),
				zap.Float64("ledger_qty", booked), zap.Float64("exchange_qty", live), zap.Float64("closing_qty", closing))
		case live <= ledger.QtyEpsilon:
			if r.recordMiss(symbol, side) {
				res.Purged = append(res.Purged, r.purge(symbol, side)...)
			}
		default:
			r.resetMiss(symbol, side)
			if live < booked-ledger.QtyEpsilon {
				n := r.ledger.ScaleSymbolSide(symbol, side, live)
				res.Scaled += n
				r.logger.Warn("Exchange exposure below ledger, scaled entries down",
					zap.String("symbol", symbol), zap.String("side", string(side)),
					zap.Float64("ledger_qty", booked), zap.Float64("exchange_qty", live), zap.Int("entries", n))
			}
		}
	}
	return res, nil
}

// recordMiss 记录一次空读，达到阈值时返回 true 并清零
func (r *Loop) recordMiss(symbol string, side model.Side) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := missKey{symbol, side}
	st := r.misses[k]
	if st == nil {
		st = &missState{}
		r.misses[k] = st
	}
	now := r.now()
	// 间隔太近的两次读取视为同一次
	if st.count > 0 && now.Sub(st.last) < r.cfg.MinMissSpacing {
		return false
	}
	st.count++
	st.last = now
	r.logger.Debug("Ledger exposure missing on exchange",
		zap.String("symbol", symbol), zap.String("side", string(side)), zap.Int("misses", st.count))
	if st.count < r.cfg.MissThreshold {
		return false
	}
	delete(r.misses, k)
	return true
}

func (r *Loop) resetMiss(symbol string, side model.Side) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.misses, missKey{symbol, side})
}

func (r *Loop) purge(symbol string, side model.Side) []ledger.Removed {
	removed := r.ledger.RemoveSymbolSide(symbol, side)
	if len(removed) == 0 {
		return nil
	}
	r.metrics.Purged()
	r.logger.Warn("Exchange flat, purged ledger entries",
		zap.String("symbol", symbol), zap.String("side", string(side)), zap.Int("entries", len(removed)))

	r.mu.Lock()
	now := r.now()
	r.mu.Unlock()

	type flipKey struct {
		key       ledger.LegKey
		indicator string
	}
	seen := make(map[flipKey]int)
	var flips []model.FlipRequest
	for _, rm := range removed {
		window := time.Duration(0)
		if iv, err := service.ParseIntervalDuration(rm.Key.Interval); err == nil {
			window = r.guard.Window(iv)
		}
		r.guard.BlockSignal(rm.Key, ledger.SignatureString(rm.Entry.Signature), window)

		if !r.flip || r.flips == nil {
			continue
		}
		for _, ind := range rm.Entry.Signature {
			fk := flipKey{rm.Key, ind}
			if i, ok := seen[fk]; ok {
				flips[i].Qty += rm.Entry.Qty
				continue
			}
			seen[fk] = len(flips)
			flips = append(flips, model.FlipRequest{
				Symbol:      symbol,
				Interval:    rm.Key.Interval,
				Indicator:   ind,
				Side:        side.Opposite(),
				Qty:         rm.Entry.Qty,
				OriginEvent: rm.Entry.LedgerID,
				CreatedAt:   now,
			})
		}
	}
	for _, f := range flips {
		r.flips.EnqueueFlip(f)
	}
	return removed
}
