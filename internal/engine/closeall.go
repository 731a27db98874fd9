package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/ids"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/sizing"
)

const (
	emergencyPasses   = 3
	emergencyOwner    = "emergency"
	closeDrainTimeout = 10 * time.Second
)

// EmergencyCloseAll 撤掉所有挂单并平掉交易所上全部持仓，清空账本后停机
// 进程内只执行一次，之后的调用返回第一次的结果；调用方的 ctx 取消不会打断平仓
func (c *Coordinator) EmergencyCloseAll(ctx context.Context, reason string) error {
	c.emergencyOnce.Do(func() {
		c.halted.Store(true)
		c.emergencyErr = c.closeAll(context.WithoutCancel(ctx), reason)
		c.halt()
	})
	return c.emergencyErr
}

func (c *Coordinator) closeAll(ctx context.Context, reason string) error {
	log := c.logger.With(zap.String("context", "emergency"), zap.String("reason", reason))
	log.Warn("Emergency close-all started")

	var lastErr error
	for pass := 1; pass <= emergencyPasses; pass++ {
		positions, err := c.ex.ListOpenPositions(ctx, "")
		if err != nil {
			lastErr = fmt.Errorf("pass %d: list positions: %w", pass, err)
			log.Error("Listing positions failed", zap.Int("pass", pass), zap.Error(err))
			continue
		}
		if len(positions) == 0 {
			lastErr = nil
			break
		}

		var errs []error
		for _, sym := range positionSymbols(positions) {
			if err := c.ex.CancelAllOrders(ctx, sym); err != nil {
				log.Warn("Cancel orders failed", zap.String("symbol", sym), zap.Error(err))
			}
		}
		for _, p := range positions {
			if err := c.flattenPosition(ctx, p, reason, log); err != nil {
				errs = append(errs, err)
			}
		}
		lastErr = errors.Join(errs...)
		log.Info("Emergency pass finished", zap.Int("pass", pass), zap.Int("positions", len(positions)),
			zap.Int("failures", len(errs)))
	}

	// 交易所已无仓位但账本仍有残留的条目
	for _, sym := range c.ledger.Symbols() {
		for _, side := range []model.Side{model.SideBuy, model.SideSell} {
			c.purgeLedger(sym, side, 0, reason)
		}
	}
	c.metrics.SetCommittedMargin(c.ledger.TotalMargin())

	if lastErr != nil {
		log.Error("Emergency close-all left positions open", zap.Error(lastErr))
		return lastErr
	}
	log.Warn("Emergency close-all finished, coordinator halted")
	return nil
}

func (c *Coordinator) flattenPosition(ctx context.Context, p model.Position, reason string, log *zap.Logger) error {
	side := p.Side()
	log = log.With(zap.String("symbol", p.Symbol), zap.String("side", string(side)))

	// 等同一交易对上进行中的止损/反手平仓结束，避免重复平仓
	waitCtx, cancel := context.WithTimeout(ctx, closeDrainTimeout)
	release, err := c.guard.WaitClose(waitCtx, p.Symbol, side, emergencyOwner)
	cancel()
	if err != nil {
		log.Warn("Close guard still held, retrying next pass", zap.Error(err))
		return fmt.Errorf("close %s %s: guard busy: %w", p.Symbol, side, err)
	}
	defer release()

	// 拿到锁之后重新读取持仓，前一个平仓可能已经改变数量
	fresh, err := c.ex.ListOpenPositions(ctx, p.Symbol)
	if err != nil {
		log.Error("Position refresh failed", zap.Error(err))
		return err
	}
	var live *model.Position
	for i := range fresh {
		if fresh[i].Symbol == p.Symbol && fresh[i].Side() == side {
			live = &fresh[i]
			break
		}
	}
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	if live == nil {
		c.purgeLedger(p.Symbol, side, price, reason)
		return nil
	}

	filters, err := c.ex.GetSymbolFilters(ctx, p.Symbol)
	if err != nil {
		log.Error("Symbol filters failed", zap.Error(err))
		return err
	}
	qty := sizing.FloorToStep(live.Qty(), filters.StepSize)
	if live.MarkPrice > 0 {
		price = live.MarkPrice
	}
	if qty <= ledger.QtyEpsilon {
		c.purgeLedger(p.Symbol, side, price, reason)
		return nil
	}

	held := c.guard.HoldCloseQty(p.Symbol, side, c.ledger.SymbolSideQty(p.Symbol, side))
	defer held()

	res, err := executor.WithRetry(ctx, c.retry, func(ctx context.Context) (model.OrderResult, error) {
		return c.ex.CloseLegExact(ctx, p.Symbol, qty, side, c.closer.PositionSide(side))
	})
	if err != nil && !executor.IsReduceOnlyConflict(err) {
		log.Error("Emergency close failed", zap.Float64("qty", qty), zap.Error(err))
		return fmt.Errorf("close %s %s: %w", p.Symbol, side, err)
	}
	var fee float64
	if err == nil {
		fee = res.Fee
		if res.AvgPrice > 0 {
			price = res.AvgPrice
		}
	}
	log.Warn("Position closed", zap.Float64("qty", qty), zap.Float64("price", price), zap.Float64("fee", fee))
	c.purgeLedgerWithFee(p.Symbol, side, price, fee, reason)
	return nil
}

// purgeLedger 移除 symbol/side 的全部条目并发出平仓事件；price 为 0 时按开仓价记 (盈亏为 0)
func (c *Coordinator) purgeLedger(symbol string, side model.Side, price float64, reason string) {
	c.purgeLedgerWithFee(symbol, side, price, 0, reason)
}

// purgeLedgerWithFee fee 按条目数量比例分摊
func (c *Coordinator) purgeLedgerWithFee(symbol string, side model.Side, price, fee float64, reason string) {
	now := c.now()
	removed := c.ledger.RemoveSymbolSide(symbol, side)
	var total float64
	for _, r := range removed {
		total += r.Entry.Qty
	}
	for _, r := range removed {
		px := price
		if px <= 0 {
			px = r.Entry.EntryPrice
		}
		ev := model.NewCloseEvent(r.Key.Symbol, r.Key.Interval, r.Key.Side, r.Entry.Qty, px,
			r.Entry.EntryPrice, r.Entry.Margin, r.Entry.Leverage)
		ev.Time = now
		ev.EventID = ids.NewULID(now)
		ev.LedgerID = r.Entry.LedgerID
		ev.Signature = append([]string(nil), r.Entry.Signature...)
		ev.Reason = reason
		if total > 0 {
			ev.Fees = fee * r.Entry.Qty / total
		}
		c.sink.Emit(ev)
	}
}

func positionSymbols(positions []model.Position) []string {
	seen := make(map[string]struct{}, len(positions))
	var out []string
	for _, p := range positions {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}
