package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/closer"
	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/guard"
	"crypto-futures-trader/internal/ids"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/sizing"
	"crypto-futures-trader/internal/stoploss"
	"crypto-futures-trader/internal/strategy"
)

// 事件 reason
const (
	ReasonSignal     = "signal"
	ReasonFlip       = "flip"
	ReasonSignalExit = "signal_reverse"
)

// 候选被跳过的原因 (不是错误)
const (
	SkipSideRestricted   = "side_restricted"
	SkipMinHold          = "min_hold"
	SkipFlipCooldown     = "flip_cooldown"
	SkipCloseInFlight    = "close_in_flight"
	SkipCloseFailed      = "close_failed"
	SkipSlotOccupied     = "slot_occupied"
	SkipOppositeExposure = "opposite_exposure"
)

const clientOrderPrefix = "cft"

// CycleReport 一轮执行的结果
type CycleReport struct {
	Bar      time.Time
	Price    float64
	Signals  map[string]strategy.Signal
	Closed   []model.TradeEvent
	Opened   []model.TradeEvent
	Rejected map[string]guard.Rejection // indicator -> 防重复拦截层
	Skipped  map[string]string          // indicator -> 跳过原因
	Halted   bool
}

type candidate struct {
	indicator string
	side      model.Side
	signature []string
	reason    string
}

// RunOnce 执行一轮，步骤严格按顺序:
// 账户止损 → 对账 → K 线与信号 → 单笔/累计止损 → slot 内先平后开 → 反手队列 → 防重复 → 限速提交 → 记账与事件
// 交易所调用失败只记录，继续处理剩余候选；返回值汇总本轮所有交易所错误
func (w *Worker) RunOnce(ctx context.Context) (CycleReport, error) {
	c := w.c
	rep := CycleReport{
		Rejected: make(map[string]guard.Rejection),
		Skipped:  make(map[string]string),
	}
	if c.Halted() {
		return rep, ErrHalted
	}
	var errs []error

	// 1. 账户级止损
	triggered, reason, err := c.stops.EvaluateAccount(ctx)
	if err != nil {
		w.logger.Warn("Account stop evaluation failed", zap.String("context", "account_stop"), zap.Error(err))
		errs = append(errs, err)
	}
	if triggered {
		if cerr := c.EmergencyCloseAll(ctx, stoploss.ReasonEntireAccount+": "+reason); cerr != nil {
			w.logger.Error("Emergency close-all failed", zap.String("context", "account_stop"), zap.Error(cerr))
		}
		rep.Halted = true
		return rep, ErrHalted
	}

	// 2. 对账
	recon, err := c.recon.Run(ctx, w.symbol)
	if err != nil {
		w.logger.Warn("Reconciliation failed", zap.String("context", "reconcile"), zap.Error(err))
		errs = append(errs, err)
	}

	// 3. K 线与信号
	candles, err := c.candles.Candles(ctx, w.symbol, w.interval, c.cfg.Trading.Lookback)
	if err != nil {
		w.logger.Warn("Candle fetch failed", zap.String("context", "candles"), zap.Error(err))
		errs = append(errs, err)
		return rep, errors.Join(errs...)
	}
	if len(candles) < 2 {
		w.logger.Debug("Not enough candles", zap.Int("candles", len(candles)))
		return rep, errors.Join(errs...)
	}
	at := len(candles) - 2
	if c.cfg.Trading.UseLiveValues {
		at = len(candles) - 1
	}
	rep.Bar = candles[at].StartTime
	rep.Price = candles[len(candles)-1].Close
	rep.Signals = c.signals.Evaluate(candles, w.indicators)

	// 4. 单笔 / 累计止损
	closed, err := c.stops.Evaluate(ctx, w.symbol, w.interval, rep.Price, recon.Positions)
	rep.Closed = append(rep.Closed, closed...)
	if err != nil {
		errs = append(errs, err)
	}

	if c.Halted() || ctx.Err() != nil {
		return rep, errors.Join(errs...)
	}

	// 5. 每个指标的动作: 先平同 slot 的反方向，再作为开仓候选
	candidates := w.planSignals(ctx, &rep, &errs)

	// 6. 反手队列
	candidates = w.drainFlips(candidates, &rep)

	// 7-9. 防重复、提交、记账
	for _, cand := range candidates {
		if c.Halted() || ctx.Err() != nil {
			break
		}
		if err := w.open(ctx, cand, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	c.metrics.SetCommittedMargin(c.ledger.TotalMargin())
	return rep, errors.Join(errs...)
}

func (w *Worker) planSignals(ctx context.Context, rep *CycleReport, errs *[]error) []candidate {
	keys := make([]string, 0, len(rep.Signals))
	for k := range rep.Signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []candidate
	for _, ind := range keys {
		sig := rep.Signals[ind]
		side, ok := sig.Action.Side()
		if !ok {
			continue
		}
		if !w.closeOpposite(ctx, ind, side, rep, errs) {
			continue
		}
		if !w.sideAllowed(side) {
			rep.Skipped[ind] = SkipSideRestricted
			continue
		}
		out = append(out, candidate{indicator: ind, side: side, signature: sig.Signature, reason: ReasonSignal})
	}
	return out
}

// closeOpposite 平掉 (symbol, interval, indicator) 上与 side 相反的条目
// 只有 slot 反方向确认为空时返回 true；不会触碰其他周期或其他指标的仓位
func (w *Worker) closeOpposite(ctx context.Context, indicator string, side model.Side, rep *CycleReport, errs *[]error) bool {
	c := w.c
	slot := ledger.SlotKey{Symbol: w.symbol, Interval: w.interval, Indicator: indicator, Side: side.Opposite()}
	entries := c.ledger.SlotEntries(slot)
	if len(entries) == 0 {
		return true
	}

	if left := c.guard.FlipCooldownRemaining(w.symbol, w.interval, indicator); left > 0 {
		rep.Skipped[indicator] = SkipFlipCooldown
		w.logger.Debug("Flip cooldown active", zap.String("indicator", indicator), zap.Duration("remaining", left))
		return false
	}
	hold := service.CooldownDuration(c.cfg.Trading.MinPositionHoldSeconds, c.cfg.Trading.MinPositionHoldBars, w.iv)
	now := c.now()
	for _, e := range entries {
		if now.Sub(e.OpenedAt) < hold {
			rep.Skipped[indicator] = SkipMinHold
			w.logger.Debug("Entry younger than min hold, not reversing",
				zap.String("indicator", indicator), zap.String("ledger_id", e.LedgerID),
				zap.Duration("age", now.Sub(e.OpenedAt)), zap.Duration("hold", hold))
			return false
		}
	}

	res, err := c.closer.Close(ctx, closer.Request{
		Key:     slot.Leg(),
		Entries: entries,
		Price:   rep.Price,
		Reason:  ReasonSignalExit,
		Owner:   w.name,
	})
	if errors.Is(err, closer.ErrCloseInFlight) {
		rep.Skipped[indicator] = SkipCloseInFlight
		return false
	}
	if err != nil {
		rep.Skipped[indicator] = SkipCloseFailed
		w.logger.Error("Signal close failed",
			zap.String("indicator", indicator), zap.String("context", "signal_close"), zap.Error(err))
		*errs = append(*errs, err)
		return false
	}
	rep.Closed = append(rep.Closed, res.Events...)
	c.guard.ArmFlipCooldown(w.symbol, w.interval, indicator,
		service.CooldownDuration(c.cfg.Trading.FlipCooldownSeconds, c.cfg.Trading.FlipCooldownBars, w.iv))

	if c.ledger.HasOpen(slot) {
		rep.Skipped[indicator] = SkipCloseFailed
		return false
	}
	w.logger.Info("Slot reversed",
		zap.String("indicator", indicator), zap.String("from", string(slot.Side)), zap.String("to", string(side)),
		zap.Float64("qty", res.Qty), zap.Bool("already_flat", res.AlreadyFlat))
	return true
}

// drainFlips 合并排队的反手请求；目标 slot 反方向未确认为空的请求放回队列
func (w *Worker) drainFlips(cands []candidate, rep *CycleReport) []candidate {
	c := w.c
	taken := make(map[string]bool, len(cands))
	for _, cand := range cands {
		taken[cand.indicator] = true
	}
	for _, req := range c.takeFlips(w.symbol, w.interval, w.flipTTL()) {
		if taken[req.Indicator] {
			// 本轮已有该指标的新信号
			continue
		}
		if s, ok := rep.Signals[req.Indicator]; ok {
			if side, ok := s.Action.Side(); ok && side != req.Side {
				continue
			}
		}
		opp := ledger.SlotKey{Symbol: req.Symbol, Interval: req.Interval, Indicator: req.Indicator, Side: req.Side.Opposite()}
		if c.ledger.HasOpen(opp) {
			c.requeueFlip(req)
			continue
		}
		if !w.sideAllowed(req.Side) {
			rep.Skipped[req.Indicator] = SkipSideRestricted
			continue
		}
		taken[req.Indicator] = true
		cands = append(cands, candidate{
			indicator: req.Indicator,
			side:      req.Side,
			signature: []string{req.Indicator},
			reason:    ReasonFlip,
		})
	}
	return cands
}

// open 防重复检查通过后下单并记账
func (w *Worker) open(ctx context.Context, cand candidate, rep *CycleReport) error {
	c := w.c
	key := ledger.LegKey{Symbol: w.symbol, Interval: w.interval, Side: cand.side}
	slot := ledger.SlotKey{Symbol: w.symbol, Interval: w.interval, Indicator: cand.indicator, Side: cand.side}
	sig := ledger.SignatureString(cand.signature)
	log := w.logger.With(zap.String("indicator", cand.indicator), zap.String("side", string(cand.side)))

	if !c.closer.DualSide() && c.ledger.SymbolSideQty(w.symbol, cand.side.Opposite()) > ledger.QtyEpsilon {
		// 单向持仓模式下反方向仍有仓位，开仓会被交易所净额抵消
		rep.Skipped[cand.indicator] = SkipOppositeExposure
		log.Debug("Opposite exposure in one-way mode, skipping open")
		return nil
	}
	if c.cfg.Trading.SlotExclusive && c.ledger.HasOpen(slot) {
		rep.Skipped[cand.indicator] = SkipSlotOccupied
		log.Debug("Slot already holds an entry")
		return nil
	}

	window := c.guard.Window(w.iv)
	if rej := c.guard.Admit(key, rep.Bar, sig, window); rej != guard.Admitted {
		rep.Rejected[cand.indicator] = rej
		c.metrics.GuardRejected(string(rej))
		log.Debug("Guard rejected candidate", zap.String("layer", string(rej)), zap.Time("bar", rep.Bar))
		return nil
	}
	success := false
	defer func() { c.guard.EndOpen(key, sig, success) }()
	release := func() { c.guard.ReleaseBar(key, rep.Bar, sig) }

	filters, err := c.ex.GetSymbolFilters(ctx, w.symbol)
	if err != nil {
		release()
		log.Error("Symbol filters failed", zap.String("context", "open"), zap.Error(err))
		return err
	}
	bal, err := c.ex.GetAccountBalances(ctx)
	if err != nil {
		release()
		log.Error("Account balances failed", zap.String("context", "open"), zap.Error(err))
		return err
	}
	dec, err := c.sizer.Size(sizing.Input{
		WalletBalance:    bal.Wallet,
		AvailableBalance: bal.Available,
		CommittedMargin:  c.ledger.TotalMargin(),
		Allocation:       w.allocation,
		Leverage:         w.leverage,
		Price:            rep.Price,
		SlotMargin:       c.ledger.CommittedMargin(slot),
		Filters:          filters,
	})
	if err != nil {
		release()
		log.Error("Sizing failed", zap.String("context", "sizing"), zap.Error(err))
		return fmt.Errorf("size %s %s: %w", w.name, cand.indicator, err)
	}
	if dec.Skip {
		rep.Skipped[cand.indicator] = dec.Reason
		log.Info("Sizing skipped candidate",
			zap.String("reason", dec.Reason), zap.Float64("target_margin", dec.TargetMargin),
			zap.Float64("needed_margin", dec.NeededMargin), zap.Float64("qty", dec.Qty))
		return nil
	}

	if c.Halted() {
		release()
		return nil
	}

	req := executor.OrderRequest{
		Symbol:        w.symbol,
		Side:          cand.side,
		Qty:           dec.Qty,
		Leverage:      w.leverage,
		PositionSide:  c.closer.PositionSide(cand.side),
		ClientOrderID: ids.ClientOrderID(clientOrderPrefix),
	}
	start := time.Now()
	res, err := executor.WithRetry(ctx, c.retry, func(ctx context.Context) (model.OrderResult, error) {
		return c.ex.PlaceMarketOrder(ctx, req)
	})
	latency := time.Since(start)
	if err != nil && ctx.Err() != nil {
		// 停机期间限速等待或提交被取消
		release()
		return nil
	}
	if err != nil {
		release()
		c.metrics.ObserveOrder(cand.side, executor.KindOf(err).String(), latency)
		log.Error("Order failed",
			zap.String("context", "open"), zap.Float64("qty", dec.Qty), zap.String("client_order_id", req.ClientOrderID),
			zap.Error(err))
		return err
	}
	success = true

	qty := res.Qty
	if qty <= 0 {
		qty = dec.Qty
	}
	price := res.AvgPrice
	if price <= 0 {
		price = rep.Price
	}
	now := c.now()
	entry := ledger.Entry{
		LedgerID:   ids.LedgerID(w.symbol, w.interval, string(cand.side), now),
		Qty:        qty,
		EntryPrice: price,
		Margin:     qty * price / float64(w.leverage),
		Leverage:   w.leverage,
		Signature:  cand.signature,
		OpenedAt:   now,
	}
	if !c.ledger.AppendEntry(key, entry) {
		log.Error("Ledger rejected filled entry", zap.String("ledger_id", entry.LedgerID))
	}

	ev := model.TradeEvent{
		EventID:    ids.NewULID(now),
		Event:      model.EventOpen,
		Symbol:     w.symbol,
		Interval:   w.interval,
		Side:       cand.side,
		Qty:        qty,
		Price:      price,
		EntryPrice: price,
		Margin:     entry.Margin,
		Leverage:   w.leverage,
		Fees:       res.Fee,
		LatencyMs:  latency.Milliseconds(),
		LedgerID:   entry.LedgerID,
		Signature:  ledger.NormalizeSignature(cand.signature),
		Reason:     cand.reason,
		Time:       now,
	}
	c.sink.Emit(ev)
	c.metrics.ObserveOrder(cand.side, "filled", latency)
	rep.Opened = append(rep.Opened, ev)

	log.Info("Order filled",
		zap.Float64("qty", qty), zap.Float64("price", price), zap.String("ledger_id", entry.LedgerID),
		zap.String("reason", cand.reason), zap.Bool("bumped", dec.Bumped), zap.Duration("latency", latency))
	return nil
}

func (w *Worker) sideAllowed(side model.Side) bool {
	switch strings.ToUpper(w.c.cfg.Trading.Side) {
	case service.SideBuy:
		return side == model.SideBuy
	case service.SideSell:
		return side == model.SideSell
	}
	return true
}

// flipTTL 反手请求的有效期
func (w *Worker) flipTTL() time.Duration {
	ttl := 2 * w.iv
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return ttl
}
