package closer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/guard"
	"crypto-futures-trader/internal/ids"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/sizing"
)

// ErrCloseInFlight 同一交易对另一方向的平仓正在进行，本次请求被拒绝
var ErrCloseInFlight = errors.New("close in flight for the other side")

// Sink 平仓事件输出
type Sink interface {
	Emit(model.TradeEvent)
}

// Request 平掉一个 Leg 中指定的条目 (条目整笔平掉)
type Request struct {
	Key     ledger.LegKey
	Entries []ledger.Entry
	Price   float64 // 成交价缺失时用于计算盈亏
	Reason  string
	Owner   string // 平仓锁的持有者，一般是 worker 名
}

// Result 平仓结果
type Result struct {
	Qty         float64 // 实际平掉的数量
	AvgPrice    float64
	Fee         float64
	Events      []model.TradeEvent
	AlreadyFlat bool // 交易所已无对应仓位 (reduce-only 被拒)
}

// Closer 所有平仓路径 (信号反手、止损、紧急平仓) 共用的唯一实现
type Closer struct {
	ex     executor.Exchange
	ledger *ledger.Ledger
	guard  *guard.Coordinator
	sink   Sink
	retry  executor.RetryPolicy
	logger *zap.Logger
	now    func() time.Time

	dualSide bool
}

// New retry 未设置 Throttle 时使用 guard 的全局下单节流
func New(ex executor.Exchange, l *ledger.Ledger, g *guard.Coordinator, sink Sink, retry executor.RetryPolicy, logger *zap.Logger) *Closer {
	if retry.Throttle == nil {
		retry.Throttle = g.WaitSubmit
	}
	return &Closer{ex: ex, ledger: l, guard: g, sink: sink, retry: retry, logger: logger, now: time.Now}
}

// SetDualSide 启动时根据交易所持仓模式设置
func (c *Closer) SetDualSide(dual bool) { c.dualSide = dual }

func (c *Closer) DualSide() bool { return c.dualSide }

// SetClock 测试用
func (c *Closer) SetClock(now func() time.Time) { c.now = now }

// PositionSide 当前模式下 side 对应的 positionSide
func (c *Closer) PositionSide(side model.Side) model.PositionSide {
	if c.dualSide {
		return side.PositionSide()
	}
	return model.PositionSideBoth
}

// Close 在交易所平掉请求条目的总数量，成功后从账本移除并发出平仓事件
func (c *Closer) Close(ctx context.Context, req Request) (Result, error) {
	key := req.Key
	log := c.logger.With(zap.String("symbol", key.Symbol), zap.String("interval", key.Interval),
		zap.String("side", string(key.Side)), zap.String("reason", req.Reason))

	var qty float64
	for _, e := range req.Entries {
		qty += e.Qty
	}
	if qty <= ledger.QtyEpsilon {
		return Result{}, nil
	}

	release, ok := c.guard.AcquireClose(key.Symbol, key.Side, req.Owner)
	if !ok {
		log.Debug("Close rejected, other side in flight")
		return Result{}, ErrCloseInFlight
	}
	defer release()

	filters, err := c.ex.GetSymbolFilters(ctx, key.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("symbol filters: %w", err)
	}
	orderQty := sizing.FloorToStep(qty, filters.StepSize)
	if orderQty <= ledger.QtyEpsilon {
		// 不足一个步长，交易所侧无法下单，只清理账本
		log.Warn("Close qty below step size, dropping dust from ledger", zap.Float64("qty", qty))
		c.drop(key, req.Entries)
		return Result{AlreadyFlat: true}, nil
	}

	// 对账在下单到账本更新之间会扣除这部分数量
	held := c.guard.HoldCloseQty(key.Symbol, key.Side, qty)
	defer held()

	start := c.now()
	res, err := executor.WithRetry(ctx, c.retry, func(ctx context.Context) (model.OrderResult, error) {
		return c.ex.CloseLegExact(ctx, key.Symbol, orderQty, key.Side, c.PositionSide(key.Side))
	})
	latency := c.now().Sub(start)
	if err != nil {
		if executor.IsReduceOnlyConflict(err) {
			// 仓位已被交易所侧平掉 (强平/人工)，账本直接清理
			log.Warn("Reduce-only rejected, treating leg as already flat", zap.Error(err))
			c.drop(key, req.Entries)
			return Result{AlreadyFlat: true}, nil
		}
		log.Error("Close order failed", zap.String("context", "close"), zap.Error(err))
		return Result{}, err
	}

	filled := res.Qty
	if filled <= 0 {
		filled = orderQty
	}
	price := res.AvgPrice
	if price <= 0 {
		price = req.Price
	}

	out := Result{Qty: filled, AvgPrice: price, Fee: res.Fee}
	remaining := filled
	// 交易所按步长向下取整后剩下的尾数也一并从账本移除
	if qty-filled < filters.StepSize-ledger.QtyEpsilon {
		remaining = qty
	}
	booked := remaining
	for _, e := range req.Entries {
		if remaining <= ledger.QtyEpsilon {
			break
		}
		closedQty := e.Qty
		if remaining < e.Qty-ledger.QtyEpsilon {
			closedQty = remaining
			if _, ok := c.ledger.DecrementEntryQty(key, e.LedgerID, e.Qty-remaining); !ok {
				continue
			}
		} else if removed := c.ledger.RemoveEntry(key, e.LedgerID); len(removed) == 0 {
			continue
		}
		remaining -= closedQty

		margin := e.Margin
		if e.Qty > 0 {
			margin = e.Margin * closedQty / e.Qty
		}
		ev := model.NewCloseEvent(key.Symbol, key.Interval, key.Side, closedQty, price, e.EntryPrice, margin, e.Leverage)
		ev.Time = c.now()
		ev.EventID = ids.NewULID(ev.Time)
		ev.LedgerID = e.LedgerID
		ev.Signature = append([]string(nil), e.Signature...)
		ev.Reason = req.Reason
		ev.LatencyMs = latency.Milliseconds()
		ev.Fees = res.Fee * closedQty / booked
		out.Events = append(out.Events, ev)
		if c.sink != nil {
			c.sink.Emit(ev)
		}
	}

	log.Info("Leg closed",
		zap.Float64("qty", filled), zap.Float64("price", price), zap.Int("entries", len(out.Events)),
		zap.Duration("latency", latency))
	return out, nil
}

func (c *Closer) drop(key ledger.LegKey, entries []ledger.Entry) {
	for _, e := range entries {
		c.ledger.RemoveEntry(key, e.LedgerID)
	}
}
