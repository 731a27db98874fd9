package executor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/model"
)

// 故障注入的操作名
const (
	OpPositions = "positions"
	OpPlace     = "place"
	OpClose     = "close"
	OpFilters   = "filters"
	OpBalances  = "balances"
	OpCancel    = "cancel"
	OpDualSide  = "dual_side"
)

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	InitialCapital float64 // 初始资金
	FeeRate        float64 // 交易手续费率 (例如 0.0004)
	Filters        model.SymbolFilters
	DualSide       bool
}

// TradeRecord 记录一次平仓
type TradeRecord struct {
	EntryTime     time.Time
	ExitTime      time.Time
	Symbol        string
	Side          model.Side
	EntryPrice    float64
	ExitPrice     float64
	Size          float64
	RealizedPnL   float64
	Fee           float64
	TriggerReason string // "Close", "Liquidation"
}

type simKey struct {
	symbol string
	side   model.Side
}

// simPosition 模拟逐仓持仓
type simPosition struct {
	Symbol           string
	Side             model.Side
	Size             float64
	AvgPrice         float64
	Margin           float64
	Leverage         int
	LiquidationPrice float64
	EntryTime        time.Time
}

// Simulator 纸面交易所，实现 Exchange 接口
type Simulator struct {
	cfg    SimulatorConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	balance   float64 // 钱包余额 (包含已实现盈亏和手续费)
	prices    map[string]float64
	positions map[simKey]*simPosition
	history   []TradeRecord
	faults    map[string][]error
	calls     map[string]int
	nextID    int64
}

// NewSimulator 构造函数
func NewSimulator(cfg SimulatorConfig, logger *zap.Logger) *Simulator {
	return &Simulator{
		cfg:       cfg,
		logger:    logger.With(zap.String("executor", "Simulator")),
		now:       time.Now,
		balance:   cfg.InitialCapital,
		prices:    make(map[string]float64),
		positions: make(map[simKey]*simPosition),
		faults:    make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// InjectFault 让 op 的后续调用依次返回 errs
func (e *Simulator) InjectFault(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], errs...)
}

// Calls 某操作被调用的次数
func (e *Simulator) Calls(op string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calls[op]
}

func (e *Simulator) enterLocked(op string) error {
	e.calls[op]++
	if q := e.faults[op]; len(q) > 0 {
		err := q[0]
		e.faults[op] = q[1:]
		return err
	}
	return nil
}

// SetPrice 更新最新价格，并检查强平
func (e *Simulator) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices[symbol] = price
	for k, pos := range e.positions {
		if k.symbol != symbol || !e.checkLiquidation(pos, price) {
			continue
		}
		// 逐仓强平：损失全部保证金
		e.balance -= pos.Margin
		e.history = append(e.history, TradeRecord{
			EntryTime:     pos.EntryTime,
			ExitTime:      e.now(),
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			EntryPrice:    pos.AvgPrice,
			ExitPrice:     price,
			Size:          pos.Size,
			RealizedPnL:   -pos.Margin,
			TriggerReason: "Liquidation",
		})
		e.logger.Warn("Sim LIQUIDATION",
			zap.String("symbol", symbol), zap.String("side", string(pos.Side)),
			zap.Float64("price", price), zap.Float64("lost_margin", pos.Margin))
		delete(e.positions, k)
	}
}

// ForceClose 模拟人工在交易所端平仓
func (e *Simulator) ForceClose(symbol string, side model.Side) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[simKey{symbol, side}]; ok {
		e.realizeLocked(pos, pos.Size, e.prices[symbol], "Manual")
	}
}

// PlaceMarketOrder 模拟下单和执行
func (e *Simulator) PlaceMarketOrder(ctx context.Context, req OrderRequest) (model.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enterLocked(OpPlace); err != nil {
		return model.OrderResult{}, err
	}
	if req.ReduceOnly {
		return e.closeLocked(req.Symbol, req.Qty, req.Side.Opposite())
	}

	price := e.prices[req.Symbol]
	if price <= 0 {
		return model.OrderResult{}, Rejected(-1121, "no price for "+req.Symbol)
	}
	if err := e.checkFiltersLocked(req.Qty, price); err != nil {
		return model.OrderResult{}, err
	}
	lev := req.Leverage
	if lev < 1 {
		lev = 1
	}

	// 单向持仓模式：先抵消反方向仓位
	qty := req.Qty
	var nettingFee float64
	if !e.cfg.DualSide {
		if opp, ok := e.positions[simKey{req.Symbol, req.Side.Opposite()}]; ok {
			n := math.Min(qty, opp.Size)
			nettingFee = e.realizeLocked(opp, n, price, "Netting")
			qty -= n
		}
	}

	fee := qty * price * e.cfg.FeeRate
	if qty > 0 {
		requiredMargin := qty * price / float64(lev)
		if requiredMargin+fee > e.availableLocked()+1e-9 {
			e.logger.Info("Sim Rejected: insufficient margin",
				zap.Float64("need", requiredMargin+fee), zap.Float64("have", e.availableLocked()))
			return model.OrderResult{}, Rejected(-2019, "Margin is insufficient.")
		}

		k := simKey{req.Symbol, req.Side}
		pos := e.positions[k]
		if pos == nil {
			pos = &simPosition{Symbol: req.Symbol, Side: req.Side, Leverage: lev, EntryTime: e.now()}
			e.positions[k] = pos
		}
		pos.AvgPrice = (pos.AvgPrice*pos.Size + price*qty) / (pos.Size + qty)
		pos.Size += qty
		pos.Margin += requiredMargin
		pos.Leverage = lev
		pos.LiquidationPrice = e.calculateLiquidationPrice(pos.AvgPrice, pos.Side, float64(lev))
	}
	e.balance -= fee

	e.nextID++
	e.logger.Info("Sim ORDER FILLED (OPEN)",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty), zap.Float64("price", price), zap.Float64("fee", fee+nettingFee))
	return model.OrderResult{
		OrderID:       e.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  e.positionSide(req.Side),
		Qty:           req.Qty,
		AvgPrice:      price,
		Fee:           fee + nettingFee,
		Status:        "FILLED",
	}, nil
}

// CloseLegExact 平掉 side 方向 qty 数量
func (e *Simulator) CloseLegExact(ctx context.Context, symbol string, qty float64, side model.Side, _ model.PositionSide) (model.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enterLocked(OpClose); err != nil {
		return model.OrderResult{}, err
	}
	return e.closeLocked(symbol, qty, side)
}

func (e *Simulator) closeLocked(symbol string, qty float64, side model.Side) (model.OrderResult, error) {
	pos, ok := e.positions[simKey{symbol, side}]
	if !ok || qty > pos.Size+1e-9 {
		return model.OrderResult{}, Rejected(CodeReduceOnlyRejected, "ReduceOnly Order is rejected.")
	}
	price := e.prices[symbol]
	if price <= 0 {
		price = pos.AvgPrice
	}
	fee := e.realizeLocked(pos, math.Min(qty, pos.Size), price, "Close")

	e.nextID++
	return model.OrderResult{
		OrderID:      e.nextID,
		Symbol:       symbol,
		Side:         side.Opposite(),
		PositionSide: e.positionSide(side),
		Qty:          qty,
		AvgPrice:     price,
		Fee:          fee,
		Status:       "FILLED",
		ReduceOnly:   true,
	}, nil
}

// realizeLocked 按比例释放保证金并结算盈亏，返回手续费
func (e *Simulator) realizeLocked(pos *simPosition, qty, price float64, reason string) float64 {
	if qty <= 0 {
		return 0
	}
	pnl := e.calculateClosedPnL(pos, qty, price)
	fee := qty * price * e.cfg.FeeRate
	e.balance += pnl - fee

	e.history = append(e.history, TradeRecord{
		EntryTime:     pos.EntryTime,
		ExitTime:      e.now(),
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryPrice:    pos.AvgPrice,
		ExitPrice:     price,
		Size:          qty,
		RealizedPnL:   pnl,
		Fee:           fee,
		TriggerReason: reason,
	})

	frac := qty / pos.Size
	pos.Margin -= pos.Margin * frac
	pos.Size -= qty
	if pos.Size <= 1e-12 {
		delete(e.positions, simKey{pos.Symbol, pos.Side})
	}
	e.logger.Info("Sim POSITION CLOSED",
		zap.String("symbol", pos.Symbol), zap.String("side", string(pos.Side)),
		zap.Float64("qty", qty), zap.Float64("price", price),
		zap.Float64("pnl", pnl), zap.Float64("balance", e.balance), zap.String("reason", reason))
	return fee
}

func (e *Simulator) checkFiltersLocked(qty, price float64) error {
	f := e.cfg.Filters
	if f.MinQty > 0 && qty < f.MinQty-1e-12 {
		return Rejected(-4003, fmt.Sprintf("quantity %v less than min %v", qty, f.MinQty))
	}
	if f.StepSize > 0 {
		steps := qty / f.StepSize
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			return Rejected(-1111, "precision is over the maximum defined for this asset")
		}
	}
	if f.MinNotional > 0 && qty*price < f.MinNotional-1e-9 {
		return Rejected(-4164, "order's notional must be no smaller than min notional")
	}
	return nil
}

func (e *Simulator) positionSide(side model.Side) model.PositionSide {
	if e.cfg.DualSide {
		return side.PositionSide()
	}
	return model.PositionSideBoth
}

// calculateLiquidationPrice 计算强平价格 (简化模型，使用初始保证金率)
func (e *Simulator) calculateLiquidationPrice(avgPrice float64, side model.Side, leverage float64) float64 {
	if leverage <= 1 {
		return 0.0
	}
	marginRatio := 1.0 / leverage
	if side == model.SideBuy {
		return avgPrice * (1.0 - marginRatio)
	}
	return avgPrice * (1.0 + marginRatio)
}

// checkLiquidation 检查是否触发强平
func (e *Simulator) checkLiquidation(pos *simPosition, price float64) bool {
	if pos.LiquidationPrice == 0 {
		return false
	}
	if pos.Side == model.SideBuy {
		return price <= pos.LiquidationPrice
	}
	return price >= pos.LiquidationPrice
}

// calculateClosedPnL 计算已实现盈亏
func (e *Simulator) calculateClosedPnL(pos *simPosition, qty, closePrice float64) float64 {
	return (closePrice - pos.AvgPrice) * qty * pos.Side.Direction()
}

func (e *Simulator) unrealizedLocked() float64 {
	var upl float64
	for k, pos := range e.positions {
		if price := e.prices[k.symbol]; price > 0 {
			upl += e.calculateClosedPnL(pos, pos.Size, price)
		}
	}
	return upl
}

func (e *Simulator) availableLocked() float64 {
	used := 0.0
	for _, pos := range e.positions {
		used += pos.Margin
	}
	return e.balance - used
}

// ListOpenPositions 返回模拟持仓
func (e *Simulator) ListOpenPositions(ctx context.Context, symbol string) ([]model.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enterLocked(OpPositions); err != nil {
		return nil, err
	}

	var out []model.Position
	for k, pos := range e.positions {
		if symbol != "" && k.symbol != symbol {
			continue
		}
		mark := e.prices[k.symbol]
		if mark <= 0 {
			mark = pos.AvgPrice
		}
		out = append(out, model.Position{
			Symbol:         pos.Symbol,
			PositionSide:   e.positionSide(pos.Side),
			Amount:         pos.Size * pos.Side.Direction(),
			EntryPrice:     pos.AvgPrice,
			MarkPrice:      mark,
			UnrealizedPnL:  e.calculateClosedPnL(pos, pos.Size, mark),
			IsolatedWallet: pos.Margin,
			Notional:       pos.Size * mark * pos.Side.Direction(),
			Leverage:       float64(pos.Leverage),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Amount > out[j].Amount
	})
	return out, nil
}

func (e *Simulator) GetSymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enterLocked(OpFilters); err != nil {
		return model.SymbolFilters{}, err
	}
	return e.cfg.Filters, nil
}

// GetAccountBalances 钱包余额 / 可用余额 / 浮动盈亏
func (e *Simulator) GetAccountBalances(ctx context.Context) (model.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enterLocked(OpBalances); err != nil {
		return model.Balances{}, err
	}
	upl := e.unrealizedLocked()
	return model.Balances{
		Wallet:        e.balance,
		Available:     e.availableLocked() + math.Min(upl, 0),
		UnrealizedPnL: upl,
	}, nil
}

func (e *Simulator) CancelAllOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enterLocked(OpCancel)
}

func (e *Simulator) GetDualSideMode(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enterLocked(OpDualSide); err != nil {
		return false, err
	}
	return e.cfg.DualSide, nil
}

// GetTradeHistory 返回记录的副本，防止外部修改
func (e *Simulator) GetTradeHistory() []TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	records := make([]TradeRecord, len(e.history))
	copy(records, e.history)
	return records
}

// Balance 当前钱包余额
func (e *Simulator) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// PricedCandles 包装 CandleSource，把最新收盘价同步给模拟器
type PricedCandles struct {
	Source CandleSource
	Sim    *Simulator
}

func (p PricedCandles) Candles(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error) {
	klines, err := p.Source.Candles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if n := len(klines); n > 0 {
		p.Sim.SetPrice(symbol, klines[n-1].Close)
	}
	return klines, nil
}
