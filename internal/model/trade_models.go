package model

import (
	"fmt"
	"math"
	"time"
)

// Side 下单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Direction 多头 +1，空头 -1
func (s Side) Direction() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// PositionSide 双向持仓模式下的仓位方向
func (s Side) PositionSide() PositionSide {
	if s == SideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PositionSide 交易所仓位方向
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Action 指标给出的动作
type Action string

const (
	ActionNone Action = "none"
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Side 把动作映射为下单方向
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	}
	return "", false
}

// Position 交易所报告的持仓
type Position struct {
	Symbol         string
	PositionSide   PositionSide
	Amount         float64 // 单向模式下带符号
	EntryPrice     float64
	MarkPrice      float64
	UnrealizedPnL  float64
	IsolatedWallet float64
	InitialMargin  float64
	Notional       float64
	Leverage       float64
}

// Side 推断持仓方向
func (p Position) Side() Side {
	switch p.PositionSide {
	case PositionSideLong:
		return SideBuy
	case PositionSideShort:
		return SideSell
	}
	if p.Amount < 0 {
		return SideSell
	}
	return SideBuy
}

// Qty 持仓数量绝对值
func (p Position) Qty() float64 {
	return math.Abs(p.Amount)
}

// Margin 实时保证金: 逐仓钱包 → 初始保证金 → 名义价值/杠杆
func (p Position) Margin() float64 {
	if p.IsolatedWallet > 0 {
		return p.IsolatedWallet
	}
	if p.InitialMargin > 0 {
		return p.InitialMargin
	}
	notional := math.Abs(p.Notional)
	if notional == 0 {
		price := p.MarkPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		notional = p.Qty() * price
	}
	if p.Leverage > 0 {
		return notional / p.Leverage
	}
	return notional
}

// OrderResult 成交回报
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Qty           float64 // 已成交数量
	AvgPrice      float64
	Fee           float64 // 手续费 (计价资产)
	Status        string
	ReduceOnly    bool
}

// SymbolFilters 交易对过滤器
type SymbolFilters struct {
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// Balances 账户余额
type Balances struct {
	Wallet        float64
	Available     float64
	UnrealizedPnL float64
}

// EventKind 事件类型
type EventKind string

const (
	EventOpen  EventKind = "open"
	EventClose EventKind = "close"
)

// TradeEvent 推送给 Sink 的结构化事件
type TradeEvent struct {
	EventID    string
	Event      EventKind
	Symbol     string
	Interval   string
	Side       Side
	Qty        float64
	Price      float64
	EntryPrice float64
	PnL        float64
	ROIPercent float64
	Margin     float64
	Leverage   int
	Fees       float64
	LatencyMs  int64
	LedgerID   string
	Signature  []string
	Reason     string
	Time       time.Time
}

func (e TradeEvent) String() string {
	return fmt.Sprintf("EVENT [%s | %s %s %s] qty=%.6f @ %.4f pnl=%.4f roi=%.2f%% reason=%s",
		e.Event, e.Symbol, e.Interval, e.Side, e.Qty, e.Price, e.PnL, e.ROIPercent, e.Reason)
}

// NewCloseEvent 计算平仓盈亏与 ROI
func NewCloseEvent(symbol, interval string, side Side, qty, closePrice, entryPrice, margin float64, leverage int) TradeEvent {
	pnl := (closePrice - entryPrice) * qty * side.Direction()
	roi := 0.0
	if margin > 0 {
		roi = pnl / margin * 100
	}
	return TradeEvent{
		Event:      EventClose,
		Symbol:     symbol,
		Interval:   interval,
		Side:       side,
		Qty:        qty,
		Price:      closePrice,
		EntryPrice: entryPrice,
		PnL:        pnl,
		ROIPercent: roi,
		Margin:     margin,
		Leverage:   leverage,
	}
}

// FlipRequest 平仓后需要反手开仓的请求
type FlipRequest struct {
	Symbol      string
	Interval    string
	Indicator   string
	Side        Side // 需要开仓的方向
	Qty         float64
	OriginEvent string
	CreatedAt   time.Time
}
