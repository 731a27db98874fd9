package sizing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

// 跳过原因 (软拒绝，不是错误)
const (
	ReasonSlotFull       = "slot already fully allocated"
	ReasonBelowMinimum   = "quantity below exchange minimum"
	ReasonCapExceeded    = "margin cap exceeded"
	ReasonNoAvailable    = "insufficient available balance"
	marginEpsilon        = 1e-9
	defaultTolerancePct  = 5.0
	defaultAutoBumpLimit = 5.0
)

// Input 计算仓位所需的输入
type Input struct {
	WalletBalance    float64
	AvailableBalance float64
	CommittedMargin  float64 // 账本中已占用的全部保证金
	Allocation       float64 // (0,1]
	Leverage         int
	Price            float64
	SlotMargin       float64 // 当前 slot 已占用的保证金
	Filters          model.SymbolFilters
}

// Decision 计算结果
type Decision struct {
	Equity       float64
	TargetMargin float64
	NeededMargin float64
	RawQty       float64
	Qty          float64
	Notional     float64
	Margin       float64
	Bumped       bool // 因交易所最小值上调过
	Skip         bool
	Reason       string
}

// Calculator 仓位计算器
type Calculator struct {
	tolerance   float64
	maxAutoBump float64
}

// NewCalculator 按配置创建
func NewCalculator(cfg service.SizingConfig) *Calculator {
	tol := cfg.TolerancePct
	if tol < 0 {
		tol = defaultTolerancePct
	}
	bump := cfg.MaxAutoBumpPercent
	if bump < 0 {
		bump = defaultAutoBumpLimit
	}
	return &Calculator{tolerance: tol / 100, maxAutoBump: bump / 100}
}

// EstimateEquity 权益估计 = max(钱包余额, 可用余额 + 已占用保证金)
func EstimateEquity(wallet, available, committed float64) float64 {
	return math.Max(wallet, available+committed)
}

// Size 把分配比例转换成满足交易所过滤器的下单数量
func (c *Calculator) Size(in Input) (Decision, error) {
	if in.Price <= 0 {
		return Decision{}, fmt.Errorf("invalid price %v", in.Price)
	}
	if in.Leverage < 1 {
		return Decision{}, fmt.Errorf("invalid leverage %d", in.Leverage)
	}
	if in.Allocation <= 0 || in.Allocation > 1 {
		return Decision{}, fmt.Errorf("allocation %v outside (0,1]", in.Allocation)
	}

	lev := float64(in.Leverage)
	d := Decision{Equity: EstimateEquity(in.WalletBalance, in.AvailableBalance, in.CommittedMargin)}
	d.TargetMargin = d.Equity * in.Allocation
	d.NeededMargin = d.TargetMargin - in.SlotMargin
	if d.NeededMargin <= marginEpsilon {
		return skip(d, ReasonSlotFull), nil
	}

	d.RawQty = d.NeededMargin * lev / in.Price
	qty := FloorToStep(d.RawQty, in.Filters.StepSize)

	if in.Filters.MinQty > 0 && qty < in.Filters.MinQty {
		qty = CeilToStep(in.Filters.MinQty, in.Filters.StepSize)
		d.Bumped = true
	}
	if in.Filters.MinNotional > 0 && qty*in.Price < in.Filters.MinNotional-marginEpsilon {
		qty = CeilToStep(in.Filters.MinNotional/in.Price, in.Filters.StepSize)
		d.Bumped = true
	}
	if qty <= 0 {
		return skip(d, ReasonBelowMinimum), nil
	}

	d.Qty = qty
	d.Notional = qty * in.Price
	d.Margin = d.Notional / lev

	limit := d.TargetMargin * (1 + c.tolerance)
	if in.SlotMargin+d.Margin > limit+marginEpsilon {
		// 交易所最小下单额高于名义上限时，允许在 max_auto_bump 范围内上调
		headroom := d.Equity * c.maxAutoBump
		if !d.Bumped || in.SlotMargin > 0 || d.Margin > headroom+marginEpsilon {
			return skip(d, ReasonCapExceeded), nil
		}
	}
	if in.AvailableBalance > 0 && d.Margin > in.AvailableBalance+marginEpsilon {
		return skip(d, ReasonNoAvailable), nil
	}
	return d, nil
}

func skip(d Decision, reason string) Decision {
	d.Skip = true
	d.Reason = reason
	return d
}

// FloorToStep 向下取整到步长，step<=0 时原样返回
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	v, _ := decimal.NewFromFloat(qty).Div(s).Floor().Mul(s).Float64()
	return v
}

// CeilToStep 向上取整到步长
func CeilToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	v, _ := decimal.NewFromFloat(qty).Div(s).Ceil().Mul(s).Float64()
	return v
}

// FormatQty 按步长精度格式化，用于下单参数
func FormatQty(qty, step float64) string {
	d := decimal.NewFromFloat(qty)
	if step <= 0 {
		return d.String()
	}
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return d.StringFixed(places)
}
