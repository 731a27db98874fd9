package executor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"crypto-futures-trader/internal/model"
)

// Exchange 是交易所的通用接口，负责下单、查询持仓/余额/过滤器
type Exchange interface {
	// 查询持仓，symbol 为空时返回全部非零持仓
	ListOpenPositions(ctx context.Context, symbol string) ([]model.Position, error)

	// 市价开仓
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (model.OrderResult, error)

	// 精确平掉指定数量
	CloseLegExact(ctx context.Context, symbol string, qty float64, side model.Side, positionSide model.PositionSide) (model.OrderResult, error)

	GetSymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error)
	GetAccountBalances(ctx context.Context) (model.Balances, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	GetDualSideMode(ctx context.Context) (bool, error)
}

// CandleSource K 线来源 (REST 或 WS 缓存)
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error)
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string
	Side          model.Side
	Qty           float64
	Leverage      int
	ReduceOnly    bool
	PositionSide  model.PositionSide // 双向持仓模式下必填
	ClientOrderID string
}

// Kind 错误分类
type Kind int

const (
	KindTransient Kind = iota + 1
	KindRateLimited
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// 错误哨兵，配合 errors.Is 使用
var (
	ErrTransient     = errors.New("transient network error")
	ErrRateLimited   = errors.New("rate limited")
	ErrOrderRejected = errors.New("order rejected")
)

// 交易所错误码
const (
	CodeReduceOnlyRejected = -2022
	CodeTooManyRequests    = -1003
	CodeNoNeedToChange     = -4046 // margin type 未变化
	CodeNoNeedToChangeMode = -4059 // position mode 未变化
)

// ExchangeError 带分类的交易所错误
type ExchangeError struct {
	Kind    Kind
	Code    int64
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code=%d msg=%s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrTransient) 等按分类匹配
func (e *ExchangeError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrOrderRejected:
		return e.Kind == KindRejected
	}
	return false
}

// Transient 包装为网络类错误
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ExchangeError{Kind: KindTransient, Err: err}
}

// Rejected 业务拒绝
func Rejected(code int64, msg string) error {
	return &ExchangeError{Kind: KindRejected, Code: code, Message: msg}
}

// RateLimited 限频
func RateLimited(code int64, msg string) error {
	return &ExchangeError{Kind: KindRateLimited, Code: code, Message: msg}
}

// KindOf 返回错误分类
// 只有 ExchangeError 和底层网络错误 (net.Error、超时) 有分类；本地错误 (缓存缺数据、参数错误) 返回 0
func KindOf(err error) Kind {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return 0
}

// Retryable 只有网络类和限频类错误可以重试
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}

// IsReduceOnlyConflict reduce-only 单被拒 (仓位已不存在或方向冲突)
func IsReduceOnlyConflict(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Code == CodeReduceOnlyRejected
}
