package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/ids"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/sizing"
)

// BinanceConfig 定义 Binance U 本位合约执行器所需的全部配置
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// BinanceExecutor 实现了 Exchange 和 CandleSource 接口
type BinanceExecutor struct {
	client *futures.Client
	logger *zap.Logger

	mu        sync.RWMutex
	filters   map[string]model.SymbolFilters
	leverages map[string]int
	dualSide  *bool
}

// NewBinanceExecutor 初始化 Binance 执行器
func NewBinanceExecutor(cfg BinanceConfig, logger *zap.Logger) *BinanceExecutor {
	if cfg.Testnet {
		// 包级全局开关
		futures.UseTestnet = true
	}
	return &BinanceExecutor{
		client:    binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey),
		logger:    logger.With(zap.String("executor", "Binance")),
		filters:   make(map[string]model.SymbolFilters),
		leverages: make(map[string]int),
	}
}

// classify 把 SDK 错误映射到分类错误
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case CodeTooManyRequests, 429, 418:
			return RateLimited(apiErr.Code, apiErr.Message)
		case 0, -1000, -1001, -1006, -1007:
			// 无法解析的 HTTP 错误体、内部错误、断连、超时
			return &ExchangeError{Kind: KindTransient, Code: apiErr.Code, Message: apiErr.Message, Err: err}
		default:
			return Rejected(apiErr.Code, apiErr.Message)
		}
	}
	return Transient(err)
}

// ListOpenPositions 查询非零持仓
func (e *BinanceExecutor) ListOpenPositions(ctx context.Context, symbol string) ([]model.Position, error) {
	svc := e.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	out := make([]model.Position, 0, len(risks))
	for _, r := range risks {
		amt, _ := service.StringToFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		p := model.Position{
			Symbol:       r.Symbol,
			PositionSide: model.PositionSide(r.PositionSide),
			Amount:       amt,
		}
		p.EntryPrice, _ = service.StringToFloat(r.EntryPrice)
		p.MarkPrice, _ = service.StringToFloat(r.MarkPrice)
		p.UnrealizedPnL, _ = service.StringToFloat(r.UnRealizedProfit)
		p.IsolatedWallet, _ = service.StringToFloat(r.IsolatedWallet)
		p.Notional, _ = service.StringToFloat(r.Notional)
		p.Leverage, _ = service.StringToFloat(r.Leverage)
		out = append(out, p)
	}
	return out, nil
}

// PlaceMarketOrder 市价开仓
func (e *BinanceExecutor) PlaceMarketOrder(ctx context.Context, req OrderRequest) (model.OrderResult, error) {
	if req.Leverage > 0 {
		if err := e.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return model.OrderResult{}, err
		}
	}
	return e.submit(ctx, req)
}

// CloseLegExact 平掉 side 方向的 qty 数量，下单方向与 side 相反
func (e *BinanceExecutor) CloseLegExact(ctx context.Context, symbol string, qty float64, side model.Side, positionSide model.PositionSide) (model.OrderResult, error) {
	req := OrderRequest{
		Symbol:        symbol,
		Side:          side.Opposite(),
		Qty:           qty,
		PositionSide:  positionSide,
		ClientOrderID: ids.ClientOrderID("close"),
	}
	if positionSide == "" || positionSide == model.PositionSideBoth {
		req.ReduceOnly = true
	}
	return e.submit(ctx, req)
}

func (e *BinanceExecutor) submit(ctx context.Context, req OrderRequest) (model.OrderResult, error) {
	filters, err := e.GetSymbolFilters(ctx, req.Symbol)
	if err != nil {
		return model.OrderResult{}, err
	}
	qtyStr := sizing.FormatQty(req.Qty, filters.StepSize)
	if req.ClientOrderID == "" {
		req.ClientOrderID = ids.ClientOrderID("open")
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.PositionSide != "" && req.PositionSide != model.PositionSideBoth {
		svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
	} else if req.ReduceOnly {
		// 双向持仓模式下不能带 reduceOnly
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Warn("Order submission failed",
			zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
			zap.String("qty", qtyStr), zap.Bool("reduceOnly", req.ReduceOnly), zap.Error(err))
		return model.OrderResult{}, classify(err)
	}

	result := model.OrderResult{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          model.Side(res.Side),
		PositionSide:  model.PositionSide(res.PositionSide),
		Status:        string(res.Status),
		ReduceOnly:    res.ReduceOnly,
	}
	result.Qty, _ = service.StringToFloat(res.ExecutedQuantity)
	result.AvgPrice, _ = service.StringToFloat(res.AvgPrice)

	if res.Status != futures.OrderStatusTypeFilled || result.Qty == 0 {
		// RESULT 响应偶尔尚未成交，补查一次
		order, qerr := e.client.NewGetOrderService().Symbol(req.Symbol).OrderID(res.OrderID).Do(ctx)
		if qerr == nil {
			result.Status = string(order.Status)
			result.Qty, _ = service.StringToFloat(order.ExecutedQuantity)
			result.AvgPrice, _ = service.StringToFloat(order.AvgPrice)
		}
	}
	if result.Qty == 0 {
		return result, Rejected(0, fmt.Sprintf("order %d not filled (status %s)", result.OrderID, result.Status))
	}
	result.Fee = e.orderFee(ctx, req.Symbol, result.OrderID)
	return result, nil
}

// orderFee 汇总订单成交明细里的手续费；查询失败时记 0，不影响成交结果
func (e *BinanceExecutor) orderFee(ctx context.Context, symbol string, orderID int64) float64 {
	trades, err := e.client.NewListAccountTradeService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		e.logger.Debug("Commission lookup failed", zap.String("symbol", symbol), zap.Int64("orderId", orderID), zap.Error(err))
		return 0
	}
	return sumCommission(trades)
}

func sumCommission(trades []*futures.AccountTrade) float64 {
	var fee float64
	for _, t := range trades {
		if t == nil {
			continue
		}
		c, _ := service.StringToFloat(t.Commission)
		fee += c
	}
	return fee
}

func (e *BinanceExecutor) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.RLock()
	cur := e.leverages[symbol]
	e.mu.RUnlock()
	if cur == leverage {
		return nil
	}
	if _, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return classify(err)
	}
	e.mu.Lock()
	e.leverages[symbol] = leverage
	e.mu.Unlock()
	e.logger.Info("Leverage updated", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

// GetSymbolFilters 读取 LOT_SIZE / MARKET_LOT_SIZE / MIN_NOTIONAL，结果缓存
func (e *BinanceExecutor) GetSymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	e.mu.RLock()
	f, ok := e.filters[symbol]
	e.mu.RUnlock()
	if ok {
		return f, nil
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return model.SymbolFilters{}, classify(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		e.filters[s.Symbol] = parseFilters(s.Filters)
	}
	f, ok = e.filters[symbol]
	if !ok {
		return model.SymbolFilters{}, Rejected(-1121, "invalid symbol "+symbol)
	}
	return f, nil
}

func parseFilters(raw []map[string]interface{}) model.SymbolFilters {
	var f model.SymbolFilters
	str := func(m map[string]interface{}, k string) float64 {
		s, _ := m[k].(string)
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	for _, m := range raw {
		switch m["filterType"] {
		case "MARKET_LOT_SIZE":
			// 市价单优先使用 MARKET_LOT_SIZE
			if step := str(m, "stepSize"); step > 0 {
				f.StepSize = step
			}
			if minQty := str(m, "minQty"); minQty > 0 {
				f.MinQty = minQty
			}
		case "LOT_SIZE":
			if f.StepSize == 0 {
				f.StepSize = str(m, "stepSize")
			}
			if f.MinQty == 0 {
				f.MinQty = str(m, "minQty")
			}
		case "MIN_NOTIONAL":
			f.MinNotional = str(m, "notional")
		}
	}
	return f
}

// GetAccountBalances USDT 钱包余额、可用余额和未实现盈亏
func (e *BinanceExecutor) GetAccountBalances(ctx context.Context) (model.Balances, error) {
	acc, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return model.Balances{}, classify(err)
	}
	var b model.Balances
	for _, a := range acc.Assets {
		if a.Asset != "USDT" {
			continue
		}
		b.Wallet, _ = service.StringToFloat(a.WalletBalance)
		b.Available, _ = service.StringToFloat(a.AvailableBalance)
		b.UnrealizedPnL, _ = service.StringToFloat(a.UnrealizedProfit)
		return b, nil
	}
	b.Wallet, _ = service.StringToFloat(acc.TotalWalletBalance)
	b.Available, _ = service.StringToFloat(acc.AvailableBalance)
	b.UnrealizedPnL, _ = service.StringToFloat(acc.TotalUnrealizedProfit)
	return b, nil
}

// CancelAllOrders 撤销某交易对全部挂单
func (e *BinanceExecutor) CancelAllOrders(ctx context.Context, symbol string) error {
	return classify(e.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx))
}

// GetDualSideMode 是否为双向持仓模式，结果缓存
func (e *BinanceExecutor) GetDualSideMode(ctx context.Context) (bool, error) {
	e.mu.RLock()
	cached := e.dualSide
	e.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	mode, err := e.client.NewGetPositionModeService().Do(ctx)
	if err != nil {
		return false, classify(err)
	}
	dual := mode.DualSidePosition
	e.mu.Lock()
	e.dualSide = &dual
	e.mu.Unlock()
	return dual, nil
}

// SetDualSideMode 启动时按 hedge_mode 切换持仓模式
func (e *BinanceExecutor) SetDualSideMode(ctx context.Context, dual bool) error {
	err := e.client.NewChangePositionModeService().DualSide(dual).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != CodeNoNeedToChangeMode {
			return classify(err)
		}
	}
	e.mu.Lock()
	e.dualSide = &dual
	e.mu.Unlock()
	return nil
}

// Candles REST 拉取 K 线
func (e *BinanceExecutor) Candles(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error) {
	svc := e.client.NewKlinesService().Symbol(symbol).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	now := time.Now()
	out := make([]model.KLine, 0, len(raw))
	for _, k := range raw {
		kl := model.KLine{
			Symbol:    symbol,
			Interval:  interval,
			StartTime: time.UnixMilli(k.OpenTime),
			EndTime:   time.UnixMilli(k.CloseTime),
		}
		kl.Open, _ = service.StringToFloat(k.Open)
		kl.High, _ = service.StringToFloat(k.High)
		kl.Low, _ = service.StringToFloat(k.Low)
		kl.Close, _ = service.StringToFloat(k.Close)
		kl.Volume, _ = service.StringToFloat(k.Volume)
		kl.Closed = now.After(kl.EndTime)
		out = append(out, kl)
	}
	return out, nil
}
