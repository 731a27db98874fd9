package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/api"
	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

// market 交易执行端与行情来源
type market struct {
	exchange executor.Exchange
	candles  executor.CandleSource
	rest     *executor.BinanceExecutor // 行情 REST，模拟盘也使用公共接口
	sim      *executor.Simulator
}

// buildExchange 根据 exchange.name 选择真实执行器或模拟器
func buildExchange(cfg *service.Config, logger *zap.Logger) *market {
	rest := executor.NewBinanceExecutor(executor.BinanceConfig{
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Testnet:   cfg.Exchange.Testnet,
	}, logger)

	m := &market{rest: rest, exchange: rest, candles: rest}
	if cfg.Exchange.Name == "paper" {
		p := cfg.Exchange.Paper
		m.sim = executor.NewSimulator(executor.SimulatorConfig{
			InitialCapital: p.InitialCapital,
			FeeRate:        p.FeeRate,
			Filters:        model.SymbolFilters{StepSize: p.StepSize, MinQty: p.MinQty, MinNotional: p.MinNotional},
			DualSide:       cfg.Trading.HedgeMode,
		}, logger)
		m.exchange = m.sim
	}
	return m
}

// startCandles 按配置选择 REST 轮询或 WS 推送；推送模式先用 REST 预热缓存
func (m *market) startCandles(ctx context.Context, cfg *service.Config, logger *zap.Logger) error {
	var src executor.CandleSource = m.rest
	if cfg.Exchange.Stream {
		de := model.NewDataEngine(2*cfg.Trading.Lookback, logger)

		names := make([]string, 0, len(cfg.Instances))
		for name := range cfg.Instances {
			names = append(names, name)
		}
		sort.Strings(names)

		var streams []api.Stream
		for _, name := range names {
			inst := cfg.Instances[name]
			for _, iv := range inst.Intervals {
				klines, err := m.rest.Candles(ctx, inst.Symbol, iv, cfg.Trading.Lookback)
				if err != nil {
					return fmt.Errorf("seed %s@%s: %w", inst.Symbol, iv, err)
				}
				de.Seed(inst.Symbol, iv, klines)
				streams = append(streams, api.Stream{Symbol: inst.Symbol, Interval: iv})
			}
		}

		go de.Start(ctx)
		conn := api.NewConnector(cfg.Exchange.WSURL, streams, de.GetKlineChannel(), logger.Named("connector"))
		go func() {
			if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Kline stream stopped", zap.Error(err))
			}
		}()
		src = de
	}

	if m.sim != nil {
		src = executor.PricedCandles{Source: src, Sim: m.sim}
	}
	m.candles = src
	return nil
}
