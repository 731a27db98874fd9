package strategy

import (
	"fmt"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/model"
)

// SignalSource 根据 K 线和指标配置给出每个指标的动作
type SignalSource struct {
	useLive bool
	logger  *zap.Logger
}

// NewSignalSource useLive=true 时使用未收盘的最新 K 线，否则使用最后一根已收盘 K 线
func NewSignalSource(useLive bool, logger *zap.Logger) *SignalSource {
	return &SignalSource{useLive: useLive, logger: logger}
}

// Evaluate 对每个启用的指标各给出一个 Signal；数据不足的指标不出现在结果中
func (s *SignalSource) Evaluate(candles []model.KLine, indicators []Indicator) map[string]Signal {
	out := make(map[string]Signal, len(indicators))
	if len(candles) < 2 {
		return out
	}

	at := len(candles) - 2
	if s.useLive {
		at = len(candles) - 1
	}
	highs, lows := model.HighsLows(candles)
	ser := &series{closes: model.Closes(candles), highs: highs, lows: lows}
	bar := candles[at]

	for _, ind := range indicators {
		if !ind.IsEnabled() {
			continue
		}
		action, value, ok := ind.evaluate(ser, at)
		if !ok {
			s.logger.Debug("Indicator not ready",
				zap.String("indicator", ind.Kind()), zap.Int("candles", len(candles)))
			continue
		}
		sig := Signal{
			Indicator: ind.Kind(),
			Action:    action,
			Value:     value,
			Price:     bar.Close,
			Bar:       bar.StartTime,
		}
		if action != model.ActionNone {
			sig.Signature = []string{ind.Kind()}
			sig.Reason = fmt.Sprintf("%s=%.4f -> %s", ind.Kind(), value, action)
		}
		out[ind.Kind()] = sig
	}
	return out
}
