package strategy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/pkg/ta"
)

// Indicator 指标配置的和类型：每种指标有自己的强类型参数
type Indicator interface {
	Kind() string
	IsEnabled() bool
	// evaluate 在 at 处给出动作和读数
	evaluate(s *series, at int) (model.Action, float64, bool)
}

// series 一次评估共享的价格序列
type series struct {
	closes []float64
	highs  []float64
	lows   []float64
}

// RSIConfig rsi 阈值触发
type RSIConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Length    int      `mapstructure:"length"`
	BuyValue  *float64 `mapstructure:"buy_value"`
	SellValue *float64 `mapstructure:"sell_value"`
}

func (c RSIConfig) Kind() string    { return KindRSI }
func (c RSIConfig) IsEnabled() bool { return c.Enabled }

func (c RSIConfig) evaluate(s *series, at int) (model.Action, float64, bool) {
	v, ok := ta.At(ta.RSI(s.closes, orDefault(c.Length, 14)), at)
	if !ok {
		return model.ActionNone, 0, false
	}
	return threshold(v, valueOr(c.BuyValue, 30), valueOr(c.SellValue, 70)), v, true
}

// StochRSIConfig stoch_rsi %K 阈值触发
type StochRSIConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Length    int      `mapstructure:"length"`
	SmoothK   int      `mapstructure:"smooth_k"`
	SmoothD   int      `mapstructure:"smooth_d"`
	BuyValue  *float64 `mapstructure:"buy_value"`
	SellValue *float64 `mapstructure:"sell_value"`
}

func (c StochRSIConfig) Kind() string    { return KindStochRSI }
func (c StochRSIConfig) IsEnabled() bool { return c.Enabled }

func (c StochRSIConfig) evaluate(s *series, at int) (model.Action, float64, bool) {
	k, _ := ta.StochRSI(s.closes, orDefault(c.Length, 14), orDefault(c.SmoothK, 3), orDefault(c.SmoothD, 3))
	v, ok := ta.At(k, at)
	if !ok {
		return model.ActionNone, 0, false
	}
	return threshold(v, valueOr(c.BuyValue, 20), valueOr(c.SellValue, 80)), v, true
}

// WillRConfig 威廉指标，阈值被限制在 [-100, 0]
type WillRConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Length    int      `mapstructure:"length"`
	BuyValue  *float64 `mapstructure:"buy_value"`
	SellValue *float64 `mapstructure:"sell_value"`
}

func (c WillRConfig) Kind() string    { return KindWillR }
func (c WillRConfig) IsEnabled() bool { return c.Enabled }

func (c WillRConfig) evaluate(s *series, at int) (model.Action, float64, bool) {
	v, ok := ta.At(ta.WillR(s.highs, s.lows, s.closes, orDefault(c.Length, 14)), at)
	if !ok {
		return model.ActionNone, 0, false
	}
	buy := clamp(valueOr(c.BuyValue, -80), -100, 0)
	sell := clamp(valueOr(c.SellValue, -20), -100, 0)
	return threshold(v, buy, sell), v, true
}

// MAConfig 收盘价上穿/下穿均线；Type 为 SMA 或 EMA
type MAConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Length  int    `mapstructure:"length"`
	Type    string `mapstructure:"type"`
	kind    string
}

func (c MAConfig) Kind() string {
	if c.kind != "" {
		return c.kind
	}
	return KindMA
}

func (c MAConfig) IsEnabled() bool { return c.Enabled }

func (c MAConfig) evaluate(s *series, at int) (model.Action, float64, bool) {
	length := orDefault(c.Length, 20)
	avg := ta.SMA(s.closes, length)
	if c.Type == "EMA" || c.kind == KindEMA {
		avg = ta.EMA(s.closes, length)
	}
	cur, ok1 := ta.At(avg, at)
	prev, ok2 := ta.At(avg, at-1)
	closeCur, ok3 := ta.At(s.closes, at)
	closePrev, ok4 := ta.At(s.closes, at-1)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return model.ActionNone, 0, false
	}
	switch {
	case closePrev < prev && closeCur > cur:
		return model.ActionBuy, cur, true
	case closePrev > prev && closeCur < cur:
		return model.ActionSell, cur, true
	}
	return model.ActionNone, cur, true
}

// MACDConfig 柱状图穿越零轴
type MACDConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Fast    int  `mapstructure:"fast"`
	Slow    int  `mapstructure:"slow"`
	Signal  int  `mapstructure:"signal"`
}

func (c MACDConfig) Kind() string    { return KindMACD }
func (c MACDConfig) IsEnabled() bool { return c.Enabled }

func (c MACDConfig) evaluate(s *series, at int) (model.Action, float64, bool) {
	_, _, hist := ta.MACD(s.closes, orDefault(c.Fast, 12), orDefault(c.Slow, 26), orDefault(c.Signal, 9))
	cur, ok1 := ta.At(hist, at)
	prev, ok2 := ta.At(hist, at-1)
	if !ok1 || !ok2 {
		return model.ActionNone, 0, false
	}
	switch {
	case prev <= 0 && cur > 0:
		return model.ActionBuy, cur, true
	case prev >= 0 && cur < 0:
		return model.ActionSell, cur, true
	}
	return model.ActionNone, cur, true
}

// BBConfig 收盘价跌破下轨买入，突破上轨卖出
type BBConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Length  int     `mapstructure:"length"`
	Std     float64 `mapstructure:"std"`
}

func (c BBConfig) Kind() string    { return KindBB }
func (c BBConfig) IsEnabled() bool { return c.Enabled }

func (c BBConfig) evaluate(s *series, at int) (model.Action, float64, bool) {
	std := c.Std
	if std <= 0 {
		std = 2
	}
	upper, _, lower := ta.BBands(s.closes, orDefault(c.Length, 20), std)
	u, ok1 := ta.At(upper, at)
	l, ok2 := ta.At(lower, at)
	px, ok3 := ta.At(s.closes, at)
	if !ok1 || !ok2 || !ok3 {
		return model.ActionNone, 0, false
	}
	switch {
	case px < l:
		return model.ActionBuy, px, true
	case px > u:
		return model.ActionSell, px, true
	}
	return model.ActionNone, px, true
}

// DecodeIndicators 把配置里的 map 解码为强类型指标；未知类型和多余字段都视为配置错误
func DecodeIndicators(raw map[string]map[string]any) ([]Indicator, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		out  []Indicator
		errs []error
	)
	for _, key := range keys {
		var (
			ind Indicator
			err error
		)
		switch key {
		case KindRSI:
			var c RSIConfig
			err = decode(raw[key], &c)
			ind = c
		case KindStochRSI:
			var c StochRSIConfig
			err = decode(raw[key], &c)
			ind = c
		case KindWillR:
			var c WillRConfig
			err = decode(raw[key], &c)
			ind = c
		case KindMA, KindEMA:
			c := MAConfig{kind: key}
			err = decode(raw[key], &c)
			ind = c
		case KindMACD:
			var c MACDConfig
			err = decode(raw[key], &c)
			ind = c
		case KindBB:
			var c BBConfig
			err = decode(raw[key], &c)
			ind = c
		default:
			err = errors.New("unknown indicator")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("indicator %q: %w", key, err))
			continue
		}
		out = append(out, ind)
	}
	return out, errors.Join(errs...)
}

func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func threshold(v, buy, sell float64) model.Action {
	switch {
	case v <= buy:
		return model.ActionBuy
	case v >= sell:
		return model.ActionSell
	}
	return model.ActionNone
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
