package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

// 所有函数返回与输入等长的序列；talib 在预热区间填 0，这里统一改成 NaN，
// 调用方用 At/Last 读取时自动跳过未就绪的值

// RSI 相对强弱指数
func RSI(closes []float64, length int) []float64 {
	if length < 2 || len(closes) <= length {
		return nanSeries(len(closes))
	}
	return warm(talib.Rsi(closes, length), length)
}

// SMA 简单移动平均
func SMA(closes []float64, length int) []float64 {
	if length < 2 || len(closes) < length {
		return nanSeries(len(closes))
	}
	return warm(talib.Sma(closes, length), length-1)
}

// EMA 指数移动平均
func EMA(closes []float64, length int) []float64 {
	if length < 2 || len(closes) < length {
		return nanSeries(len(closes))
	}
	return warm(talib.Ema(closes, length), length-1)
}

// MACD 返回 macd 线、信号线和柱状图
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	lookback := slow - 1 + signal - 1
	if fast < 2 || slow <= fast || signal < 1 || len(closes) <= lookback {
		n := len(closes)
		return nanSeries(n), nanSeries(n), nanSeries(n)
	}
	macd, sig, hist = talib.Macd(closes, fast, slow, signal)
	return warm(macd, lookback), warm(sig, lookback), warm(hist, lookback)
}

// BBands 布林带 (SMA 中轨)
func BBands(closes []float64, length int, std float64) (upper, mid, lower []float64) {
	if length < 2 || len(closes) < length {
		n := len(closes)
		return nanSeries(n), nanSeries(n), nanSeries(n)
	}
	upper, mid, lower = talib.BBands(closes, length, std, std, talib.SMA)
	return warm(upper, length-1), warm(mid, length-1), warm(lower, length-1)
}

// WillR 威廉指标，取值 [-100, 0]
func WillR(high, low, closes []float64, length int) []float64 {
	if length < 2 || len(closes) < length || len(high) != len(closes) || len(low) != len(closes) {
		return nanSeries(len(closes))
	}
	return warm(talib.WillR(high, low, closes, length), length-1)
}

// StochRSI 先算 RSI，再对 RSI 做随机指标并平滑，返回 %K 和 %D
func StochRSI(closes []float64, length, smoothK, smoothD int) (k, d []float64) {
	n := len(closes)
	if smoothK < 1 {
		smoothK = 1
	}
	if smoothD < 1 {
		smoothD = 1
	}
	// RSI 预热 length 根，随机指标再需要 length-1+smoothK-1+smoothD-1 根
	lookback := length + length - 1 + smoothK - 1 + smoothD - 1
	if length < 2 || n <= lookback {
		return nanSeries(n), nanSeries(n)
	}

	rsi := talib.Rsi(closes, length)[length:]
	slowK, slowD := talib.Stoch(rsi, rsi, rsi, length, smoothK, talib.SMA, smoothD, talib.SMA)

	k, d = nanSeries(n), nanSeries(n)
	copy(k[length:], slowK)
	copy(d[length:], slowD)
	return warm(k, lookback), warm(d, lookback)
}

// At 读取 idx 处的值，负数从尾部倒数；越界或未就绪返回 false
func At(series []float64, idx int) (float64, bool) {
	if idx < 0 {
		idx += len(series)
	}
	if idx < 0 || idx >= len(series) {
		return 0, false
	}
	v := series[idx]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Last 最新值
func Last(series []float64) (float64, bool) {
	return At(series, -1)
}

func warm(series []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(series); i++ {
		series[i] = math.NaN()
	}
	return series
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
