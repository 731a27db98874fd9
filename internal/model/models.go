package model

import "time"

// KLine 代表一根 K 线
type KLine struct {
	Symbol    string // 所属交易对
	Interval  string // 周期，例如 "1m", "5m", "1h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	EndTime   time.Time
	Closed    bool // 是否已收盘
}

// Closes 提取收盘价序列
func Closes(klines []KLine) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// HighsLows 提取最高价/最低价序列
func HighsLows(klines []KLine) (highs, lows []float64) {
	highs = make([]float64, len(klines))
	lows = make([]float64, len(klines))
	for i, k := range klines {
		highs[i] = k.High
		lows[i] = k.Low
	}
	return highs, lows
}
