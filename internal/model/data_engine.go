package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNotEnoughCandles 缓存的 K 线不足
var ErrNotEnoughCandles = errors.New("not enough candles")

// DataEngine 负责接收 WS 推送的 K 线，按 (symbol, interval) 缓存，供执行循环查询
type DataEngine struct {
	klineChan chan KLine
	maxLen    int
	logger    *zap.Logger

	mu     sync.RWMutex
	series map[string][]KLine // symbol@interval -> 按开盘时间升序
}

// NewDataEngine 创建并初始化 DataEngine
func NewDataEngine(maxLen int, logger *zap.Logger) *DataEngine {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &DataEngine{
		klineChan: make(chan KLine, 2048),
		maxLen:    maxLen,
		logger:    logger.With(zap.String("component", "data_engine")),
		series:    make(map[string][]KLine),
	}
}

func seriesKey(symbol, interval string) string {
	return symbol + "@" + interval
}

// GetKlineChannel 供 Connector 写入
func (de *DataEngine) GetKlineChannel() chan<- KLine {
	return de.klineChan
}

// Start 启动数据处理循环，直到 ctx 取消
func (de *DataEngine) Start(ctx context.Context) {
	de.logger.Info("Data Engine started, consuming kline stream...")
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-de.klineChan:
			de.Upsert(k)
		}
	}
}

// Seed 用 REST 拉取的历史 K 线预热
func (de *DataEngine) Seed(symbol, interval string, klines []KLine) {
	for _, k := range klines {
		k.Symbol, k.Interval = symbol, interval
		de.Upsert(k)
	}
}

// Upsert 同一开盘时间的 K 线覆盖，新 K 线追加
func (de *DataEngine) Upsert(k KLine) {
	key := seriesKey(k.Symbol, k.Interval)

	de.mu.Lock()
	defer de.mu.Unlock()

	s := de.series[key]
	n := len(s)
	switch {
	case n > 0 && s[n-1].StartTime.Equal(k.StartTime):
		s[n-1] = k
	case n == 0 || s[n-1].StartTime.Before(k.StartTime):
		s = append(s, k)
	default:
		// 乱序到达，二分插入
		i := sort.Search(n, func(i int) bool { return !s[i].StartTime.Before(k.StartTime) })
		if i < n && s[i].StartTime.Equal(k.StartTime) {
			s[i] = k
		} else {
			s = append(s, KLine{})
			copy(s[i+1:], s[i:])
			s[i] = k
		}
	}
	if len(s) > de.maxLen {
		s = s[len(s)-de.maxLen:]
	}
	de.series[key] = s
}

// Candles 返回最近 limit 根 K 线的副本
func (de *DataEngine) Candles(ctx context.Context, symbol, interval string, limit int) ([]KLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	de.mu.RLock()
	defer de.mu.RUnlock()

	s := de.series[seriesKey(symbol, interval)]
	if len(s) < 2 {
		return nil, fmt.Errorf("%s@%s has %d candles: %w", symbol, interval, len(s), ErrNotEnoughCandles)
	}
	if limit > 0 && len(s) > limit {
		s = s[len(s)-limit:]
	}
	out := make([]KLine, len(s))
	copy(out, s)
	return out, nil
}
