package strategy

import (
	"fmt"
	"strings"
	"time"

	"crypto-futures-trader/internal/model"
)

// 支持的指标类型
const (
	KindRSI      = "rsi"
	KindStochRSI = "stoch_rsi"
	KindWillR    = "willr"
	KindMA       = "ma"
	KindEMA      = "ema"
	KindMACD     = "macd"
	KindBB       = "bb"
)

// Signal 单个指标在当前 K 线上的结论
type Signal struct {
	Indicator string
	Action    model.Action
	Signature []string  // 触发该动作的指标 token，已排序
	Value     float64   // 触发时的指标读数
	Price     float64   // 评估所用 K 线的收盘价
	Bar       time.Time // 评估所用 K 线的开盘时间
	Reason    string
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s] %s @ %.4f | value=%.4f | sig=%s | %s",
		s.Indicator, s.Action, s.Price, s.Value, strings.Join(s.Signature, "+"), s.Reason)
}
