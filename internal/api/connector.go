package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

// 默认 USDT-M 合约行情地址
const (
	DefaultFuturesWSURL = "wss://fstream.binance.com"
	TestnetFuturesWSURL = "wss://stream.binancefuture.com"
)

// combinedMessage 组合流外层结构
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent kline 推送
type klineEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Kline  struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// Stream 订阅的一个交易对周期
type Stream struct {
	Symbol   string
	Interval string
}

func (s Stream) name() string {
	return strings.ToLower(s.Symbol) + "@kline_" + s.Interval
}

// Backoff 断线重连的指数退避
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff 重连默认参数
func DefaultBackoff() Backoff {
	return Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// Next 第 attempt 次重连 (从 1 开始) 的等待时间
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Min
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if b.Max > 0 && next > b.Max {
			wait = b.Max
			break
		}
		wait = next
	}
	if b.Jitter <= 0 {
		return wait
	}
	delta := float64(wait) * minFloat(b.Jitter, 1)
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Connector 订阅币安合约 K 线组合流，推送给 DataEngine
type Connector struct {
	wsURL       string
	streams     []Stream
	klineChan   chan<- model.KLine
	backoff     Backoff
	readTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *zap.Logger
}

// NewConnector 创建连接器；out 一般是 DataEngine.GetKlineChannel()
func NewConnector(wsURL string, streams []Stream, out chan<- model.KLine, logger *zap.Logger) *Connector {
	if wsURL == "" {
		wsURL = DefaultFuturesWSURL
	}
	names := make([]string, len(streams))
	for i, s := range streams {
		names[i] = s.name()
	}
	logger.Info("Connector initialized", zap.Strings("streams", names))

	return &Connector{
		wsURL:       strings.TrimRight(wsURL, "/"),
		streams:     streams,
		klineChan:   out,
		backoff:     DefaultBackoff(),
		readTimeout: 90 * time.Second,
		dialer:      websocket.DefaultDialer,
		logger:      logger,
	}
}

// StreamURL 组合流订阅地址
func (c *Connector) StreamURL() (string, error) {
	if len(c.streams) == 0 {
		return "", errors.New("no streams configured")
	}
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	names := make([]string, len(c.streams))
	for i, s := range c.streams {
		names[i] = s.name()
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(names, "/")
	return u.String(), nil
}

// Run 持续保持连接，断线后按退避重连，直到 ctx 结束
func (c *Connector) Run(ctx context.Context) error {
	attempt := 0
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 连接稳定过一段时间则重置退避
		if time.Since(start) > time.Minute {
			attempt = 0
		}
		attempt++
		wait := c.backoff.Next(attempt)
		c.logger.Warn("WS session ended, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Connector) session(ctx context.Context) error {
	target, err := c.StreamURL()
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	c.logger.Info("WS connected", zap.String("url", target))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.readTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		extend()

		k, ok, err := ParseKline(message)
		if err != nil {
			c.logger.Debug("Kline unmarshal error", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		// 使用 select/default 防止阻塞 Connector
		select {
		case c.klineChan <- k:
		default:
			c.logger.Warn("Kline channel full, dropping update",
				zap.String("symbol", k.Symbol), zap.String("interval", k.Interval))
		}
	}
}

// ParseKline 解析组合流或单流的 kline 消息；非 kline 消息返回 ok=false
func ParseKline(message []byte) (model.KLine, bool, error) {
	payload := json.RawMessage(message)
	var wrapped combinedMessage
	if err := json.Unmarshal(message, &wrapped); err != nil {
		return model.KLine{}, false, err
	}
	if len(wrapped.Data) > 0 {
		payload = wrapped.Data
	}

	var ev klineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.KLine{}, false, err
	}
	if ev.Event != "kline" {
		return model.KLine{}, false, nil
	}

	k := model.KLine{
		Symbol:    ev.Symbol,
		Interval:  ev.Kline.Interval,
		StartTime: time.UnixMilli(ev.Kline.StartTime).UTC(),
		EndTime:   time.UnixMilli(ev.Kline.CloseTime).UTC(),
		Closed:    ev.Kline.Closed,
	}
	var errs []error
	for _, f := range []struct {
		dst *float64
		raw string
	}{
		{&k.Open, ev.Kline.Open}, {&k.High, ev.Kline.High}, {&k.Low, ev.Kline.Low},
		{&k.Close, ev.Kline.Close}, {&k.Volume, ev.Kline.Volume},
	} {
		v, err := service.StringToFloat(f.raw)
		if err != nil {
			errs = append(errs, err)
		}
		*f.dst = v
	}
	if err := errors.Join(errs...); err != nil {
		return model.KLine{}, false, fmt.Errorf("kline %s %s: %w", k.Symbol, k.Interval, err)
	}
	return k, true, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
