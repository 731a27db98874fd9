package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

// Sink 接收开平仓事件；实现必须并发安全且不能阻塞交易流程
type Sink interface {
	Emit(model.TradeEvent)
}

// Store 可回读的持久化流水
type Store interface {
	Sink
	Record(ctx context.Context, e model.TradeEvent) error
	Tail(ctx context.Context, n int) ([]model.TradeEvent, error)
	Close() error
}

// Multi 扇出到多个 Sink
type Multi []Sink

func (m Multi) Emit(e model.TradeEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink 把事件写成结构化日志
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e model.TradeEvent) {
	fields := []zap.Field{
		zap.String("event_id", e.EventID),
		zap.String("event", string(e.Event)),
		zap.String("symbol", e.Symbol),
		zap.String("interval", e.Interval),
		zap.String("side", string(e.Side)),
		zap.Float64("qty", e.Qty),
		zap.Float64("price", e.Price),
		zap.Float64("fees", e.Fees),
		zap.Int64("latency_ms", e.LatencyMs),
		zap.String("ledger_id", e.LedgerID),
		zap.Strings("signature", e.Signature),
	}
	if e.Event == model.EventClose {
		fields = append(fields,
			zap.Float64("entry_price", e.EntryPrice),
			zap.Float64("pnl", e.PnL),
			zap.Float64("roi_pct", e.ROIPercent),
			zap.String("reason", e.Reason))
		s.logger.Info("Position closed", fields...)
		return
	}
	s.logger.Info("Position opened", fields...)
}

// Open 按配置打开持久化流水；driver 为空时返回 nil
func Open(cfg service.JournalConfig, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "sqlite", "sqlite3":
		j, err := NewSQLite(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	case "postgres":
		j, err := NewPostgres(cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
}

// eventRow 数据库中的一行
type eventRow struct {
	EventID    string    `gorm:"column:event_id;primaryKey"`
	Event      string    `gorm:"column:event;not null"`
	Symbol     string    `gorm:"column:symbol;index;not null"`
	Interval   string    `gorm:"column:bar_interval;not null"`
	Side       string    `gorm:"column:side;not null"`
	Qty        float64   `gorm:"column:qty"`
	Price      float64   `gorm:"column:price"`
	EntryPrice float64   `gorm:"column:entry_price"`
	PnL        float64   `gorm:"column:pnl"`
	ROIPercent float64   `gorm:"column:roi_pct"`
	Margin     float64   `gorm:"column:margin"`
	Leverage   int       `gorm:"column:leverage"`
	Fees       float64   `gorm:"column:fees"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	LedgerID   string    `gorm:"column:ledger_id;index"`
	Signature  string    `gorm:"column:signature"`
	Reason     string    `gorm:"column:reason"`
	Time       time.Time `gorm:"column:event_time;index;not null"`
}

func (eventRow) TableName() string { return "trade_events" }

func toRow(e model.TradeEvent) eventRow {
	return eventRow{
		EventID:    e.EventID,
		Event:      string(e.Event),
		Symbol:     e.Symbol,
		Interval:   e.Interval,
		Side:       string(e.Side),
		Qty:        e.Qty,
		Price:      e.Price,
		EntryPrice: e.EntryPrice,
		PnL:        e.PnL,
		ROIPercent: e.ROIPercent,
		Margin:     e.Margin,
		Leverage:   e.Leverage,
		Fees:       e.Fees,
		LatencyMs:  e.LatencyMs,
		LedgerID:   e.LedgerID,
		Signature:  strings.Join(e.Signature, "+"),
		Reason:     e.Reason,
		Time:       e.Time.UTC(),
	}
}

func (r eventRow) toEvent() model.TradeEvent {
	var sig []string
	if r.Signature != "" {
		sig = strings.Split(r.Signature, "+")
	}
	return model.TradeEvent{
		EventID:    r.EventID,
		Event:      model.EventKind(r.Event),
		Symbol:     r.Symbol,
		Interval:   r.Interval,
		Side:       model.Side(r.Side),
		Qty:        r.Qty,
		Price:      r.Price,
		EntryPrice: r.EntryPrice,
		PnL:        r.PnL,
		ROIPercent: r.ROIPercent,
		Margin:     r.Margin,
		Leverage:   r.Leverage,
		Fees:       r.Fees,
		LatencyMs:  r.LatencyMs,
		LedgerID:   r.LedgerID,
		Signature:  sig,
		Reason:     r.Reason,
		Time:       r.Time,
	}
}
