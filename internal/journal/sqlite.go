package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/ids"
	"crypto-futures-trader/internal/model"
)

type SQLiteJournal struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLite(path string, logger *zap.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteJournal{db: db, logger: logger}, nil
}

// Emit 写入失败只记日志
func (j *SQLiteJournal) Emit(e model.TradeEvent) {
	if err := j.Record(context.Background(), e); err != nil {
		j.logger.Error("Journal write failed",
			zap.String("symbol", e.Symbol), zap.String("interval", e.Interval),
			zap.String("context", "journal"), zap.Error(err))
	}
}

func (j *SQLiteJournal) Record(ctx context.Context, e model.TradeEvent) error {
	if e.EventID == "" {
		e.EventID = ids.NewULID(e.Time)
	}
	r := toRow(e)
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trade_events
		(event_id, event, symbol, bar_interval, side, qty, price, entry_price, pnl, roi_pct,
		 margin, leverage, fees, latency_ms, ledger_id, signature, reason, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.Event, r.Symbol, r.Interval, r.Side, r.Qty, r.Price, r.EntryPrice, r.PnL, r.ROIPercent,
		r.Margin, r.Leverage, r.Fees, r.LatencyMs, r.LedgerID, r.Signature, r.Reason, r.Time,
	)
	return err
}

// Tail 最近 n 条事件，按时间升序
func (j *SQLiteJournal) Tail(ctx context.Context, n int) ([]model.TradeEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, event, symbol, bar_interval, side, qty, price, entry_price, pnl, roi_pct,
		       margin, leverage, fees, latency_ms, ledger_id, signature, reason, event_time
		FROM trade_events ORDER BY event_time DESC, event_id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeEvent
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(&r.EventID, &r.Event, &r.Symbol, &r.Interval, &r.Side, &r.Qty, &r.Price,
			&r.EntryPrice, &r.PnL, &r.ROIPercent, &r.Margin, &r.Leverage, &r.Fees, &r.LatencyMs,
			&r.LedgerID, &r.Signature, &r.Reason, &r.Time); err != nil {
			return nil, err
		}
		out = append(out, r.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
