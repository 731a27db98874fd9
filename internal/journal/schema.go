package journal

const Schema = `
CREATE TABLE IF NOT EXISTS trade_events (
	event_id TEXT PRIMARY KEY,
	event TEXT NOT NULL,
	symbol TEXT NOT NULL,
	bar_interval TEXT NOT NULL,
	side TEXT NOT NULL,
	qty REAL NOT NULL,
	price REAL NOT NULL,
	entry_price REAL NOT NULL DEFAULT 0,
	pnl REAL NOT NULL DEFAULT 0,
	roi_pct REAL NOT NULL DEFAULT 0,
	margin REAL NOT NULL DEFAULT 0,
	leverage INTEGER NOT NULL DEFAULT 0,
	fees REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	ledger_id TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	event_time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_events_time ON trade_events(event_time);
CREATE INDEX IF NOT EXISTS idx_trade_events_symbol ON trade_events(symbol);
`
