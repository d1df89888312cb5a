package storage

const schemaDDL = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	position_id  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	sector       TEXT NOT NULL DEFAULT '',
	quantity     INTEGER NOT NULL DEFAULT 0,
	entry_price  TEXT NOT NULL DEFAULT '0',
	exit_price   TEXT NOT NULL DEFAULT '0',
	pnl          TEXT NOT NULL DEFAULT '0',
	reason       TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	opened_at    TEXT NOT NULL,
	closed_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);
CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);

CREATE TABLE IF NOT EXISTS daily_summaries (
	date    TEXT PRIMARY KEY,
	trades  INTEGER NOT NULL DEFAULT 0,
	wins    INTEGER NOT NULL DEFAULT 0,
	losses  INTEGER NOT NULL DEFAULT 0,
	pnl     TEXT NOT NULL DEFAULT '0'
);
`
