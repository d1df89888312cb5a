package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/chidi150c/optionpilot/internal/state"
)

// Ledger is the append-only trade journal plus per-day summaries.
type Ledger struct {
	db *sql.DB
}

func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// single writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// AppendTrade journals a closed trade. Re-appending the same record id is a no-op.
func (l *Ledger) AppendTrade(ctx context.Context, r state.TradeRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (id, position_id, kind, symbol, sector, quantity,
			entry_price, exit_price, pnl, reason, detail, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PositionID, string(r.Kind), r.Symbol, r.Sector, r.Quantity,
		r.Entry.String(), r.Exit.String(), r.PnL.String(), r.Reason, r.Detail,
		r.OpenedAt.UTC().Format(time.RFC3339Nano), r.ClosedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (l *Ledger) UpsertDailySummary(ctx context.Context, d state.DailySummary) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (date, trades, wins, losses, pnl)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			trades = excluded.trades,
			wins = excluded.wins,
			losses = excluded.losses,
			pnl = excluded.pnl`,
		d.Date, d.Trades, d.Wins, d.Losses, d.PnL.String(),
	)
	return err
}

// RecentTrades returns up to limit trades, newest first.
func (l *Ledger) RecentTrades(ctx context.Context, limit int) ([]state.TradeRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, position_id, kind, symbol, sector, quantity, entry_price, exit_price, pnl,
			reason, detail, opened_at, closed_at
		FROM trades
		ORDER BY closed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.TradeRecord
	for rows.Next() {
		var (
			r                  state.TradeRecord
			kind               string
			entry, exit, pnl   string
			openedAt, closedAt string
		)
		if err := rows.Scan(&r.ID, &r.PositionID, &kind, &r.Symbol, &r.Sector, &r.Quantity,
			&entry, &exit, &pnl, &r.Reason, &r.Detail, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		r.Kind = state.Kind(kind)
		if r.Entry, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("trade %s entry: %w", r.ID, err)
		}
		if r.Exit, err = decimal.NewFromString(exit); err != nil {
			return nil, fmt.Errorf("trade %s exit: %w", r.ID, err)
		}
		if r.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("trade %s pnl: %w", r.ID, err)
		}
		if r.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
			return nil, fmt.Errorf("trade %s opened_at: %w", r.ID, err)
		}
		if r.ClosedAt, err = time.Parse(time.RFC3339Nano, closedAt); err != nil {
			return nil, fmt.Errorf("trade %s closed_at: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DailySummaries returns every recorded day, oldest first.
func (l *Ledger) DailySummaries(ctx context.Context) ([]state.DailySummary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT date, trades, wins, losses, pnl FROM daily_summaries ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.DailySummary
	for rows.Next() {
		var (
			d   state.DailySummary
			pnl string
		)
		if err := rows.Scan(&d.Date, &d.Trades, &d.Wins, &d.Losses, &pnl); err != nil {
			return nil, err
		}
		if d.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("summary %s pnl: %w", d.Date, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
