package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gridmaker/internal/core"
	"gridmaker/pkg/concurrency"
	apperrors "gridmaker/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS grid_state (
	bot         TEXT PRIMARY KEY,
	slots       TEXT NOT NULL DEFAULT '',
	checksum    BLOB,
	cache_buy   TEXT NOT NULL DEFAULT '0',
	cache_sell  TEXT NOT NULL DEFAULT '0',
	fees_owed   TEXT NOT NULL DEFAULT '0',
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_fills (
	bot          TEXT NOT NULL,
	fill_key     TEXT NOT NULL,
	processed_at INTEGER NOT NULL,
	PRIMARY KEY (bot, fill_key)
);
CREATE INDEX IF NOT EXISTS idx_processed_fills_age ON processed_fills (bot, processed_at);
`

// SQLiteStore persists one engine instance's state in a shared SQLite file.
// Rows are keyed by bot so several engines may share a database.
type SQLiteStore struct {
	db    *sql.DB
	bot   string
	guard *concurrency.Guard
}

// gridRow is the full persisted state of one bot
type gridRow struct {
	slots      []core.OrderSlot
	hasGrid    bool
	cacheFunds core.SideAmounts
	feesOwed   decimal.Decimal
}

// NewSQLiteStore opens (and if needed initializes) the database at dbPath
func NewSQLiteStore(dbPath, bot string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:    db,
		bot:   bot,
		guard: concurrency.NewGuard("persistence"),
	}, nil
}

func (s *SQLiteStore) readRow(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (gridRow, error) {
	var (
		row                     gridRow
		slots                   string
		checksum                []byte
		cacheBuy, cacheSell, fo string
	)
	err := q.QueryRowContext(ctx,
		`SELECT slots, checksum, cache_buy, cache_sell, fees_owed FROM grid_state WHERE bot = ?`, s.bot,
	).Scan(&slots, &checksum, &cacheBuy, &cacheSell, &fo)
	if errors.Is(err, sql.ErrNoRows) {
		return row, nil
	}
	if err != nil {
		return row, fmt.Errorf("failed to read state from db: %w", err)
	}

	if slots != "" {
		computed := sha256.Sum256([]byte(slots))
		if !bytes.Equal(computed[:], checksum) {
			return row, fmt.Errorf("grid snapshot for %s: %w", s.bot, apperrors.ErrChecksumMismatch)
		}
		if err := json.Unmarshal([]byte(slots), &row.slots); err != nil {
			return row, fmt.Errorf("failed to unmarshal grid: %w", err)
		}
		row.hasGrid = true
	}

	if row.cacheFunds.Buy, err = decimal.NewFromString(cacheBuy); err != nil {
		return row, fmt.Errorf("invalid cache_buy: %w", err)
	}
	if row.cacheFunds.Sell, err = decimal.NewFromString(cacheSell); err != nil {
		return row, fmt.Errorf("invalid cache_sell: %w", err)
	}
	if row.feesOwed, err = decimal.NewFromString(fo); err != nil {
		return row, fmt.Errorf("invalid fees_owed: %w", err)
	}
	return row, nil
}

// mutate runs a serialized read-modify-write of the bot's row. The row is
// re-read inside the transaction so a concurrent writer's last state is the
// base of every update.
func (s *SQLiteStore) mutate(ctx context.Context, fn func(row *gridRow) error) error {
	return s.guard.Acquire(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		row, err := s.readRow(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(&row); err != nil {
			return err
		}

		var slots string
		var checksum []byte
		if row.hasGrid {
			data, err := json.Marshal(row.slots)
			if err != nil {
				return fmt.Errorf("failed to marshal grid: %w", err)
			}
			sum := sha256.Sum256(data)
			slots, checksum = string(data), sum[:]
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO grid_state (bot, slots, checksum, cache_buy, cache_sell, fees_owed, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.bot, slots, checksum,
			row.cacheFunds.Buy.String(), row.cacheFunds.Sell.String(), row.feesOwed.String(),
			time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to write state to db: %w", err)
		}
		return tx.Commit()
	})
}

// LoadGrid returns the persisted snapshot, or nil when none exists
func (s *SQLiteStore) LoadGrid(ctx context.Context) ([]core.OrderSlot, error) {
	row, err := s.readRow(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if !row.hasGrid {
		return nil, nil
	}
	return row.slots, nil
}

// StoreGrid writes the snapshot together with the funds that produced it
func (s *SQLiteStore) StoreGrid(ctx context.Context, slots []core.OrderSlot, cacheFunds core.SideAmounts, feesOwed decimal.Decimal) error {
	if err := checkNonNegative(cacheFunds, feesOwed); err != nil {
		return err
	}
	return s.mutate(ctx, func(row *gridRow) error {
		row.slots = append([]core.OrderSlot(nil), slots...)
		row.hasGrid = true
		row.cacheFunds = cacheFunds
		row.feesOwed = feesOwed
		return nil
	})
}

func (s *SQLiteStore) LoadCacheFunds(ctx context.Context) (core.SideAmounts, error) {
	row, err := s.readRow(ctx, s.db)
	return row.cacheFunds, err
}

func (s *SQLiteStore) UpdateCacheFunds(ctx context.Context, cacheFunds core.SideAmounts) error {
	if err := checkNonNegative(cacheFunds, decimal.Zero); err != nil {
		return err
	}
	return s.mutate(ctx, func(row *gridRow) error {
		row.cacheFunds = cacheFunds
		return nil
	})
}

func (s *SQLiteStore) LoadFeesOwed(ctx context.Context) (decimal.Decimal, error) {
	row, err := s.readRow(ctx, s.db)
	return row.feesOwed, err
}

func (s *SQLiteStore) UpdateFeesOwed(ctx context.Context, feesOwed decimal.Decimal) error {
	if err := checkNonNegative(core.SideAmounts{}, feesOwed); err != nil {
		return err
	}
	return s.mutate(ctx, func(row *gridRow) error {
		row.feesOwed = feesOwed
		return nil
	})
}

// LoadProcessedFills returns the dedupe ledger keyed by fill key
func (s *SQLiteStore) LoadProcessedFills(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fill_key, processed_at FROM processed_fills WHERE bot = ?`, s.bot)
	if err != nil {
		return nil, fmt.Errorf("failed to read processed fills: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var at int64
		if err := rows.Scan(&key, &at); err != nil {
			return nil, fmt.Errorf("failed to scan processed fill: %w", err)
		}
		out[key] = time.Unix(0, at)
	}
	return out, rows.Err()
}

// UpdateProcessedFillsBatch upserts many ledger entries in one transaction
func (s *SQLiteStore) UpdateProcessedFillsBatch(ctx context.Context, fills map[string]time.Time) error {
	if len(fills) == 0 {
		return nil
	}
	return s.guard.Acquire(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO processed_fills (bot, fill_key, processed_at) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for key, at := range fills {
			if _, err := stmt.ExecContext(ctx, s.bot, key, at.UnixNano()); err != nil {
				return fmt.Errorf("failed to write processed fill %s: %w", key, err)
			}
		}
		return tx.Commit()
	})
}

// PruneProcessedFillsOlderThan removes ledger entries older than age
func (s *SQLiteStore) PruneProcessedFillsOlderThan(ctx context.Context, age time.Duration) (int, error) {
	var removed int
	err := s.guard.Acquire(ctx, func(ctx context.Context) error {
		cutoff := time.Now().Add(-age).UnixNano()
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM processed_fills WHERE bot = ? AND processed_at < ?`, s.bot, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune processed fills: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkNonNegative(cacheFunds core.SideAmounts, feesOwed decimal.Decimal) error {
	if cacheFunds.Buy.IsNegative() || cacheFunds.Sell.IsNegative() || feesOwed.IsNegative() {
		return fmt.Errorf("refusing to persist negative funds (cache=%s/%s fees=%s)", cacheFunds.Buy, cacheFunds.Sell, feesOwed)
	}
	return nil
}
