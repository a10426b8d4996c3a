package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vitos/spot_averaging/internal/domain"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrInfrastructure, dbPath, err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrInfrastructure, err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL,
			address TEXT NOT NULL,
			encoded_key TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			api_secret TEXT NOT NULL DEFAULT '',
			proxy TEXT NOT NULL DEFAULT '',
			mode INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_key TEXT NOT NULL,
			text TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_account ON reports(account_key);`,
		`CREATE TABLE IF NOT EXISTS statistics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			account TEXT NOT NULL,
			current_price TEXT NOT NULL,
			operation TEXT NOT NULL,
			token_amount TEXT NOT NULL,
			operation_price TEXT NOT NULL,
			usdc_balance TEXT NOT NULL,
			token_balance TEXT NOT NULL,
			limit_orders_value TEXT NOT NULL,
			total_value TEXT NOT NULL,
			limit_orders_list TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_statistics_account ON statistics(account, ts);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// Queue

// AddToQueue enqueues one account run; used by seed mode.
func (s *SQLiteStore) AddToQueue(ctx context.Context, account domain.Account, mode int) (int64, error) {
	query := `INSERT INTO modules (label, address, encoded_key, api_key, api_secret, proxy, mode, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		account.Label, account.Address, account.EncodedKey, account.APIKey, account.APISecret, account.Proxy,
		mode, s.now())
	if err != nil {
		return 0, fmt.Errorf("%w: enqueue %s: %w", domain.ErrInfrastructure, account.Label, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetAllPending(ctx context.Context) ([]domain.QueueEntry, error) {
	query := `SELECT id, label, address, encoded_key, api_key, api_secret, proxy, mode, created_at FROM modules ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %w", domain.ErrInfrastructure, err)
	}
	defer rows.Close()

	var entries []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		a := &e.Account
		if err := rows.Scan(&e.ID, &a.Label, &a.Address, &a.EncodedKey, &a.APIKey, &a.APISecret, &a.Proxy, &e.Mode, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan queue: %w", domain.ErrInfrastructure, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list queue: %w", domain.ErrInfrastructure, err)
	}
	if len(entries) == 0 {
		return nil, domain.ErrQueueEmpty
	}
	return entries, nil
}

func (s *SQLiteStore) RemoveFromQueue(ctx context.Context, entry domain.QueueEntry) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM modules WHERE id = ?", entry.ID); err != nil {
		return fmt.Errorf("%w: dequeue %d: %w", domain.ErrInfrastructure, entry.ID, err)
	}
	return nil
}

// Reports

func (s *SQLiteStore) AppendReport(ctx context.Context, accountKey, text string, success bool) error {
	query := `INSERT INTO reports (account_key, text, success, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, accountKey, text, success, s.now()); err != nil {
		return fmt.Errorf("%w: append report: %w", domain.ErrInfrastructure, err)
	}
	return nil
}

// GetReports returns the collected lines of one account and clears them. An account
// without lines gets "No actions".
func (s *SQLiteStore) GetReports(ctx context.Context, accountKey string, mode int) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: read reports: %w", domain.ErrInfrastructure, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT text, success FROM reports WHERE account_key = ? ORDER BY id`, accountKey)
	if err != nil {
		return "", fmt.Errorf("%w: read reports: %w", domain.ErrInfrastructure, err)
	}
	var lines []string
	for rows.Next() {
		var text string
		var success bool
		if err := rows.Scan(&text, &success); err != nil {
			rows.Close()
			return "", fmt.Errorf("%w: scan report: %w", domain.ErrInfrastructure, err)
		}
		mark := "✅"
		if !success {
			mark = "❌"
		}
		lines = append(lines, mark+" "+text)
	}
	rows.Close()

	if len(lines) == 0 {
		return "No actions", nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE account_key = ?`, accountKey); err != nil {
		return "", fmt.Errorf("%w: clear reports: %w", domain.ErrInfrastructure, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: clear reports: %w", domain.ErrInfrastructure, err)
	}
	return fmt.Sprintf("<b>Mode %d</b>\n%s", mode, strings.Join(lines, "\n\n")), nil
}

// Statistics

func (s *SQLiteStore) AppendStat(ctx context.Context, r domain.StatRecord) error {
	query := `INSERT INTO statistics (ts, account, current_price, operation, token_amount, operation_price,
			  usdc_balance, token_balance, limit_orders_value, total_value, limit_orders_list)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.Timestamp, r.Account, r.CurrentPrice.String(), r.Operation, r.TokenAmount.String(), r.OperationPrice.String(),
		r.USDCBalance.String(), r.TokenBalance.String(), r.LimitOrdersValue.String(), r.TotalValue.String(), r.LimitOrdersList)
	if err != nil {
		return fmt.Errorf("append stat: %w", err)
	}
	return nil
}

// ListStats returns the newest rows first; an empty account selects every account.
func (s *SQLiteStore) ListStats(ctx context.Context, account string, limit int) ([]domain.StatRecord, error) {
	query := `SELECT ts, account, current_price, operation, token_amount, operation_price, usdc_balance,
			  token_balance, limit_orders_value, total_value, limit_orders_list
			  FROM statistics WHERE (? = '' OR account = ?) ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, account, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StatRecord
	for rows.Next() {
		var r domain.StatRecord
		var price, amount, opPrice, usdc, token, limitValue, total string
		if err := rows.Scan(&r.Timestamp, &r.Account, &price, &r.Operation, &amount, &opPrice,
			&usdc, &token, &limitValue, &total, &r.LimitOrdersList); err != nil {
			return nil, err
		}
		r.CurrentPrice = parseDecimal(price)
		r.TokenAmount = parseDecimal(amount)
		r.OperationPrice = parseDecimal(opPrice)
		r.USDCBalance = parseDecimal(usdc)
		r.TokenBalance = parseDecimal(token)
		r.LimitOrdersValue = parseDecimal(limitValue)
		r.TotalValue = parseDecimal(total)
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
