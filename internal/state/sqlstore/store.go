// Package sqlstore implements the strategy store and the key/value journal
// on top of database/sql. The sqlite and postgres packages open the
// connection and pick the dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"syphon-executor/internal/strategy"

	"github.com/shopspring/decimal"
)

const strategyColumns = `id, user_id, strategy_type, asset_in, asset_out, amount, recipient, price_feed_id,
	zkp_data, encrypted_upper_bound, encrypted_lower_bound, server_key, encrypted_client_key,
	status, attempts, last_error, tx_hash, created_at_ms, updated_at_ms`

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: time.Now}
	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init %s schema: %w", dialect.Name, err)
		}
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Create(ctx context.Context, st *strategy.Strategy) error {
	if st == nil || st.ID == "" {
		return errors.New("strategy id is required")
	}
	if st.Status == "" {
		st.Status = strategy.StatusPending
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now().UTC()
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}
	_, err := s.exec(ctx, `INSERT INTO strategies (`+strategyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.UserID, string(st.Type), st.AssetIn, st.AssetOut, st.Amount.String(), st.Recipient, st.PriceFeedID,
		st.ZKPData, st.EncryptedUpperBound, st.EncryptedLowerBound, st.ServerKey, st.EncryptedClientKey,
		string(st.Status), st.Attempts, st.LastError, st.TxHash, st.CreatedAt.UnixMilli(), st.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (strategy.Strategy, error) {
	row := s.queryRow(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return strategy.Strategy{}, strategy.ErrNotFound
		}
		return strategy.Strategy{}, err
	}
	return st, nil
}

func (s *Store) GetPending(ctx context.Context) ([]strategy.Strategy, error) {
	return s.ListByStatus(ctx, strategy.StatusPending)
}

func (s *Store) ListByStatus(ctx context.Context, status strategy.Status) ([]strategy.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+strategyColumns+` FROM strategies WHERE status = ? ORDER BY created_at_ms, id`), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []strategy.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id string, from, to strategy.Status) (bool, error) {
	if err := strategy.CheckTransition(from, to); err != nil {
		return false, err
	}
	query := `UPDATE strategies SET status = ?, updated_at_ms = ? WHERE id = ? AND status = ?`
	if to == strategy.StatusSubmitted {
		query = `UPDATE strategies SET status = ?, updated_at_ms = ?, tx_hash = '' WHERE id = ? AND status = ?`
	}
	res, err := s.exec(ctx, query, string(to), s.now().UnixMilli(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) MarkSubmitted(ctx context.Context, id, txHash string) error {
	res, err := s.exec(ctx, `UPDATE strategies SET tx_hash = ?, updated_at_ms = ? WHERE id = ? AND status = ?`,
		txHash, s.now().UnixMilli(), id, string(strategy.StatusSubmitted))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return strategy.ErrStatusConflict
	}
	return nil
}

func (s *Store) RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (strategy.Status, error) {
	var status string
	err := s.queryRow(ctx, `UPDATE strategies SET
			attempts = attempts + 1,
			last_error = ?,
			status = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN ? ELSE ? END,
			updated_at_ms = ?
		WHERE id = ? AND status = ?
		RETURNING status`,
		reason, maxAttempts, maxAttempts, string(strategy.StatusFailed), string(strategy.StatusPending),
		s.now().UnixMilli(), id, string(strategy.StatusSubmitted),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", strategy.ErrStatusConflict
		}
		return "", err
	}
	return strategy.Status(status), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (strategy.Strategy, error) {
	var st strategy.Strategy
	var typ, status, amount string
	var createdMS, updatedMS int64
	err := row.Scan(&st.ID, &st.UserID, &typ, &st.AssetIn, &st.AssetOut, &amount, &st.Recipient, &st.PriceFeedID,
		&st.ZKPData, &st.EncryptedUpperBound, &st.EncryptedLowerBound, &st.ServerKey, &st.EncryptedClientKey,
		&status, &st.Attempts, &st.LastError, &st.TxHash, &createdMS, &updatedMS)
	if err != nil {
		return strategy.Strategy{}, err
	}
	st.Type = strategy.Type(typ)
	st.Status = strategy.Status(status)
	st.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return strategy.Strategy{}, fmt.Errorf("strategy %s amount: %w", st.ID, err)
	}
	st.CreatedAt = time.UnixMilli(createdMS).UTC()
	st.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return st, nil
}
