package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	_ "modernc.org/sqlite"             // sqlite driver.
)

const table = "print_registry"

const schema = `CREATE TABLE IF NOT EXISTS print_registry (
	name       TEXT PRIMARY KEY,
	value      TEXT,
	counter    BIGINT NOT NULL DEFAULT 0,
	expires_at BIGINT NOT NULL
)`

// SQL 以關聯式資料庫實作的共享 registry，支援 sqlite 與 PostgreSQL (pgx)
type SQL struct {
	db   *sql.DB
	stbl sq.StatementBuilderType
	ttl  time.Duration
	now  func() time.Time
}

// SQLOption 自訂 SQL registry
type SQLOption func(*SQL)

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQL) { s.now = now }
}

// NewSQL 開啟連線並建立資料表。driver 為 "sqlite" 或 "pgx"。
func NewSQL(ctx context.Context, driver, dsn string, ttl time.Duration, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize %s connection: %w", driver, err)
	}

	stbl := sq.StatementBuilder
	switch driver {
	case "sqlite":
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
	case "pgx", "postgres":
		stbl = stbl.PlaceholderFormat(sq.Dollar)
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported registry driver %q", driver)
	}

	s := &SQL{
		db:   db,
		stbl: stbl.RunWith(db),
		ttl:  ttl,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry table: %w", err)
	}
	return s, nil
}

func (s *SQL) expiry() int64 {
	return s.now().Add(s.ttl).UnixMilli()
}

// Get 讀取並刷新 TTL
func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value sql.NullString
	err := s.stbl.
		Select("value").
		From(table).
		Where(sq.Eq{"name": key}).
		Where(sq.Gt{"expires_at": s.now().UnixMilli()}).
		QueryRowContext(ctx).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("registry get %s: %w", key, err)
	}

	_, err = s.stbl.
		Update(table).
		Set("expires_at", s.expiry()).
		Where(sq.Eq{"name": key}).
		ExecContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("registry touch %s: %w", key, err)
	}
	return []byte(value.String), true, nil
}

// Put 覆寫並刷新 TTL
func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	exp := s.expiry()
	_, err := s.stbl.
		Insert(table).
		Columns("name", "value", "expires_at").
		Values(key, string(value), exp).
		Suffix("ON CONFLICT (name) DO UPDATE SET value = ?, expires_at = ?", string(value), exp).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("registry put %s: %w", key, err)
	}
	return nil
}

// Increment 原子累加；過期的計數器從零開始
func (s *SQL) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	_, err := s.stbl.
		Delete(table).
		Where(sq.Eq{"name": key}).
		Where(sq.LtOrEq{"expires_at": s.now().UnixMilli()}).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry expire %s: %w", key, err)
	}

	exp := s.expiry()
	var n int64
	err = s.stbl.
		Insert(table).
		Columns("name", "counter", "expires_at").
		Values(key, delta, exp).
		Suffix("ON CONFLICT (name) DO UPDATE SET counter = "+table+".counter + ?, expires_at = ? RETURNING counter", delta, exp).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry increment %s: %w", key, err)
	}
	return n, nil
}

// Purge 刪除所有過期的 key
func (s *SQL) Purge(ctx context.Context) (int64, error) {
	res, err := s.stbl.
		Delete(table).
		Where(sq.LtOrEq{"expires_at": s.now().UnixMilli()}).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry purge: %w", err)
	}
	return res.RowsAffected()
}

// Close 關閉連線
func (s *SQL) Close() error {
	return s.db.Close()
}
