package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	nonIdentChars  = regexp.MustCompile(`[^a-z0-9_]+`)
)

const (
	defaultTable = "crawl_results"
	// maxTableName leaves room for the "_fields" companion within the 63
	// byte identifier limit.
	maxTableName = 63 - len("_fields")
)

// RunTable names the table of the run stored in runDir: prefix, an
// underscore, then the directory's base name reduced to [a-z0-9_].
func RunTable(prefix, runDir string) string {
	if prefix == "" {
		prefix = defaultTable
	}
	base := nonIdentChars.ReplaceAllString(strings.ToLower(filepath.Base(runDir)), "_")
	base = strings.Trim(base, "_")
	if base == "" {
		return prefix
	}
	name := prefix + "_" + base
	if len(name) > maxTableName {
		name = name[:maxTableName]
	}
	return name
}

// PostgresConfig controls the pool backing a PostgresStore.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore keeps the rows of one run in a table of (position, url,
// cells jsonb) plus a companion "<table>_fields" table holding the ordered
// header.
type PostgresStore struct {
	pool      Pool
	table     string
	canonical []string
}

// NewPostgres connects, creates the tables when missing and returns the store.
func NewPostgres(ctx context.Context, cfg PostgresConfig, canonical []string) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresWithPool(pool, cfg.Table, canonical)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresWithPool builds a store from an existing pool (primarily for testing).
func NewPostgresWithPool(pool Pool, table string, canonical []string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table, canonical: slices.Clone(canonical)}, nil
}

// Migrate creates the row and header tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	position BIGSERIAL,
	url TEXT PRIMARY KEY,
	cells JSONB NOT NULL DEFAULT '{}'::jsonb
)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_fields (
	ordinal INTEGER NOT NULL,
	name TEXT PRIMARY KEY
)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// ReadAll implements Store. A store with no registered header reports ErrNotFound.
func (s *PostgresStore) ReadAll(ctx context.Context) (Table, error) {
	fields, err := s.fields(ctx)
	if err != nil {
		return Table{}, err
	}
	if len(fields) == 0 {
		return Table{}, fmt.Errorf("table %s: %w", s.table, ErrNotFound)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT url, cells FROM %s ORDER BY position`, s.table))
	if err != nil {
		return Table{}, fmt.Errorf("select rows: %w", err)
	}
	defer rows.Close()

	table := Table{Fields: fields}
	for rows.Next() {
		var (
			url string
			raw []byte
		)
		if err := rows.Scan(&url, &raw); err != nil {
			return Table{}, fmt.Errorf("scan row: %w", err)
		}
		rec := make(Record, len(fields))
		for _, f := range fields {
			rec[f] = ""
		}
		if len(raw) > 0 {
			var cells map[string]string
			if err := json.Unmarshal(raw, &cells); err != nil {
				return Table{}, fmt.Errorf("decode cells for %s: %w", url, err)
			}
			for k, v := range cells {
				rec[k] = v
			}
		}
		rec[KeyField] = url
		table.Records = append(table.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return Table{}, fmt.Errorf("iterate rows: %w", err)
	}
	return table, nil
}

// WriteAll implements Store inside a single transaction.
func (s *PostgresStore) WriteAll(ctx context.Context, table Table) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := s.replaceAll(ctx, tx, table); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) replaceAll(ctx context.Context, tx pgx.Tx, table Table) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s_fields`, s.table)); err != nil {
		return fmt.Errorf("clear fields: %w", err)
	}
	for i, f := range table.Fields {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s_fields (ordinal, name) VALUES ($1, $2)`, s.table), i+1, f); err != nil {
			return fmt.Errorf("insert field %s: %w", f, err)
		}
	}
	for _, rec := range collapseDuplicates(table.Records) {
		cells, err := encodeCells(rec)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (url, cells) VALUES ($1, $2::jsonb)`, s.table), rec.URL(), cells); err != nil {
			return fmt.Errorf("insert row %s: %w", rec.URL(), err)
		}
	}
	return nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if rec.URL() == "" {
		return ErrMissingKey
	}
	if err := s.EnsureFields(ctx, unionFields(s.canonical, orderedKeys(s.canonical, rec))); err != nil {
		return err
	}
	cells, err := encodeCells(rec)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s (url, cells) VALUES ($1, $2::jsonb)
ON CONFLICT (url) DO UPDATE SET cells = %[1]s.cells || EXCLUDED.cells`, s.table)
	if _, err := s.pool.Exec(ctx, query, rec.URL(), cells); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.URL(), err)
	}
	return nil
}

// Merge implements Store.
func (s *PostgresStore) Merge(ctx context.Context, url string, cells Record) error {
	update := cells.Clone()
	delete(update, KeyField)
	if err := s.EnsureFields(ctx, orderedKeys(s.canonical, update)); err != nil {
		return err
	}
	payload, err := encodeCells(update)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET cells = cells || $2::jsonb WHERE url = $1`, s.table), url, payload)
	if err != nil {
		return fmt.Errorf("merge %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("merge %s: %w", url, ErrRowNotFound)
	}
	return nil
}

// EnsureFields implements Store; each statement is a no-op for known columns.
func (s *PostgresStore) EnsureFields(ctx context.Context, fields []string) error {
	query := fmt.Sprintf(`INSERT INTO %[1]s_fields (ordinal, name)
SELECT COALESCE(MAX(ordinal), 0) + 1, $1 FROM %[1]s_fields
ON CONFLICT (name) DO NOTHING`, s.table)
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, query, f); err != nil {
			return fmt.Errorf("register field %s: %w", f, err)
		}
	}
	return nil
}

func (s *PostgresStore) fields(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT name FROM %s_fields ORDER BY ordinal`, s.table))
	if err != nil {
		return nil, fmt.Errorf("select fields: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return out, nil
}

func encodeCells(rec Record) ([]byte, error) {
	cells := make(map[string]string, len(rec))
	for k, v := range rec {
		if k == KeyField {
			continue
		}
		cells[k] = v
	}
	data, err := json.Marshal(cells)
	if err != nil {
		return nil, fmt.Errorf("marshal cells: %w", err)
	}
	return data, nil
}
