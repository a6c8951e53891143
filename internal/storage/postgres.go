package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// PostgresConfig holds connection settings for NewPostgresStore.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// PostgresStore is an Interface backed by a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger
}

// NewPostgresStore creates the pool. No connection is opened until first use;
// call Ping to verify reachability.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger logrus.FieldLogger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":      poolConfig.ConnConfig.Host,
		"port":      poolConfig.ConnConfig.Port,
		"db":        poolConfig.ConnConfig.Database,
		"max_conns": poolConfig.MaxConns,
	}).Info("Database pool created")

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Ping verifies a connection can be established.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Acquire checks a dedicated connection out of the pool.
func (s *PostgresStore) Acquire(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &pgSession{conn: conn}, nil
}

// Close closes the pool, waiting for acquired connections to be released.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type pgSession struct {
	conn *pgxpool.Conn
}

func (p *pgSession) EnsureTable(ctx context.Context, id models.TableIdentity) error {
	if p.conn == nil {
		return ErrClosed
	}
	return pgx.BeginFunc(ctx, p.conn, func(tx pgx.Tx) error {
		for _, stmt := range ensureTableStatements(id) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure table %s: %w", id, err)
			}
		}
		return nil
	})
}

func (p *pgSession) Upsert(ctx context.Context, id models.TableIdentity, rec *models.OptionChainRecord) (bool, error) {
	if p.conn == nil {
		return false, ErrClosed
	}
	tag, err := p.conn.Exec(ctx, insertSQL(id), recordArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("insert into %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgSession) Healthy() bool {
	return p.conn != nil && !p.conn.Conn().IsClosed()
}

func (p *pgSession) Release() {
	if p.conn != nil {
		p.conn.Release()
		p.conn = nil
	}
}

// ============ SQL ============

// columns lists the table layout in insert order. The names match the tables
// written by earlier collectors so that existing data stays queryable.
var columns = []struct {
	name    string
	sqlType string
}{
	{"timestamp", "TIMESTAMPTZ(3) PRIMARY KEY"},
	{"expiry", "DATE NOT NULL"},
	{"strike_price", "NUMERIC NOT NULL"},
	{"underlying_spot_price", "NUMERIC"},
	{"call_ltp", "NUMERIC"},
	{"call_close_price", "NUMERIC"},
	{"call_volume", "BIGINT"},
	{"call_oi", "BIGINT"},
	{"call_bid_price", "NUMERIC"},
	{"call_bid_qty", "BIGINT"},
	{"call_ask_price", "NUMERIC"},
	{"call_ask_qty", "BIGINT"},
	{"call_vega", "NUMERIC"},
	{"call_theta", "NUMERIC"},
	{"call_gamma", "NUMERIC"},
	{"call_delta", "NUMERIC"},
	{"call_iv", "NUMERIC"},
	{"put_ltp", "NUMERIC"},
	{"put_close_price", "NUMERIC"},
	{"put_volume", "BIGINT"},
	{"put_oi", "BIGINT"},
	{"put_bid_price", "NUMERIC"},
	{"put_bid_qty", "BIGINT"},
	{"put_ask_price", "NUMERIC"},
	{"put_ask_qty", "BIGINT"},
	{"put_vega", "NUMERIC"},
	{"put_theta", "NUMERIC"},
	{"put_gamma", "NUMERIC"},
	{"put_delta", "NUMERIC"},
	{"put_iv", "NUMERIC"},
	{"pcr", "NUMERIC"},
	{"underlying_key", "TEXT NOT NULL"},
}

var indexedColumns = []string{"underlying_key", "strike_price", "expiry"}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func ensureTableStatements(id models.TableIdentity) []string {
	table := quoteIdent(id.String())

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c.name) + " " + c.sqlType
	}
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(defs, ",\n\t")),
	}
	for _, col := range indexedColumns {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(indexName(id, col)), table, quoteIdent(col)))
	}
	stmts = append(stmts, fmt.Sprintf("COMMENT ON TABLE %s IS '%s'", table, SchemaVersion))
	return stmts
}

// indexName returns idx_<table>_<column>, shortened with a hash of the table
// name when that would exceed PostgreSQL's identifier limit. Index names are
// schema-global, so two long tables must not truncate to the same name.
func indexName(id models.TableIdentity, column string) string {
	const maxLen = 63
	name := "idx_" + id.String() + "_" + column
	if len(name) <= maxLen {
		return name
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.String()))
	tag := fmt.Sprintf("%08x", h.Sum32())
	keep := maxLen - len("idx_") - len(tag) - len(column) - 2
	return "idx_" + id.String()[:keep] + "_" + tag + "_" + column
}

func insertSQL(id models.TableIdentity) string {
	names := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		names[i] = quoteIdent(c.name)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		quoteIdent(id.String()), strings.Join(names, ", "), strings.Join(params, ", "), quoteIdent("timestamp"))
}

// recordArgs returns rec's values in column order. Invalid decimals and nil
// counts encode as NULL.
func recordArgs(rec *models.OptionChainRecord) []any {
	args := []any{
		rec.CapturedAt,
		rec.Expiry.In(time.UTC),
		rec.StrikePrice,
		rec.SpotPrice,
	}
	args = append(args, quoteArgs(&rec.Call)...)
	args = append(args, quoteArgs(&rec.Put)...)
	return append(args, rec.PCR, rec.UnderlyingKey)
}

func quoteArgs(q *models.Quote) []any {
	return []any{
		q.LastPrice, q.PrevClose, q.Volume, q.OpenInterest,
		q.BidPrice, q.BidQty, q.AskPrice, q.AskQty,
		q.Vega, q.Theta, q.Gamma, q.Delta, q.IV,
	}
}
