// Package memory is the returning-caller store: names remembered across
// calls, keyed by caller address, plus a per-call outcome log. Backed by
// Postgres; deployments without a database use the Noop store.
package memory

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voxline/frontdesk/pkg/bridge/session"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store implements session.CallerMemory on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects, verifies the connection, and applies pending migrations.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(poolConfig.ConnConfig.ConnString()); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("caller memory store ready")
	return &Store{pool: pool, logger: logger}, nil
}

func migrate(connString string) error {
	db := stdlib.OpenDB(*mustParseConnConfig(connString))
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func mustParseConnConfig(connString string) *pgx.ConnConfig {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		// The pool already parsed this string; a failure here is a bug.
		panic(fmt.Sprintf("reparse conn string: %v", err))
	}
	return cfg
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Lookup(ctx context.Context, address string) (session.RememberedCaller, bool, error) {
	address = normalizeAddress(address)
	if address == "" {
		return session.RememberedCaller{}, false, nil
	}

	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT name FROM callers WHERE address = $1`, address,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.RememberedCaller{}, false, nil
	}
	if err != nil {
		return session.RememberedCaller{}, false, fmt.Errorf("lookup caller: %w", err)
	}
	return session.RememberedCaller{Name: name}, true, nil
}

func (s *Store) SaveName(ctx context.Context, address, name string) error {
	address = normalizeAddress(address)
	name = strings.TrimSpace(name)
	if address == "" || name == "" {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO callers (address, name, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (address)
		DO UPDATE SET name = EXCLUDED.name, updated_at = now()`,
		address, name)
	if err != nil {
		return fmt.Errorf("save caller name: %w", err)
	}
	return nil
}

func (s *Store) UpsertCall(ctx context.Context, rec session.CallRecord) error {
	if strings.TrimSpace(rec.CallSid) == "" {
		return fmt.Errorf("call sid is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (call_sid, caller, called, started_at, ended_at, category, name, message, callback_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_sid)
		DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			category = EXCLUDED.category,
			name = EXCLUDED.name,
			message = EXCLUDED.message,
			callback_number = EXCLUDED.callback_number`,
		rec.CallSid, normalizeAddress(rec.Caller), normalizeAddress(rec.Called),
		rec.StartedAt, rec.EndedAt, rec.Category, rec.Name, rec.Message, rec.CallbackNumber)
	if err != nil {
		return fmt.Errorf("upsert call: %w", err)
	}
	return nil
}

func normalizeAddress(address string) string {
	return strings.TrimSpace(address)
}
