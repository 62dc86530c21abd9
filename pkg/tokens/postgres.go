package tokens

import (
	"context"
	"errors"

	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS blip_tokens (
	service    TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps token hashes in a PostgreSQL table. Uniqueness of a
// service's token is enforced by the primary key.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cost   int
	logger *logger.Logger
}

// NewPostgresStore connects to databaseURL and ensures the table exists
func NewPostgresStore(ctx context.Context, databaseURL string, cost int, log *logger.Logger) (*PostgresStore, error) {
	if log == nil {
		log = logger.Nop()
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to parse database URL", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to create database pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to ping database", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create token table", err)
	}

	s := &PostgresStore{
		pool:   pool,
		cost:   cost,
		logger: log.With("component", "token_store", "backend", "postgres"),
	}
	s.logger.Info("Token store connected")
	return s, nil
}

func (s *PostgresStore) hash(ctx context.Context, service string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT token_hash FROM blip_tokens WHERE service = $1`, service).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound(service)
	}
	if err != nil {
		return "", types.WrapError(types.ErrCodeUnavailable, "failed to read token", err)
	}
	return hash, nil
}

// Exists reports whether service has a registered token
func (s *PostgresStore) Exists(ctx context.Context, service string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blip_tokens WHERE service = $1)`, service).Scan(&exists)
	if err != nil {
		return false, types.WrapError(types.ErrCodeUnavailable, "failed to look up token", err)
	}
	return exists, nil
}

// Create issues and stores a token for service
func (s *PostgresStore) Create(ctx context.Context, service string) (string, error) {
	token, hash, err := generate(s.cost)
	if err != nil {
		return "", err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO blip_tokens (service, token_hash) VALUES ($1, $2) ON CONFLICT (service) DO NOTHING`,
		service, hash)
	if err != nil {
		return "", types.WrapError(types.ErrCodeUnavailable, "failed to store token", err)
	}
	if tag.RowsAffected() == 0 {
		return "", alreadyExists(service)
	}
	s.logger.Info("Token issued", "service", service)
	return token, nil
}

// Verify checks token against the stored hash
func (s *PostgresStore) Verify(ctx context.Context, service, token string) (bool, error) {
	hash, err := s.hash(ctx, service)
	if err != nil {
		return false, err
	}
	return matches(hash, token)
}

// Delete removes the token for service after verifying token. The delete is
// conditioned on the verified hash so a concurrent rotation is not lost.
func (s *PostgresStore) Delete(ctx context.Context, service, token string) error {
	hash, err := s.hash(ctx, service)
	if err != nil {
		return err
	}
	ok, err := matches(hash, token)
	if err != nil {
		return err
	}
	if !ok {
		return mismatch(service)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM blip_tokens WHERE service = $1 AND token_hash = $2`, service, hash)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to delete token", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(service)
	}
	s.logger.Info("Token deleted", "service", service)
	return nil
}

// Revoke removes the token for service unconditionally
func (s *PostgresStore) Revoke(ctx context.Context, service string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blip_tokens WHERE service = $1`, service)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to revoke token", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(service)
	}
	s.logger.Info("Token revoked", "service", service)
	return nil
}

// List returns the registered service names
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT service FROM blip_tokens ORDER BY service`)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to list tokens", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to list tokens", err)
	}
	return names, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
