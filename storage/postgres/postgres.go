// Package postgres provides a PostgreSQL implementation of the credpool store
// interfaces. Credential claims use SELECT FOR UPDATE SKIP LOCKED so concurrent
// routers never contend on the same row, and daily counters use a conditional
// UPDATE so the check and the increment are a single statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// Store implements credpool.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background usage-log cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to prune old usage logs
	UsageLogTTL     time.Duration // Retention for usage log rows
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		UsageLogTTL:     30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close stops the cleanup goroutine and closes the connection pool.
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL,
			name            TEXT NOT NULL,
			endpoint        TEXT NOT NULL,
			secret          TEXT NOT NULL,
			models          TEXT[] NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			tags            TEXT[] NOT NULL DEFAULT '{}',
			daily_limit     BIGINT NOT NULL,
			usage_today     BIGINT NOT NULL DEFAULT 0,
			usage_day       DATE,
			lifetime_usage  BIGINT NOT NULL DEFAULT 0,
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at    TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_owner ON credentials (owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_claim ON credentials (active, last_used_at ASC NULLS FIRST)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id             TEXT PRIMARY KEY,
			credential_id  TEXT NOT NULL REFERENCES credentials (id) ON DELETE CASCADE,
			user_id        TEXT NOT NULL,
			endpoint       TEXT NOT NULL DEFAULT '',
			model          TEXT NOT NULL,
			success        BOOLEAN NOT NULL,
			error_message  TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_credential ON usage_logs (credential_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS daily_counters (
			user_id  TEXT NOT NULL,
			kind     TEXT NOT NULL,
			day      DATE NOT NULL,
			count    BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, kind, day)
		)`,
	}

	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// CreateCredential implements credpool.CredentialStore.
func (s *Store) CreateCredential(ctx context.Context, cred *credpool.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials
			(id, owner_id, name, endpoint, secret, models, description, tags, daily_limit,
			 usage_today, lifetime_usage, active, last_used_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cred.ID, cred.OwnerID, cred.Name, cred.Endpoint, cred.Secret, cred.Models,
		cred.Description, cred.Tags, cred.DailyLimit, cred.UsageToday,
		cred.LifetimeUsage, cred.Active, cred.LastUsedAt, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// GetCredential implements credpool.CredentialStore.
func (s *Store) GetCredential(ctx context.Context, id string) (*credpool.Credential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, endpoint, secret, models, description, tags, daily_limit,
			usage_today, lifetime_usage, active, last_used_at, created_at, updated_at
		FROM credentials WHERE id = $1`, id)
	return scanCredential(row)
}

// ListCredentialsByOwner implements credpool.CredentialStore.
func (s *Store) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*credpool.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, endpoint, secret, models, description, tags, daily_limit,
			usage_today, lifetime_usage, active, last_used_at, created_at, updated_at
		FROM credentials WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*credpool.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// HasActiveDuplicate implements credpool.CredentialStore.
func (s *Store) HasActiveDuplicate(ctx context.Context, ownerID, endpoint, secret string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM credentials
			WHERE owner_id = $1 AND endpoint = $2 AND secret = $3 AND active
		)`, ownerID, endpoint, secret).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}
	return exists, nil
}

// ClaimCredential implements credpool.CredentialStore. The least recently
// used eligible credential is locked with SKIP LOCKED, its stale usage is
// rolled over to the current day, and its counters are bumped in the same
// transaction.
func (s *Store) ClaimCredential(ctx context.Context, model string, day time.Time) (*credpool.Credential, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`SELECT id, owner_id, name, endpoint, secret, models, description, tags, daily_limit,
			usage_today, lifetime_usage, active, last_used_at, created_at, updated_at
		FROM credentials
		WHERE active
			AND $1 = ANY (models)
			AND (daily_limit = $2
				OR usage_day IS NULL
				OR usage_day < $3
				OR usage_today < daily_limit)
		ORDER BY last_used_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		model, credpool.UnlimitedDailyLimit, day)

	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, credpool.ErrCredentialNotFound) {
			return nil, credpool.ErrSharedPoolExhausted
		}
		return nil, err
	}

	now := time.Now().UTC()
	var usageToday int64
	err = tx.QueryRow(ctx,
		`UPDATE credentials
		SET usage_today = CASE WHEN usage_day IS NULL OR usage_day < $2 THEN 1 ELSE usage_today + 1 END,
			usage_day = $2,
			lifetime_usage = lifetime_usage + 1,
			last_used_at = $3,
			updated_at = $3
		WHERE id = $1
		RETURNING usage_today`,
		cred.ID, day, now).Scan(&usageToday)
	if err != nil {
		return nil, fmt.Errorf("failed to record claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	cred.UsageToday = int(usageToday)
	cred.LifetimeUsage++
	cred.LastUsedAt = &now
	cred.UpdatedAt = now
	return cred, nil
}

// SetCredentialActive implements credpool.CredentialStore.
func (s *Store) SetCredentialActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credpool.ErrCredentialNotFound
	}
	return nil
}

// SetCredentialDailyLimit implements credpool.CredentialStore.
func (s *Store) SetCredentialDailyLimit(ctx context.Context, id string, limit int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET daily_limit = $2, updated_at = NOW() WHERE id = $1`, id, limit)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credpool.ErrCredentialNotFound
	}
	return nil
}

// DeleteCredential implements credpool.CredentialStore. Usage logs are
// removed by the ON DELETE CASCADE foreign key.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credpool.ErrCredentialNotFound
	}
	return nil
}

// ContributorTotals implements credpool.CredentialStore.
func (s *Store) ContributorTotals(ctx context.Context) ([]credpool.ContributorStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE active),
			COALESCE(SUM(lifetime_usage), 0)
		FROM credentials
		GROUP BY owner_id
		ORDER BY COALESCE(SUM(lifetime_usage), 0) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributor totals: %w", err)
	}
	defer rows.Close()

	var out []credpool.ContributorStat
	for rows.Next() {
		var stat credpool.ContributorStat
		if err := rows.Scan(&stat.OwnerID, &stat.Credentials, &stat.ActiveCredentials, &stat.TotalUsage); err != nil {
			return nil, fmt.Errorf("failed to scan contributor row: %w", err)
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}

// IncrementIfBelow implements credpool.LedgerStore. The conditional UPDATE
// makes the limit check and the increment one atomic statement.
func (s *Store) IncrementIfBelow(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time, limit int) (bool, int, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_counters (user_id, kind, day, count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, kind, day) DO NOTHING`,
		userID, string(kind), day)
	if err != nil {
		return false, 0, fmt.Errorf("failed to ensure counter row: %w", err)
	}

	var count int64
	err = s.pool.QueryRow(ctx,
		`UPDATE daily_counters
		SET count = count + 1
		WHERE user_id = $1 AND kind = $2 AND day = $3 AND count < $4
		RETURNING count`,
		userID, string(kind), day, limit).Scan(&count)
	if err == nil {
		return true, int(count), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	// Denied. Read the current value for the caller's decision payload.
	err = s.pool.QueryRow(ctx,
		`SELECT count FROM daily_counters WHERE user_id = $1 AND kind = $2 AND day = $3`,
		userID, string(kind), day).Scan(&count)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return false, int(count), nil
}

// DecrementCounter implements credpool.LedgerStore.
func (s *Store) DecrementCounter(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`UPDATE daily_counters
		SET count = count - 1
		WHERE user_id = $1 AND kind = $2 AND day = $3 AND count > 0
		RETURNING count`,
		userID, string(kind), day).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrement counter: %w", err)
	}
	return int(count), nil
}

// GetCounter implements credpool.LedgerStore.
func (s *Store) GetCounter(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM daily_counters WHERE user_id = $1 AND kind = $2 AND day = $3`,
		userID, string(kind), day).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return int(count), nil
}

// AppendUsageLog implements credpool.UsageLogStore.
func (s *Store) AppendUsageLog(ctx context.Context, entry *credpool.UsageLogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_logs (id, credential_id, user_id, endpoint, model, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.CredentialID, entry.UserID, entry.Endpoint, entry.Model,
		entry.Success, entry.ErrorMessage, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// ListUsageLogs implements credpool.UsageLogStore.
func (s *Store) ListUsageLogs(ctx context.Context, credentialID string, limit int) ([]*credpool.UsageLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, credential_id, user_id, endpoint, model, success, error_message, created_at
		FROM usage_logs WHERE credential_id = $1
		ORDER BY created_at DESC LIMIT $2`, credentialID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage logs: %w", err)
	}
	defer rows.Close()

	var out []*credpool.UsageLogEntry
	for rows.Next() {
		var entry credpool.UsageLogEntry
		if err := rows.Scan(&entry.ID, &entry.CredentialID, &entry.UserID, &entry.Endpoint,
			&entry.Model, &entry.Success, &entry.ErrorMessage, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// startCleanup runs periodic pruning of old usage logs.
// Runs until the context is cancelled via Close().
func (s *Store) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Periodic cleanup errors are non-fatal
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes usage log rows older than the configured TTL.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.UsageLogTTL)
	_, err := s.pool.Exec(ctx, `DELETE FROM usage_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup usage logs: %w", err)
	}
	return nil
}

func scanCredential(row pgx.Row) (*credpool.Credential, error) {
	var cred credpool.Credential
	err := row.Scan(&cred.ID, &cred.OwnerID, &cred.Name, &cred.Endpoint, &cred.Secret,
		&cred.Models, &cred.Description, &cred.Tags, &cred.DailyLimit, &cred.UsageToday,
		&cred.LifetimeUsage, &cred.Active, &cred.LastUsedAt, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credpool.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	return &cred, nil
}
