package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
)

var (
	// ErrDuplicate means an active user with the same external id exists.
	ErrDuplicate = errors.New("duplicate external id")
	// ErrNotFound means no matching active user.
	ErrNotFound = errors.New("user not found")
)

// PostgresStore is the authoritative store of users and their descriptors.
// The vector index is derived state; this store is what a rebuild reads.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MaxConnIdleTime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			external_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			client_ref TEXT NOT NULL DEFAULT '',
			descriptor JSONB NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_recognition_at TIMESTAMPTZ,
			recognition_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_external_id_active_uniq
			ON users (external_id) WHERE active`,
		`CREATE TABLE IF NOT EXISTS recognition_logs (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT REFERENCES users (id),
			operation TEXT NOT NULL,
			matched BOOLEAN NOT NULL DEFAULT FALSE,
			distance DOUBLE PRECISION,
			backend TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			embedding vector(128),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// observe returns a func that records the query duration when called.
func observe(operation string) func() {
	start := time.Now()
	return func() {
		observability.DBQueryDuration.WithLabelValues(operation).
			Observe(time.Since(start).Seconds())
	}
}

// Create inserts a new active user. Fails with ErrDuplicate when an active
// user with the same external id exists.
func (s *PostgresStore) Create(ctx context.Context, u *models.User) error {
	defer observe("create_user")()

	raw, err := u.Descriptor.JSON()
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO users (external_id, display_name, client_ref, descriptor, confidence)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, active, created_at, updated_at`,
		u.ExternalID, u.DisplayName, u.ClientRef, raw, u.Confidence,
	).Scan(&u.ID, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, external_id, display_name, client_ref, descriptor, confidence,
	active, created_at, updated_at, last_recognition_at, recognition_count`

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	var raw []byte
	err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.ClientRef, &raw,
		&u.Confidence, &u.Active, &u.CreatedAt, &u.UpdatedAt,
		&u.LastRecognitionAt, &u.RecognitionCount)
	if err != nil {
		return nil, err
	}
	d, err := models.ParseDescriptor(raw)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", u.ID, err)
	}
	u.Descriptor = d
	return u, nil
}

// FindByExternalID returns the active user with the given external id, or
// ErrNotFound.
func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	defer observe("find_by_external_id")()

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1 AND active`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user by external id: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	defer observe("find_by_id")()

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return u, nil
}

// ListActive returns all active users with parsed descriptors. Rows with
// malformed descriptors are skipped with a logged error so one bad row
// cannot block an index rebuild.
func (s *PostgresStore) ListActive(ctx context.Context) ([]models.User, error) {
	defer observe("list_active")()

	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			slog.Error("skip unreadable user row", "error", err)
			continue
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	return users, nil
}

// UpdateDescriptor atomically replaces the user's descriptor and confidence.
func (s *PostgresStore) UpdateDescriptor(ctx context.Context, userID int64, d models.Descriptor, confidence float32) error {
	defer observe("update_descriptor")()

	raw, err := d.JSON()
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET descriptor = $1, confidence = $2, updated_at = now()
		 WHERE id = $3 AND active`,
		raw, confidence, userID)
	if err != nil {
		return fmt.Errorf("update descriptor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete deactivates the user. The row is never hard-deleted here.
func (s *PostgresStore) SoftDelete(ctx context.Context, userID int64) error {
	defer observe("soft_delete")()

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET active = FALSE, updated_at = now() WHERE id = $1 AND active`,
		userID)
	if err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	defer observe("count_active")()

	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE active`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return count, nil
}

// TouchRecognition bumps the user's recognition counter and timestamp.
func (s *PostgresStore) TouchRecognition(ctx context.Context, userID int64) error {
	defer observe("touch_recognition")()

	_, err := s.pool.Exec(ctx,
		`UPDATE users SET last_recognition_at = now(), recognition_count = recognition_count + 1
		 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("touch recognition: %w", err)
	}
	return nil
}

// AppendLog writes one audit row. Callers treat this as fire-and-forget: a
// failure here must never fail the user-facing operation.
func (s *PostgresStore) AppendLog(ctx context.Context, entry *models.RecognitionLog) error {
	defer observe("append_log")()

	var vec *pgvector.Vector
	if len(entry.Embedding) > 0 {
		v := pgvector.NewVector(entry.Embedding)
		vec = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recognition_logs (user_id, operation, matched, distance, backend, duration_ms, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.UserID, entry.Operation, entry.Matched, entry.Distance,
		entry.Backend, entry.DurationMs, vec)
	if err != nil {
		return fmt.Errorf("append recognition log: %w", err)
	}
	return nil
}
