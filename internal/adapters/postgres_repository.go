package adapters

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
	"github.com/Marketen/credentials-indexer/internal/application/ports"
)

// progressKey identifies the progress marker row in system_state.
const progressKey = "lastProcessedSlot"

const schema = `
CREATE TABLE IF NOT EXISTS system_state (
	id    TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consolidation_requests (
	id                     BIGSERIAL PRIMARY KEY,
	source_validator_index BIGINT NOT NULL,
	target_validator_index BIGINT NOT NULL,
	detection_epoch        BIGINT NOT NULL,
	status                 TEXT NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS consolidation_requests_source_idx ON consolidation_requests (source_validator_index);
CREATE INDEX IF NOT EXISTS consolidation_requests_target_idx ON consolidation_requests (target_validator_index);
`

const insertEventQuery = `
INSERT INTO consolidation_requests (source_validator_index, target_validator_index, detection_epoch, status)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`

// The WHERE clause keeps the marker monotonic even if a stale writer slips through.
const upsertProgressQuery = `
INSERT INTO system_state (id, value)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value
WHERE CAST(system_state.value AS NUMERIC) < CAST(EXCLUDED.value AS NUMERIC)`

const historyQuery = `
SELECT id, source_validator_index, target_validator_index, detection_epoch, status, created_at
FROM consolidation_requests
WHERE source_validator_index = $1 OR target_validator_index = $1
ORDER BY created_at DESC, id DESC`

// Executor is implemented by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores the progress marker and credential-change events.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var (
	_ ports.CredentialChangeRepository = (*PostgresRepository)(nil)
	_ ports.HistoryReader              = (*PostgresRepository)(nil)
)

// NewPostgresRepository connects to databaseURL, verifies the connection and
// ensures the schema exists.
func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.Initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Initialize creates the tables if they do not exist. Safe to call repeatedly.
func (r *PostgresRepository) Initialize(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the pool. In-flight transactions finish first.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// LastProcessedSlot reads the progress marker.
func (r *PostgresRepository) LastProcessedSlot(ctx context.Context) (domain.Slot, bool, error) {
	return readProgress(ctx, r.pool)
}

// RecordSlot inserts events and advances the marker to slot atomically.
func (r *PostgresRepository) RecordSlot(
	ctx context.Context,
	slot domain.Slot,
	events []domain.CredentialChangeEvent,
) ([]domain.CredentialChangeEvent, error) {
	saved := make([]domain.CredentialChangeEvent, 0, len(events))

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, ev := range events {
			stored, err := insertEvent(ctx, tx, ev)
			if err != nil {
				return err
			}
			saved = append(saved, stored)
		}
		return writeProgress(ctx, tx, slot)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record slot %d: %w", slot, err)
	}
	return saved, nil
}

// ValidatorHistory returns every event naming index, newest first.
func (r *PostgresRepository) ValidatorHistory(ctx context.Context, index domain.ValidatorIndex) ([]domain.CredentialChangeEvent, error) {
	rows, err := r.pool.Query(ctx, historyQuery, int64(index))
	if err != nil {
		return nil, fmt.Errorf("failed to query validator history: %w", err)
	}
	defer rows.Close()

	history := make([]domain.CredentialChangeEvent, 0)
	for rows.Next() {
		var (
			ev                    domain.CredentialChangeEvent
			source, target, epoch int64
			status                string
		)
		if err := rows.Scan(&ev.ID, &source, &target, &epoch, &status, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan validator history: %w", err)
		}
		ev.SourceValidatorIndex = domain.ValidatorIndex(source)
		ev.TargetValidatorIndex = domain.ValidatorIndex(target)
		ev.DetectionEpoch = domain.Epoch(epoch)
		ev.Status = domain.EventStatus(status)
		history = append(history, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read validator history: %w", err)
	}
	return history, nil
}

func readProgress(ctx context.Context, db Executor) (domain.Slot, bool, error) {
	var value string
	err := db.QueryRow(ctx, `SELECT value FROM system_state WHERE id = $1`, progressKey).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read progress marker: %w", err)
	}
	slot, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid progress marker %q: %w", value, err)
	}
	return domain.Slot(slot), true, nil
}

func writeProgress(ctx context.Context, db Executor, slot domain.Slot) error {
	value := strconv.FormatUint(uint64(slot), 10)
	if _, err := db.Exec(ctx, upsertProgressQuery, progressKey, value); err != nil {
		return fmt.Errorf("failed to write progress marker: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, db Executor, ev domain.CredentialChangeEvent) (domain.CredentialChangeEvent, error) {
	err := db.QueryRow(ctx, insertEventQuery,
		int64(ev.SourceValidatorIndex),
		int64(ev.TargetValidatorIndex),
		int64(ev.DetectionEpoch),
		string(ev.Status),
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return ev, fmt.Errorf("failed to insert credential change event: %w", err)
	}
	return ev, nil
}
