package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// PostgresStore implements TaskStore on PostgreSQL for operators who need
// durability across restarts. The full task (history included) lives as
// JSONB; a few columns are denormalized for querying.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore wraps a connected pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.Named("postgres_store"),
	}
}

// Initialize creates the tables if they don't already exist. A versioned
// migrations tool would own this in a larger deployment.
func (ps *PostgresStore) Initialize(ctx context.Context) error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS mint_tasks (
		task_id VARCHAR(64) PRIMARY KEY,
		token_id BIGINT NOT NULL UNIQUE,
		status VARCHAR(16) NOT NULL,
		details JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mint_tasks_status ON mint_tasks (status);
	CREATE INDEX IF NOT EXISTS idx_mint_tasks_created_at ON mint_tasks (created_at DESC);

	CREATE TABLE IF NOT EXISTS watcher_checkpoint (
		name VARCHAR(32) PRIMARY KEY,
		block_number BIGINT NOT NULL
	);
	`
	if _, err := ps.db.Exec(ctx, createSQL); err != nil {
		ps.logger.Error("Failed to create pipeline tables", zap.Error(err))
		return fmt.Errorf("initializing mint_tasks tables: %w", err)
	}
	ps.logger.Info("Pipeline tables checked/created")
	return nil
}

// Close releases the pool.
func (ps *PostgresStore) Close() error {
	ps.db.Close()
	return nil
}

func (ps *PostgresStore) Create(ctx context.Context, task *models.Task) error {
	details, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshalling task for insert: %w", err)
	}

	_, err = ps.db.Exec(ctx, `
		INSERT INTO mint_tasks (task_id, token_id, status, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, int64(task.TokenID), string(task.Status), details, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return models.ErrDuplicateTask
		}
		ps.logger.Error("Failed to insert task", zap.String("task_id", task.ID), zap.Error(err))
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Get(ctx context.Context, id string) (*models.Task, error) {
	return ps.queryOne(ctx, `SELECT details FROM mint_tasks WHERE task_id = $1`, id)
}

func (ps *PostgresStore) FindByToken(ctx context.Context, tokenID uint64) (*models.Task, error) {
	return ps.queryOne(ctx, `SELECT details FROM mint_tasks WHERE token_id = $1`, int64(tokenID))
}

func (ps *PostgresStore) queryOne(ctx context.Context, sql string, arg interface{}) (*models.Task, error) {
	var details []byte
	err := ps.db.QueryRow(ctx, sql, arg).Scan(&details)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	var task models.Task
	if err := json.Unmarshal(details, &task); err != nil {
		return nil, fmt.Errorf("unmarshalling task details: %w", err)
	}
	return &task, nil
}

// Update reads the row FOR UPDATE, applies the patch under the same
// invariants as the memory store, and writes the result back in one
// transaction. Concurrent updates to a task therefore serialize on the
// row lock and history keeps its total order.
func (ps *PostgresStore) Update(ctx context.Context, id string, patch TaskPatch) (*models.Task, error) {
	tx, err := ps.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var details []byte
	err = tx.QueryRow(ctx, `SELECT details FROM mint_tasks WHERE task_id = $1 FOR UPDATE`, id).Scan(&details)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking task row: %w", err)
	}

	var task models.Task
	if err := json.Unmarshal(details, &task); err != nil {
		return nil, fmt.Errorf("unmarshalling task details: %w", err)
	}

	if err := applyPatch(&task, patch); err != nil {
		return nil, err
	}

	updated, err := json.Marshal(&task)
	if err != nil {
		return nil, fmt.Errorf("marshalling updated task: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE mint_tasks SET status = $2, details = $3, updated_at = $4 WHERE task_id = $1`,
		id, string(task.Status), updated, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("writing updated task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing task update: %w", err)
	}
	return &task, nil
}

func (ps *PostgresStore) List(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	sql := `SELECT details FROM mint_tasks`
	args := []interface{}{}
	if filter.Status != "" {
		sql += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	sql += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := ps.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		var details []byte
		if err := rows.Scan(&details); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		var task models.Task
		if err := json.Unmarshal(details, &task); err != nil {
			return nil, fmt.Errorf("unmarshalling task details: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

const checkpointName = "last_ack_block"

func (ps *PostgresStore) Checkpoint(ctx context.Context) (uint64, error) {
	var block int64
	err := ps.db.QueryRow(ctx,
		`SELECT block_number FROM watcher_checkpoint WHERE name = $1`, checkpointName).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint: %w", err)
	}
	return uint64(block), nil
}

func (ps *PostgresStore) SetCheckpoint(ctx context.Context, block uint64) error {
	_, err := ps.db.Exec(ctx, `
		INSERT INTO watcher_checkpoint (name, block_number) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET block_number = EXCLUDED.block_number
		WHERE watcher_checkpoint.block_number < EXCLUDED.block_number`,
		checkpointName, int64(block),
	)
	if err != nil {
		return fmt.Errorf("persisting checkpoint: %w", err)
	}
	return nil
}
