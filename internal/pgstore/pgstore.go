// Package pgstore implements the relayq metadata store on PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	relayq "github.com/relayq/relayq-go"
)

// Schema creates the tasks table and the indexes the listing surfaces rely on.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id            UUID PRIMARY KEY,
    task_name     VARCHAR(255) NOT NULL,
    status        VARCHAR(20)  NOT NULL DEFAULT 'pending',
    priority      SMALLINT     NOT NULL DEFAULT 1,
    args          JSONB        NOT NULL DEFAULT '[]',
    kwargs        JSONB        NOT NULL DEFAULT '{}',
    result        JSONB,
    error_message TEXT,
    retry_count   INTEGER      NOT NULL DEFAULT 0,
    max_retries   INTEGER      NOT NULL DEFAULT 3,
    retry_delay   BIGINT       NOT NULL DEFAULT 60,
    timeout       BIGINT       NOT NULL DEFAULT 300,
    queue_name    VARCHAR(100) NOT NULL DEFAULT 'default',
    worker_id     VARCHAR(255),
    created_at    TIMESTAMPTZ  NOT NULL,
    updated_at    TIMESTAMPTZ  NOT NULL,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    next_retry_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_status        ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_queue_name    ON tasks (queue_name);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at    ON tasks (created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_next_retry_at ON tasks (next_retry_at);
`

// Store is a PostgreSQL-backed relayq.Store.
type Store struct {
	db  *sqlx.DB
	enc relayq.Encoder
}

// New opens a connection pool against connStr and verifies it with a ping.
func New(connStr string) (*Store, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewFromDB(db), nil
}

// NewFromDB wraps an existing pool.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db, enc: &relayq.JSONEncoder{}}
}

// EnsureSchema creates the tasks table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// taskRow mirrors the tasks table; JSON columns stay raw until conversion.
type taskRow struct {
	ID           string         `db:"id"`
	TaskName     string         `db:"task_name"`
	Status       string         `db:"status"`
	Priority     int            `db:"priority"`
	Args         []byte         `db:"args"`
	Kwargs       []byte         `db:"kwargs"`
	Result       []byte         `db:"result"`
	ErrorMessage sql.NullString `db:"error_message"`
	RetryCount   int            `db:"retry_count"`
	MaxRetries   int            `db:"max_retries"`
	RetryDelay   int64          `db:"retry_delay"`
	Timeout      int64          `db:"timeout"`
	QueueName    string         `db:"queue_name"`
	WorkerID     sql.NullString `db:"worker_id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	StartedAt    *time.Time     `db:"started_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
	NextRetryAt  *time.Time     `db:"next_retry_at"`
}

func (s *Store) toRecord(r *taskRow) (*relayq.TaskRecord, error) {
	rec := &relayq.TaskRecord{
		ID:           r.ID,
		TaskName:     r.TaskName,
		Status:       relayq.Status(r.Status),
		Priority:     relayq.Priority(r.Priority),
		Result:       r.Result,
		ErrorMessage: r.ErrorMessage.String,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		RetryDelay:   r.RetryDelay,
		Timeout:      r.Timeout,
		QueueName:    r.QueueName,
		WorkerID:     r.WorkerID.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		NextRetryAt:  r.NextRetryAt,
	}
	if len(r.Args) > 0 {
		if err := s.enc.Decode(r.Args, &rec.Args); err != nil {
			return nil, fmt.Errorf("decode args for %s: %w", r.ID, err)
		}
	}
	if rec.Args == nil {
		rec.Args = []any{}
	}
	if len(r.Kwargs) > 0 {
		if err := s.enc.Decode(r.Kwargs, &rec.Kwargs); err != nil {
			return nil, fmt.Errorf("decode kwargs for %s: %w", r.ID, err)
		}
	}
	if rec.Kwargs == nil {
		rec.Kwargs = map[string]any{}
	}
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, rec *relayq.TaskRecord) error {
	args, err := s.enc.Encode(rec.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	kwargs, err := s.enc.Encode(rec.Kwargs)
	if err != nil {
		return fmt.Errorf("encode kwargs: %w", err)
	}
	// JSON parameters go over as text: pq types []byte as bytea, which
	// does not coerce to jsonb.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, task_name, status, priority, args, kwargs,
		                   retry_count, max_retries, retry_delay, timeout,
		                   queue_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.TaskName, string(rec.Status), int(rec.Priority), string(args), string(kwargs),
		rec.RetryCount, rec.MaxRetries, rec.RetryDelay, rec.Timeout,
		rec.QueueName, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*relayq.TaskRecord, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, relayq.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return s.toRecord(&row)
}

func (s *Store) List(ctx context.Context, f relayq.TaskFilter) ([]*relayq.TaskRecord, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Queue != "" {
		add("queue_name = $%d", f.Queue)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Priority != nil {
		add("priority = $%d", int(*f.Priority))
	}
	if f.TaskName != "" {
		add("task_name = $%d", f.TaskName)
	}
	query := `SELECT * FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows := []taskRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*relayq.TaskRecord, 0, len(rows))
	for i := range rows {
		rec, err := s.toRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, worker_id = $3,
		    started_at = COALESCE(started_at, $4),
		    updated_at = $4
		WHERE id = $1`,
		id, string(relayq.StatusProcessing), workerID, now)
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func (s *Store) MarkSucceeded(ctx context.Context, id string, result []byte, now time.Time) error {
	var resultArg any
	if result != nil {
		resultArg = string(result)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, result = $3, completed_at = $4,
		    next_retry_at = NULL, updated_at = $4
		WHERE id = $1`,
		id, string(relayq.StatusSuccess), resultArg, now)
	if err != nil {
		return fmt.Errorf("mark succeeded %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, retryCount int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, error_message = $3, retry_count = $4,
		    completed_at = $5, next_retry_at = NULL, updated_at = $5
		WHERE id = $1`,
		id, string(relayq.StatusFailed), errMsg, retryCount, now)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func (s *Store) MarkRetry(ctx context.Context, id, errMsg string, retryCount int, nextRetryAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, error_message = $3, retry_count = $4,
		    next_retry_at = $5, updated_at = $6
		WHERE id = $1`,
		id, string(relayq.StatusRetry), errMsg, retryCount, nextRetryAt, now)
	if err != nil {
		return fmt.Errorf("mark retry %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func (s *Store) MarkPending(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, next_retry_at = NULL, updated_at = $3
		WHERE id = $1`,
		id, string(relayq.StatusPending), now)
	if err != nil {
		return fmt.Errorf("mark pending %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return relayq.ErrTaskNotFound
	}
	return nil
}
