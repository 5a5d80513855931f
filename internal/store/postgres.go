package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at`

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	if err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, classify("get api key by prefix", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return classify("update api key last used", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return classify("create api key", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify("list api keys", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return classify("revoke api key", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, user_id, job_type, status, priority, task_description, input_data, orchestrator_id,
	attempts, max_attempts, failure_reason, failed_at, result, cancel_requested, resume_requested,
	next_run_at, started_at, completed_at, created_at, updated_at`

// runnableCondition selects jobs the loop may claim at time $N (bound by the caller).
const runnableCondition = `((status IN ('PENDING', 'QUEUED') AND next_run_at <= %s)
	OR (status = 'AWAITING_CHECKPOINT' AND resume_requested))`

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j      models.Job
		status string
		input  []byte
		result []byte
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.JobType, &status, &j.Priority, &j.TaskDescription,
		&input, &j.OrchestratorID, &j.Attempts, &j.MaxAttempts, &j.FailureReason, &j.FailedAt,
		&result, &j.CancelRequested, &j.ResumeRequested, &j.NextRunAt, &j.StartedAt,
		&j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.InputData = json.RawMessage(input)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	input := []byte(job.InputData)
	if len(input) == 0 {
		input = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, job_type, status, priority, task_description, input_data,
		   orchestrator_id, attempts, max_attempts, next_run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.UserID, job.JobType, string(job.Status), job.Priority, job.TaskDescription, input,
		job.OrchestratorID, job.Attempts, job.MaxAttempts, job.NextRunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return classify("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get job", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()

	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.JobType != "" {
		conditions = append(conditions, fmt.Sprintf("job_type = $%d", argIdx))
		args = append(args, filter.JobType)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, classify("count jobs", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, classify("list jobs", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, classify("count jobs by status", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int, len(models.AllJobStatuses))
	for _, st := range models.AllJobStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return []*models.Job{}, nil
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + fmt.Sprintf(runnableCondition, "$1") +
		` ORDER BY priority DESC, created_at ASC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, classify("list runnable jobs", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (*models.Job, error) {
	query := `UPDATE jobs SET status = 'RUNNING', started_at = $2, resume_requested = FALSE, updated_at = $2
		WHERE id = $1 AND ` + fmt.Sprintf(runnableCondition, "$2") + `
		RETURNING ` + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, classify("claim job", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, opts ...JobUpdateOption) (*models.Job, error) {
	u := BuildJobUpdate(opts...)
	now := time.Now().UTC()

	query := `UPDATE jobs SET updated_at = $3`
	args := []any{id, statusStrings(from), now}
	argIdx := 4

	set := func(column string, v any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, v)
		argIdx++
	}

	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.Attempts != nil {
		set("attempts", *u.Attempts)
	}
	if u.ClearFailure {
		query += ", failure_reason = NULL, failed_at = NULL"
	}
	if u.FailureReason != nil {
		set("failure_reason", *u.FailureReason)
	}
	if u.FailedAt != nil {
		set("failed_at", *u.FailedAt)
	}
	if u.Result != nil {
		set("result", []byte(u.Result))
	}
	if u.NextRunAt != nil {
		set("next_run_at", *u.NextRunAt)
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	}
	if u.ResumeRequested != nil {
		set("resume_requested", *u.ResumeRequested)
	}
	if u.CancelRequested != nil {
		set("cancel_requested", *u.CancelRequested)
	}

	query += " WHERE id = $1 AND status = ANY($2)"
	if u.UnlessCancelRequested {
		query += " AND NOT cancel_requested"
	}
	query += " RETURNING " + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, classify("update job", err)
	}
	return j, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status = 'RUNNING' RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, classify("request cancel", err)
	}
	return j, nil
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, classify("get cancel flag", err)
	}
	return requested, nil
}

func (s *PostgresStore) PauseJob(ctx context.Context, jobID uuid.UUID, cp *models.Checkpoint) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin pause", err)
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status = 'AWAITING_CHECKPOINT', resume_requested = FALSE, updated_at = $2
		 WHERE id = $1 AND status = 'RUNNING' AND NOT cancel_requested RETURNING `+jobColumns, jobID, cp.CreatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, jobID)
	}
	if err != nil {
		return nil, classify("pause job", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoints (id, job_id, title, description, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ID, cp.JobID, cp.Title, cp.Description, nullableJSON(cp.Payload), string(cp.Status), cp.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("job already has a pending checkpoint: %w", ErrConflict)
		}
		return nil, classify("create checkpoint", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit pause", err)
	}
	return j, nil
}

// missOrConflict distinguishes a missing row from one whose state did not match.
func (s *PostgresStore) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify("check job exists", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// --- Checkpoints ---

const checkpointColumns = `id, job_id, title, description, payload, status, reviewer_id, reviewed_at,
	rejection_reason, escalated_at, created_at`

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		c       models.Checkpoint
		status  string
		payload []byte
	)
	if err := row.Scan(&c.ID, &c.JobID, &c.Title, &c.Description, &payload, &status, &c.ReviewerID,
		&c.ReviewedAt, &c.RejectionReason, &c.EscalatedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = models.CheckpointStatus(status)
	if payload != nil {
		c.Payload = json.RawMessage(payload)
	}
	return &c, nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, id uuid.UUID) (*models.Checkpoint, error) {
	c, err := scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get checkpoint", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, jobID uuid.UUID) ([]*models.Checkpoint, error) {
	return s.queryCheckpoints(ctx, "list checkpoints",
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE job_id = $1 ORDER BY seq ASC`, jobID)
}

func (s *PostgresStore) GetPendingCheckpoint(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	c, err := scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE job_id = $1 AND status = 'PENDING'`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get pending checkpoint", err)
	}
	return c, nil
}

func (s *PostgresStore) DecideCheckpoint(ctx context.Context, id uuid.UUID, d CheckpointDecision) (*models.Checkpoint, error) {
	c, err := scanCheckpoint(s.pool.QueryRow(ctx,
		`UPDATE checkpoints SET status = $2, reviewer_id = $3, reviewed_at = $4, rejection_reason = $5
		 WHERE id = $1 AND status = 'PENDING' RETURNING `+checkpointColumns,
		id, string(d.Status), d.ReviewerID, d.ReviewedAt, d.RejectionReason))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetCheckpoint(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, classify("decide checkpoint", err)
	}
	return c, nil
}

func (s *PostgresStore) ListStaleCheckpoints(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Checkpoint, error) {
	return s.queryCheckpoints(ctx, "list stale checkpoints",
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE status = 'PENDING' AND escalated_at IS NULL AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`, createdBefore, limit)
}

func (s *PostgresStore) MarkCheckpointEscalated(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkpoints SET escalated_at = $2 WHERE id = $1 AND status = 'PENDING' AND escalated_at IS NULL`,
		id, at)
	if err != nil {
		return classify("mark checkpoint escalated", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) queryCheckpoints(ctx context.Context, op, query string, args ...any) ([]*models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	cps := []*models.Checkpoint{}
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, c)
	}
	return cps, rows.Err()
}

// --- Job Logs ---

func (s *PostgresStore) AppendJobLog(ctx context.Context, entry *models.JobLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_logs (id, job_id, level, message, data, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.JobID, entry.Level, entry.Message, nullableJSON(entry.Data), entry.CreatedAt)
	if err != nil {
		return classify("append job log", err)
	}
	return nil
}

func (s *PostgresStore) ListJobLogs(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, level, message, data, created_at FROM job_logs WHERE job_id = $1 ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, classify("list job logs", err)
	}
	defer rows.Close()

	logs := []*models.JobLog{}
	for rows.Next() {
		var (
			l    models.JobLog
			data []byte
		)
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &data, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		if data != nil {
			l.Data = json.RawMessage(data)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// --- helpers ---

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// classify wraps err with op, tagging connection-level failures as ErrUnavailable.
func classify(op string, err error) error {
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
