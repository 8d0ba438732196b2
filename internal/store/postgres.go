package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
)

// Postgres wraps pgxpool for persistent storage.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, model, payload, vram_estimate_mb, priority, status, node_id, progress, result, error, requested_by, created_at, started_at, completed_at`

// CreateJob inserts a job row in status queued.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	created := p.CreatedAt.UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, model, payload, vram_estimate_mb, priority, status, progress, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	`, id, p.Type, emptyToNil(p.Model), payloadJSON, zeroToNil(p.VramEstimateMb), p.Priority, models.StatusQueued, p.RequestedBy, created)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		Model:          emptyToNil(p.Model),
		Payload:        p.Payload,
		VramEstimateMb: zeroToNil(p.VramEstimateMb),
		Priority:       p.Priority,
		Status:         models.StatusQueued,
		RequestedBy:    p.RequestedBy,
		CreatedAt:      created,
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// NextQueuedJob returns the head of the queue: lowest priority value first,
// FIFO within a priority band.
func (s *Postgres) NextQueuedJob(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, models.StatusQueued)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// MarkJobRunning claims a job with a single conditional update. A false
// return means another claimer won the race or the job left the queue.
func (s *Postgres) MarkJobRunning(ctx context.Context, id, nodeID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, node_id = $4, started_at = $5
		WHERE id = $1 AND status = $2
	`, id, models.StatusQueued, models.StatusRunning, nodeID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) SetJobProgress(ctx context.Context, id string, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2 WHERE id = $1 AND status = $3
	`, id, progress, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not running: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteJob transitions running → completed with progress 100.
func (s *Postgres) CompleteJob(ctx context.Context, id string, result map[string]any, now time.Time) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, result = $4, progress = 100, completed_at = $5, error = NULL
		WHERE id = $1 AND status = $2
	`, id, models.StatusRunning, models.StatusCompleted, resultJSON, now.UTC())
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob transitions running → failed and records the error message.
func (s *Postgres) FailJob(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status = $2
	`, id, models.StatusRunning, models.StatusFailed, errMsg, now.UTC())
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelJob transitions queued or running → cancelled.
func (s *Postgres) CancelJob(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusCancelled, now.UTC(), models.StatusQueued, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = int(n)
	}
	return counts, rows.Err()
}

func (s *Postgres) OldestQueuedJob(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, models.StatusQueued)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// AverageWaitSince reports the mean queued→started wait over jobs completed
// at or after the cutoff, plus how many jobs contributed.
func (s *Postgres) AverageWaitSince(ctx context.Context, since time.Time) (time.Duration, int, error) {
	var avgSeconds pgtype.Float8
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (started_at - created_at)))::float8, COUNT(*)
		FROM jobs
		WHERE status = $1 AND completed_at >= $2 AND started_at IS NOT NULL
	`, models.StatusCompleted, since.UTC()).Scan(&avgSeconds, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("average wait: %w", err)
	}
	if !avgSeconds.Valid {
		return 0, 0, nil
	}
	return time.Duration(avgSeconds.Float64 * float64(time.Second)), int(n), nil
}

func (s *Postgres) RunningJobsByNode(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, COUNT(*) FROM jobs
		WHERE status = $1 AND node_id IS NOT NULL
		GROUP BY node_id
	`, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("running jobs by node: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var nodeID string
		var n int64
		if err := rows.Scan(&nodeID, &n); err != nil {
			return nil, fmt.Errorf("scan running count: %w", err)
		}
		counts[nodeID] = int(n)
	}
	return counts, rows.Err()
}

func (s *Postgres) UpsertNode(ctx context.Context, n models.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (id, name, enabled) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, enabled = EXCLUDED.enabled
	`, n.ID, n.Name, n.Enabled)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *Postgres) GetNode(ctx context.Context, id string) (models.Node, bool, error) {
	var n models.Node
	err := s.pool.QueryRow(ctx, `SELECT id, name, enabled FROM nodes WHERE id = $1`, id).
		Scan(&n.ID, &n.Name, &n.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Node{}, false, nil
	}
	if err != nil {
		return models.Node{}, false, fmt.Errorf("get node: %w", err)
	}
	return n, true, nil
}

func (s *Postgres) ListNodes(ctx context.Context) ([]models.Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, enabled FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.Name, &n.Enabled); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Postgres) InsertSnapshot(ctx context.Context, snap models.GpuSnapshot) (models.GpuSnapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gpu_snapshots (id, node_id, total_mb, used_mb, free_mb, reserved_mb, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, snap.ID, snap.NodeID, snap.TotalMb, snap.UsedMb, snap.FreeMb, snap.ReservedMb, snap.CreatedAt)
	if err != nil {
		return models.GpuSnapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

func (s *Postgres) LatestSnapshot(ctx context.Context, nodeID string) (models.GpuSnapshot, bool, error) {
	var snap models.GpuSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT id, node_id, total_mb, used_mb, free_mb, reserved_mb, created_at
		FROM gpu_snapshots
		WHERE node_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, nodeID).Scan(&snap.ID, &snap.NodeID, &snap.TotalMb, &snap.UsedMb, &snap.FreeMb, &snap.ReservedMb, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GpuSnapshot{}, false, nil
	}
	if err != nil {
		return models.GpuSnapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *Postgres) CreateLock(ctx context.Context, lock models.VramLock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vram_locks (id, job_id, node_id, resource, amount_mb, acquired_at, expires_at, heartbeat_at, released)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
	`, lock.ID, lock.JobID, lock.NodeID, lock.Resource, lock.AmountMb,
		lock.AcquiredAt.UTC(), lock.ExpiresAt.UTC(), lock.HeartbeatAt.UTC())
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

func (s *Postgres) GetLock(ctx context.Context, id string) (models.VramLock, bool, error) {
	var lock models.VramLock
	var releasedAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, node_id, resource, amount_mb, acquired_at, expires_at, heartbeat_at, released, released_at
		FROM vram_locks WHERE id = $1
	`, id).Scan(&lock.ID, &lock.JobID, &lock.NodeID, &lock.Resource, &lock.AmountMb,
		&lock.AcquiredAt, &lock.ExpiresAt, &lock.HeartbeatAt, &lock.Released, &releasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VramLock{}, false, nil
	}
	if err != nil {
		return models.VramLock{}, false, fmt.Errorf("get lock: %w", err)
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		lock.ReleasedAt = &t
	}
	return lock, true, nil
}

// HeartbeatLock refreshes the heartbeat timestamp of an unreleased lock.
func (s *Postgres) HeartbeatLock(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vram_locks SET heartbeat_at = $2 WHERE id = $1 AND NOT released
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("heartbeat lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseLock marks a lock released. Releasing an already-released lock is a
// no-op; only a missing lock is an error.
func (s *Postgres) ReleaseLock(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vram_locks SET released = TRUE, released_at = $2
		WHERE id = $1 AND NOT released
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, found, err := s.GetLock(ctx, id); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) ActiveLockedMb(ctx context.Context, nodeID string) (int, error) {
	var total pgtype.Int8
	err := s.pool.QueryRow(ctx, `
		SELECT SUM(amount_mb) FROM vram_locks WHERE node_id = $1 AND NOT released
	`, nodeID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum active locks: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}

func (s *Postgres) ActiveLocksForJob(ctx context.Context, jobID string) ([]models.VramLock, error) {
	return s.queryLocks(ctx, `
		SELECT id, job_id, node_id, resource, amount_mb, acquired_at, expires_at, heartbeat_at, released, released_at
		FROM vram_locks WHERE job_id = $1 AND NOT released
	`, jobID)
}

func (s *Postgres) UnreleasedLocks(ctx context.Context) ([]models.VramLock, error) {
	return s.queryLocks(ctx, `
		SELECT id, job_id, node_id, resource, amount_mb, acquired_at, expires_at, heartbeat_at, released, released_at
		FROM vram_locks WHERE NOT released
	`)
}

func (s *Postgres) queryLocks(ctx context.Context, sql string, args ...any) ([]models.VramLock, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []models.VramLock
	for rows.Next() {
		var lock models.VramLock
		var releasedAt pgtype.Timestamptz
		if err := rows.Scan(&lock.ID, &lock.JobID, &lock.NodeID, &lock.Resource, &lock.AmountMb,
			&lock.AcquiredAt, &lock.ExpiresAt, &lock.HeartbeatAt, &lock.Released, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		if releasedAt.Valid {
			t := releasedAt.Time
			lock.ReleasedAt = &t
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var model pgtype.Text
	var payloadJSON []byte
	var estimate pgtype.Int4
	var nodeID pgtype.Text
	var resultJSON []byte
	var jobErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Type, &model, &payloadJSON, &estimate, &job.Priority,
		&job.Status, &nodeID, &job.Progress, &resultJSON, &jobErr, &job.RequestedBy,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Model = textPtr(model)
	job.NodeID = textPtr(nodeID)
	job.Error = textPtr(jobErr)
	if estimate.Valid {
		v := int(estimate.Int32)
		job.VramEstimateMb = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func zeroToNil(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
