package store

import (
	"context"
	"errors"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
)

// ErrNotFound is returned when a job, node, or lock does not exist.
var ErrNotFound = errors.New("not found")

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	Model          string
	Payload        map[string]any
	VramEstimateMb int // 0 means unspecified
	Priority       int
	RequestedBy    string
	CreatedAt      time.Time
}

// Store is the persistence contract shared by the Postgres and in-memory
// backends. Conditional transitions return (false, nil) when the row was not
// in an eligible state, so callers can distinguish lost races from failures.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	NextQueuedJob(ctx context.Context) (models.Job, bool, error)
	MarkJobRunning(ctx context.Context, id, nodeID string, now time.Time) (bool, error)
	SetJobProgress(ctx context.Context, id string, progress int) error
	CompleteJob(ctx context.Context, id string, result map[string]any, now time.Time) (bool, error)
	FailJob(ctx context.Context, id, errMsg string, now time.Time) (bool, error)
	CancelJob(ctx context.Context, id string, now time.Time) (bool, error)
	CountJobsByStatus(ctx context.Context) (map[string]int, error)
	OldestQueuedJob(ctx context.Context) (models.Job, bool, error)
	AverageWaitSince(ctx context.Context, since time.Time) (time.Duration, int, error)
	RunningJobsByNode(ctx context.Context) (map[string]int, error)

	// Nodes.
	UpsertNode(ctx context.Context, n models.Node) error
	GetNode(ctx context.Context, id string) (models.Node, bool, error)
	ListNodes(ctx context.Context) ([]models.Node, error)

	// GPU snapshots (append-only).
	InsertSnapshot(ctx context.Context, snap models.GpuSnapshot) (models.GpuSnapshot, error)
	LatestSnapshot(ctx context.Context, nodeID string) (models.GpuSnapshot, bool, error)

	// VRAM locks.
	CreateLock(ctx context.Context, lock models.VramLock) error
	GetLock(ctx context.Context, id string) (models.VramLock, bool, error)
	HeartbeatLock(ctx context.Context, id string, now time.Time) error
	ReleaseLock(ctx context.Context, id string, now time.Time) error
	ActiveLockedMb(ctx context.Context, nodeID string) (int, error)
	ActiveLocksForJob(ctx context.Context, jobID string) ([]models.VramLock, error)
	UnreleasedLocks(ctx context.Context) ([]models.VramLock, error)

	Close()
}
