package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/store"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/telemetry"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/vram"
)

var (
	// ErrNodeUnavailable means the claiming node is unknown or disabled.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrInvalidState rejects transitions out of terminal states, e.g.
	// cancelling a completed job.
	ErrInvalidState = errors.New("invalid job state")
)

// DefaultVramMb is assumed for jobs that carry no estimate.
const DefaultVramMb = 1000

// Scheduler composes the job queue and the VRAM manager to implement the
// claim/release protocol.
type Scheduler struct {
	store         store.Store
	vram          *vram.Manager
	defaultVramMb int
	now           func() time.Time
}

func New(st store.Store, vm *vram.Manager, defaultVramMb int) *Scheduler {
	if defaultVramMb <= 0 {
		defaultVramMb = DefaultVramMb
	}
	return &Scheduler{
		store:         st,
		vram:          vm,
		defaultVramMb: defaultVramMb,
		now:           time.Now,
	}
}

// EnqueueParams are accepted from producers. Payload is opaque; the
// scheduler never inspects it.
type EnqueueParams struct {
	Type           string
	Model          string
	Payload        map[string]any
	VramEstimateMb int
	Priority       int
	RequestedBy    string
}

// Enqueue inserts a job in status queued and returns it.
func (s *Scheduler) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.Type == "" {
		return models.Job{}, errors.New("job type is required")
	}
	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:           p.Type,
		Model:          p.Model,
		Payload:        p.Payload,
		VramEstimateMb: p.VramEstimateMb,
		Priority:       p.Priority,
		RequestedBy:    p.RequestedBy,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.EnqueueCounter.Inc()
	return job, nil
}

// GetJob is a read-through for producers polling job state.
func (s *Scheduler) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Claim describes a job handed to a worker: everything the agent needs to
// execute it and to heartbeat/release its reservation.
type Claim struct {
	JobID    string         `json:"job_id"`
	LockID   string         `json:"lock_id"`
	NodeID   string         `json:"node_id"`
	Type     string         `json:"type"`
	Model    *string        `json:"model,omitempty"`
	Payload  map[string]any `json:"payload"`
	VramMb   int            `json:"vram_mb"`
	Priority int            `json:"priority"`
}

// Claim hands the head-of-queue job to the node if it fits. A nil claim with
// a nil error is the normal "nothing to do" answer: the queue is empty, the
// head job does not fit this node, or another worker won the race. The
// scheduler deliberately never searches past the head job for a better fit.
func (s *Scheduler) Claim(ctx context.Context, nodeID string) (*Claim, error) {
	node, found, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !found || !node.Enabled {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNodeUnavailable)
	}

	job, found, err := s.store.NextQueuedJob(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		telemetry.ClaimsEmpty.Inc()
		return nil, nil
	}

	required := s.defaultVramMb
	if job.VramEstimateMb != nil {
		required = *job.VramEstimateMb
	}

	if !s.vram.CanAllocate(ctx, nodeID, required) {
		telemetry.ClaimsEmpty.Inc()
		return nil, nil
	}

	lock, _, err := s.vram.AcquireLock(ctx, job.ID, nodeID, required)
	if errors.Is(err, vram.ErrInsufficientCapacity) {
		telemetry.ClaimsEmpty.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	claimed, err := s.store.MarkJobRunning(ctx, job.ID, nodeID, s.now())
	if err != nil {
		if relErr := s.vram.ReleaseLock(ctx, lock.ID); relErr != nil {
			log.Printf("scheduler: release lock %s after failed claim: %v", lock.ID, relErr)
		}
		return nil, err
	}
	if !claimed {
		// Another worker took the job between the select and the update.
		if relErr := s.vram.ReleaseLock(ctx, lock.ID); relErr != nil {
			log.Printf("scheduler: release lock %s after lost claim race: %v", lock.ID, relErr)
		}
		telemetry.ClaimsEmpty.Inc()
		return nil, nil
	}

	telemetry.ClaimsGranted.Inc()
	return &Claim{
		JobID:    job.ID,
		LockID:   lock.ID,
		NodeID:   nodeID,
		Type:     job.Type,
		Model:    job.Model,
		Payload:  job.Payload,
		VramMb:   required,
		Priority: job.Priority,
	}, nil
}

// Heartbeat refreshes the lock held by a running job.
func (s *Scheduler) Heartbeat(ctx context.Context, lockID string) error {
	return s.vram.Heartbeat(ctx, lockID)
}

// Progress records a running job's progress, clamped to [0,100].
func (s *Scheduler) Progress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return s.store.SetJobProgress(ctx, jobID, percent)
}

// Complete releases every unreleased lock the job owns, then transitions it
// to completed with progress 100.
func (s *Scheduler) Complete(ctx context.Context, jobID string, result map[string]any) error {
	if _, err := s.vram.ReleaseAllForJob(ctx, jobID); err != nil {
		return err
	}
	ok, err := s.store.CompleteJob(ctx, jobID, result, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("complete job %s: %w", jobID, ErrInvalidState)
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// Fail releases every unreleased lock the job owns, then transitions it to
// failed with the given error message. Failed jobs are never requeued here;
// resubmission is a producer decision.
func (s *Scheduler) Fail(ctx context.Context, jobID, errMsg string) error {
	if _, err := s.vram.ReleaseAllForJob(ctx, jobID); err != nil {
		return err
	}
	ok, err := s.store.FailJob(ctx, jobID, errMsg, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fail job %s: %w", jobID, ErrInvalidState)
	}
	telemetry.JobsFailed.Inc()
	return nil
}

// Cancel is permitted only from queued or running. It releases any locks and
// does not signal the executing worker; agents discover cancellation by
// polling job state.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.TerminalStatus(job.Status) {
		return fmt.Errorf("cancel job %s (status %s): %w", jobID, job.Status, ErrInvalidState)
	}
	if _, err := s.vram.ReleaseAllForJob(ctx, jobID); err != nil {
		return err
	}
	ok, err := s.store.CancelJob(ctx, jobID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel job %s: %w", jobID, ErrInvalidState)
	}
	telemetry.JobsCancelled.Inc()
	return nil
}

// NodeStatus is the per-node slice of the queue status report.
type NodeStatus struct {
	NodeID         string  `json:"node_id"`
	Name           string  `json:"name"`
	Enabled        bool    `json:"enabled"`
	Running        int     `json:"running"`
	LockedVramMb   int     `json:"locked_vram_mb"`
	TotalVramMb    int     `json:"total_vram_mb"`
	UsedVramMb     int     `json:"used_vram_mb"`
	UtilizationPct float64 `json:"utilization_pct"`
	HasSnapshot    bool    `json:"has_snapshot"`
}

// QueueStatus is a reporting view for dashboards, not authoritative state.
type QueueStatus struct {
	TotalQueued          int          `json:"total_queued"`
	TotalRunning         int          `json:"total_running"`
	TotalCompleted       int          `json:"total_completed"`
	TotalFailed          int          `json:"total_failed"`
	TotalCancelled       int          `json:"total_cancelled"`
	AvgWaitMs            int64        `json:"avg_wait_ms"`
	CompletedLastHour    int          `json:"completed_last_hour"`
	OldestQueuedJobAgeMs int64        `json:"oldest_queued_job_age_ms"`
	Nodes                []NodeStatus `json:"nodes"`
}

// QueueStatus aggregates per-status counts, recent wait times, queue age,
// and per-node load with snapshot-derived utilization.
func (s *Scheduler) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var status QueueStatus

	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return status, err
	}
	status.TotalQueued = counts[models.StatusQueued]
	status.TotalRunning = counts[models.StatusRunning]
	status.TotalCompleted = counts[models.StatusCompleted]
	status.TotalFailed = counts[models.StatusFailed]
	status.TotalCancelled = counts[models.StatusCancelled]
	telemetry.QueueDepthGauge.Set(float64(status.TotalQueued))

	now := s.now()
	avgWait, n, err := s.store.AverageWaitSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return status, err
	}
	status.AvgWaitMs = avgWait.Milliseconds()
	status.CompletedLastHour = n

	if oldest, found, err := s.store.OldestQueuedJob(ctx); err != nil {
		return status, err
	} else if found {
		age := now.Sub(oldest.CreatedAt).Milliseconds()
		if age < 0 {
			age = 0
		}
		status.OldestQueuedJobAgeMs = age
	}

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return status, err
	}
	running, err := s.store.RunningJobsByNode(ctx)
	if err != nil {
		return status, err
	}
	for _, node := range nodes {
		ns := NodeStatus{
			NodeID:  node.ID,
			Name:    node.Name,
			Enabled: node.Enabled,
			Running: running[node.ID],
		}
		if snap, found, err := s.store.LatestSnapshot(ctx, node.ID); err != nil {
			return status, err
		} else if found {
			ns.HasSnapshot = true
			ns.TotalVramMb = snap.TotalMb
			ns.UsedVramMb = snap.UsedMb
			if snap.TotalMb > 0 {
				ns.UtilizationPct = 100 * float64(snap.UsedMb) / float64(snap.TotalMb)
			}
		}
		if locked, err := s.store.ActiveLockedMb(ctx, node.ID); err == nil {
			ns.LockedVramMb = locked
		}
		status.Nodes = append(status.Nodes, ns)
	}
	return status, nil
}
