package vram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/store"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/telemetry"
)

var (
	// ErrNoSnapshot means capacity for a node is unknown, which callers must
	// not confuse with zero capacity.
	ErrNoSnapshot = errors.New("no gpu snapshot for node")

	// ErrInsufficientCapacity is returned when an acquire re-check finds the
	// node can no longer fit the requested amount.
	ErrInsufficientCapacity = errors.New("insufficient vram capacity")
)

// StaleJobPolicy controls what happens to a still-running job whose lock the
// sweep reclaims.
type StaleJobPolicy string

const (
	// StaleJobLeave reclaims only the lock and leaves the job running.
	StaleJobLeave StaleJobPolicy = "leave"
	// StaleJobFail additionally marks the owning job failed.
	StaleJobFail StaleJobPolicy = "fail"
)

// Ledger is the slice of the store the manager needs: snapshots, locks, and
// enough of the job table to decide whether a lock is orphaned.
type Ledger interface {
	LatestSnapshot(ctx context.Context, nodeID string) (models.GpuSnapshot, bool, error)
	CreateLock(ctx context.Context, lock models.VramLock) error
	GetLock(ctx context.Context, id string) (models.VramLock, bool, error)
	HeartbeatLock(ctx context.Context, id string, now time.Time) error
	ReleaseLock(ctx context.Context, id string, now time.Time) error
	ActiveLockedMb(ctx context.Context, nodeID string) (int, error)
	ActiveLocksForJob(ctx context.Context, jobID string) ([]models.VramLock, error)
	UnreleasedLocks(ctx context.Context) ([]models.VramLock, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FailJob(ctx context.Context, id, errMsg string, now time.Time) (bool, error)
}

// Manager answers "can node N host another reservation of S MB?" and owns
// the lock ledger's lifecycle.
type Manager struct {
	ledger      Ledger
	lease       time.Duration
	stalePolicy StaleJobPolicy
	now         func() time.Time
}

// DefaultLease is the fixed reservation lease applied at acquisition.
const DefaultLease = 30 * time.Minute

func NewManager(ledger Ledger, lease time.Duration, stalePolicy StaleJobPolicy) *Manager {
	if lease <= 0 {
		lease = DefaultLease
	}
	if stalePolicy == "" {
		stalePolicy = StaleJobLeave
	}
	return &Manager{
		ledger:      ledger,
		lease:       lease,
		stalePolicy: stalePolicy,
		now:         time.Now,
	}
}

// AvailableVram returns snapshot free minus the administrator reservation.
// It does not subtract active locks; see EffectiveFree.
func (m *Manager) AvailableVram(ctx context.Context, nodeID string) (int, error) {
	snap, found, err := m.ledger.LatestSnapshot(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("latest snapshot for %s: %w", nodeID, err)
	}
	if !found {
		return 0, fmt.Errorf("node %s: %w", nodeID, ErrNoSnapshot)
	}
	return snap.FreeMb - snap.ReservedMb, nil
}

// EffectiveFree is available VRAM minus the sum of unreleased locks. The
// snapshot lags allocations this scheduler made moments earlier, so the
// ledger sum is always combined with it.
func (m *Manager) EffectiveFree(ctx context.Context, nodeID string) (int, error) {
	available, err := m.AvailableVram(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	locked, err := m.ledger.ActiveLockedMb(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("active locks for %s: %w", nodeID, err)
	}
	return available - locked, nil
}

// CanAllocate reports whether the node can fit requiredMb on top of its
// unreleased locks. Any lookup failure, including a missing snapshot, reads
// as false: under uncertainty the manager does not admit.
func (m *Manager) CanAllocate(ctx context.Context, nodeID string, requiredMb int) bool {
	free, err := m.EffectiveFree(ctx, nodeID)
	if err != nil {
		return false
	}
	return free >= requiredMb
}

// AcquireLock re-checks capacity and inserts a lock with a fixed lease.
// It returns the lock and the post-acquisition effective-free estimate.
func (m *Manager) AcquireLock(ctx context.Context, jobID, nodeID string, amountMb int) (models.VramLock, int, error) {
	free, err := m.EffectiveFree(ctx, nodeID)
	if err != nil {
		return models.VramLock{}, 0, err
	}
	if free < amountMb {
		return models.VramLock{}, 0, fmt.Errorf("node %s has %d MB free, need %d: %w",
			nodeID, free, amountMb, ErrInsufficientCapacity)
	}

	now := m.now().UTC()
	lock := models.VramLock{
		ID:          uuid.New().String(),
		JobID:       jobID,
		NodeID:      nodeID,
		Resource:    models.ResourceVram,
		AmountMb:    amountMb,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.lease),
		HeartbeatAt: now,
	}
	if err := m.ledger.CreateLock(ctx, lock); err != nil {
		return models.VramLock{}, 0, err
	}
	telemetry.VramLockedGauge.WithLabelValues(nodeID).Add(float64(amountMb))
	return lock, free - amountMb, nil
}

// ReleaseLock marks the lock released. Re-releasing is a no-op success;
// callers release defensively.
func (m *Manager) ReleaseLock(ctx context.Context, lockID string) error {
	lock, found, err := m.ledger.GetLock(ctx, lockID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("lock %s: %w", lockID, store.ErrNotFound)
	}
	if lock.Released {
		return nil
	}
	if err := m.ledger.ReleaseLock(ctx, lockID, m.now().UTC()); err != nil {
		return err
	}
	telemetry.VramLockedGauge.WithLabelValues(lock.NodeID).Sub(float64(lock.AmountMb))
	return nil
}

// ReleaseAllForJob releases every unreleased lock owned by a job and returns
// how many were released. Jobs with zero active locks are fine.
func (m *Manager) ReleaseAllForJob(ctx context.Context, jobID string) (int, error) {
	locks, err := m.ledger.ActiveLocksForJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, lock := range locks {
		if err := m.ReleaseLock(ctx, lock.ID); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Heartbeat refreshes a lock's heartbeat so long-running jobs survive the
// stale sweep.
func (m *Manager) Heartbeat(ctx context.Context, lockID string) error {
	return m.ledger.HeartbeatLock(ctx, lockID, m.now().UTC())
}

// CleanupStaleLocks releases unreleased locks whose owning job is missing or
// not running, or whose heartbeat is older than maxAge. Returns the number
// released. Sweeps are logged, never surfaced to callers as errors.
func (m *Manager) CleanupStaleLocks(ctx context.Context, maxAge time.Duration) (int, error) {
	locks, err := m.ledger.UnreleasedLocks(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now().UTC()
	swept := 0
	for _, lock := range locks {
		reason := ""
		jobRunning := false

		job, err := m.ledger.GetJob(ctx, lock.JobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			reason = "job missing"
		case err != nil:
			log.Printf("vram: sweep lookup job %s: %v", lock.JobID, err)
			continue
		case job.Status != models.StatusRunning:
			reason = fmt.Sprintf("job %s", job.Status)
		case now.Sub(lock.HeartbeatAt) > maxAge:
			reason = "heartbeat stale"
			jobRunning = true
		default:
			continue
		}

		if err := m.ReleaseLock(ctx, lock.ID); err != nil {
			log.Printf("vram: sweep release lock %s: %v", lock.ID, err)
			continue
		}
		swept++
		telemetry.StaleLocksSwept.Inc()
		log.Printf("vram: swept lock %s (job=%s node=%s amount=%dMB): %s",
			lock.ID, lock.JobID, lock.NodeID, lock.AmountMb, reason)

		if jobRunning && m.stalePolicy == StaleJobFail {
			msg := fmt.Sprintf("vram lock reclaimed by stale sweep: %s", reason)
			if _, err := m.ledger.FailJob(ctx, lock.JobID, msg, now); err != nil {
				log.Printf("vram: sweep fail job %s: %v", lock.JobID, err)
			}
		}
	}
	return swept, nil
}
