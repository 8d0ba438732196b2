package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
)

// Memory is a mutex-protected in-memory Store used for local development
// (STORE_DRIVER=memory) and tests. Conditional transitions happen under the
// mutex, so claim semantics match the Postgres conditional updates.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	nodes     map[string]models.Node
	snapshots []models.GpuSnapshot
	locks     map[string]*models.VramLock
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*models.Job),
		nodes: make(map[string]models.Node),
		locks: make(map[string]*models.VramLock),
	}
}

func (s *Memory) Close() {}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	job := models.Job{
		ID:          uuid.New().String(),
		Type:        p.Type,
		Payload:     p.Payload,
		Priority:    p.Priority,
		Status:      models.StatusQueued,
		RequestedBy: p.RequestedBy,
		CreatedAt:   p.CreatedAt.UTC(),
	}
	if p.Model != "" {
		m := p.Model
		job.Model = &m
	}
	if p.VramEstimateMb != 0 {
		v := p.VramEstimateMb
		job.VramEstimateMb = &v
	}
	s.jobs[job.ID] = &job
	return job, nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return *job, nil
}

func (s *Memory) NextQueuedJob(_ context.Context) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.nextQueuedLocked()
	if job == nil {
		return models.Job{}, false, nil
	}
	return *job, true, nil
}

func (s *Memory) nextQueuedLocked() *models.Job {
	var queued []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusQueued {
			queued = append(queued, job)
		}
	}
	if len(queued) == 0 {
		return nil
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority < queued[j].Priority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	return queued[0]
}

func (s *Memory) MarkJobRunning(_ context.Context, id, nodeID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusQueued {
		return false, nil
	}
	n := nodeID
	t := now.UTC()
	job.Status = models.StatusRunning
	job.NodeID = &n
	job.StartedAt = &t
	return true, nil
}

func (s *Memory) SetJobProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return fmt.Errorf("job %s not running: %w", id, ErrNotFound)
	}
	job.Progress = progress
	return nil
}

func (s *Memory) CompleteJob(_ context.Context, id string, result map[string]any, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return false, nil
	}
	t := now.UTC()
	job.Status = models.StatusCompleted
	job.Result = result
	job.Progress = 100
	job.CompletedAt = &t
	job.Error = nil
	return true, nil
}

func (s *Memory) FailJob(_ context.Context, id, errMsg string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return false, nil
	}
	t := now.UTC()
	msg := errMsg
	job.Status = models.StatusFailed
	job.Error = &msg
	job.CompletedAt = &t
	return true, nil
}

func (s *Memory) CancelJob(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || (job.Status != models.StatusQueued && job.Status != models.StatusRunning) {
		return false, nil
	}
	t := now.UTC()
	job.Status = models.StatusCancelled
	job.CompletedAt = &t
	return true, nil
}

func (s *Memory) CountJobsByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (s *Memory) OldestQueuedJob(_ context.Context) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Job
	for _, job := range s.jobs {
		if job.Status != models.StatusQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return models.Job{}, false, nil
	}
	return *oldest, true, nil
}

func (s *Memory) AverageWaitSince(_ context.Context, since time.Time) (time.Duration, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total time.Duration
	var n int
	for _, job := range s.jobs {
		if job.Status != models.StatusCompleted || job.StartedAt == nil || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(since) {
			continue
		}
		total += job.StartedAt.Sub(job.CreatedAt)
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return total / time.Duration(n), n, nil
}

func (s *Memory) RunningJobsByNode(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, job := range s.jobs {
		if job.Status == models.StatusRunning && job.NodeID != nil {
			counts[*job.NodeID]++
		}
	}
	return counts, nil
}

func (s *Memory) UpsertNode(_ context.Context, n models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	return nil
}

func (s *Memory) GetNode(_ context.Context, id string) (models.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n, ok, nil
}

func (s *Memory) ListNodes(_ context.Context) ([]models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *Memory) InsertSnapshot(_ context.Context, snap models.GpuSnapshot) (models.GpuSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	s.snapshots = append(s.snapshots, snap)
	return snap, nil
}

func (s *Memory) LatestSnapshot(_ context.Context, nodeID string) (models.GpuSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest models.GpuSnapshot
	found := false
	for _, snap := range s.snapshots {
		if snap.NodeID != nodeID {
			continue
		}
		if !found || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
			found = true
		}
	}
	return latest, found, nil
}

func (s *Memory) CreateLock(_ context.Context, lock models.VramLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := lock
	s.locks[lock.ID] = &l
	return nil
}

func (s *Memory) GetLock(_ context.Context, id string) (models.VramLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		return models.VramLock{}, false, nil
	}
	return *lock, true, nil
}

func (s *Memory) HeartbeatLock(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok || lock.Released {
		return fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	lock.HeartbeatAt = now.UTC()
	return nil
}

func (s *Memory) ReleaseLock(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		return fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	if lock.Released {
		return nil
	}
	t := now.UTC()
	lock.Released = true
	lock.ReleasedAt = &t
	return nil
}

func (s *Memory) ActiveLockedMb(_ context.Context, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, lock := range s.locks {
		if lock.NodeID == nodeID && !lock.Released {
			total += lock.AmountMb
		}
	}
	return total, nil
}

func (s *Memory) ActiveLocksForJob(_ context.Context, jobID string) ([]models.VramLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locks []models.VramLock
	for _, lock := range s.locks {
		if lock.JobID == jobID && !lock.Released {
			locks = append(locks, *lock)
		}
	}
	return locks, nil
}

func (s *Memory) UnreleasedLocks(_ context.Context) ([]models.VramLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locks []models.VramLock
	for _, lock := range s.locks {
		if !lock.Released {
			locks = append(locks, *lock)
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].AcquiredAt.Before(locks[j].AcquiredAt) })
	return locks, nil
}
