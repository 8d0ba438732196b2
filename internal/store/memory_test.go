package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
)

func TestMarkJobRunningClaimsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	job, err := st.CreateJob(ctx, CreateJobParams{Type: "image", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Concurrent claimers: exactly one conditional update may win.
	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		nodeID := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.MarkJobRunning(ctx, job.ID, nodeID, time.Now())
			if err != nil {
				t.Errorf("mark running: %v", err)
				return
			}
			if ok {
				wins <- nodeID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusRunning || got.NodeID == nil || *got.NodeID != winners[0] {
		t.Fatalf("job should be running on the winning node, got %+v", got)
	}
}

func TestNextQueuedJobOrdering(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	late, _ := st.CreateJob(ctx, CreateJobParams{Type: "a", Priority: 10, CreatedAt: base.Add(2 * time.Second)})
	_, _ = st.CreateJob(ctx, CreateJobParams{Type: "b", Priority: 50, CreatedAt: base})
	early, _ := st.CreateJob(ctx, CreateJobParams{Type: "c", Priority: 10, CreatedAt: base.Add(time.Second)})

	next, found, err := st.NextQueuedJob(ctx)
	if err != nil || !found {
		t.Fatalf("next queued: found=%v err=%v", found, err)
	}
	if next.ID != early.ID {
		t.Fatalf("expected earliest job in the lowest priority band, got %s", next.Type)
	}

	if ok, _ := st.MarkJobRunning(ctx, early.ID, "node-a", base.Add(3*time.Second)); !ok {
		t.Fatal("claim early job")
	}
	next, found, err = st.NextQueuedJob(ctx)
	if err != nil || !found {
		t.Fatalf("next queued: found=%v err=%v", found, err)
	}
	if next.ID != late.ID {
		t.Fatalf("expected remaining priority-10 job next, got %s", next.Type)
	}
}
