package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/config"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/scheduler"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/store"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/vram"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	manager := vram.NewManager(st, 30*time.Minute, vram.StaleJobLeave)
	sched := scheduler.New(st, manager, 0)
	srv := New(config.Load(), st, sched, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	// Register a node and feed it a capacity snapshot.
	resp := doJSON(t, http.MethodPost, ts.URL+"/nodes", map[string]any{"id": "node-a", "name": "workstation-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register node: status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, ts.URL+"/nodes/node-a/gpu", map[string]any{
		"total_mb": 24000, "used_mb": 4000, "free_mb": 20000, "reserved_mb": 1000,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("snapshot: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Enqueue.
	resp = doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{
		"type": "image", "model": "sdxl", "vram_estimate_mb": 6000, "priority": 10,
		"payload": map[string]any{"prompt": "a lighthouse at dusk"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue: status %d", resp.StatusCode)
	}
	job := decode[models.Job](t, resp)
	if job.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	// Claim.
	resp = doJSON(t, http.MethodPost, ts.URL+"/claim", map[string]string{"node_id": "node-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: status %d", resp.StatusCode)
	}
	claim := decode[scheduler.Claim](t, resp)
	if claim.JobID != job.ID || claim.VramMb != 6000 || claim.LockID == "" {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	// Heartbeat and progress.
	resp = doJSON(t, http.MethodPost, ts.URL+"/locks/"+claim.LockID+"/heartbeat", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/jobs/%s/progress", ts.URL, job.ID), map[string]int{"percent": 40})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Complete.
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/jobs/%s/complete", ts.URL, job.ID), map[string]any{
		"result": map[string]any{"artifact": "s3://renders/out.png"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/jobs/" + job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	final := decode[models.Job](t, resp)
	if final.Status != models.StatusCompleted || final.Progress != 100 {
		t.Fatalf("expected completed/100, got %s/%d", final.Status, final.Progress)
	}

	// Status view.
	resp, err = http.Get(ts.URL + "/queue/status")
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	status := decode[scheduler.QueueStatus](t, resp)
	if status.TotalCompleted != 1 {
		t.Fatalf("expected 1 completed, got %d", status.TotalCompleted)
	}
}

func TestClaimNoWorkReturns204(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/nodes", map[string]any{"id": "node-a"})
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, ts.URL+"/nodes/node-a/gpu", map[string]any{
		"total_mb": 24000, "used_mb": 0, "free_mb": 24000,
	})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/claim", map[string]string{"node_id": "node-a"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on empty queue, got %d", resp.StatusCode)
	}
}

func TestClaimUnknownNodeConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/claim", map[string]string{"node_id": "ghost"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unknown node, got %d", resp.StatusCode)
	}
}

func TestCancelTerminalJobConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{"type": "text"})
	job := decode[models.Job](t, resp)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/jobs/%s/cancel", ts.URL, job.ID), struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first cancel: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/jobs/%s/cancel", ts.URL, job.ID), struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a cancelled job, got %d", resp.StatusCode)
	}
}

func TestGetMissingJob404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSnapshotForUnknownNode404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/nodes/ghost/gpu", map[string]any{"total_mb": 1, "free_mb": 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
