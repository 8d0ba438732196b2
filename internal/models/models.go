package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the store.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job represents one unit of requested inference work.
// Payload and Result are opaque to the scheduler; only worker agents
// interpret them.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Model          *string        `json:"model,omitempty"`
	Payload        map[string]any `json:"payload"`
	VramEstimateMb *int           `json:"vram_estimate_mb,omitempty"`
	Priority       int            `json:"priority"`
	Status         string         `json:"status"`
	NodeID         *string        `json:"node_id,omitempty"`
	Progress       int            `json:"progress"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	RequestedBy    string         `json:"requested_by"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Node is a registered compute target. Registration is owned by an external
// collaborator; the scheduler only reads enabled nodes.
type Node struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// GpuSnapshot is a point-in-time VRAM capacity report for a node.
// Snapshots are append-only; only the newest per node is authoritative.
type GpuSnapshot struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	TotalMb    int       `json:"total_mb"`
	UsedMb     int       `json:"used_mb"`
	FreeMb     int       `json:"free_mb"`
	ReservedMb int       `json:"reserved_mb"`
	CreatedAt  time.Time `json:"created_at"`
}

// ResourceVram is the only resource kind the lock ledger tracks today.
const ResourceVram = "vram"

// VramLock is an active VRAM reservation tied to exactly one job and node.
// A released lock is never reused.
type VramLock struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	NodeID      string     `json:"node_id"`
	Resource    string     `json:"resource"`
	AmountMb    int        `json:"amount_mb"`
	AcquiredAt  time.Time  `json:"acquired_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	HeartbeatAt time.Time  `json:"heartbeat_at"`
	Released    bool       `json:"released"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}
