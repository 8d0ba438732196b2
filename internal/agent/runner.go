package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/config"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/scheduler"
)

// ProgressFunc lets a handler report percent completion mid-job.
type ProgressFunc func(percent int)

// Handler executes one claimed job and returns its result payload.
type Handler func(ctx context.Context, claim *scheduler.Claim, report ProgressFunc) (map[string]any, error)

// Runner drives the per-node agent loop: poll claim, execute, heartbeat,
// complete or fail exactly once.
type Runner struct {
	cfg      config.Config
	client   *Client
	nodeID   string
	handlers map[string]Handler
}

func NewRunner(cfg config.Config, client *Client, nodeID string) *Runner {
	return &Runner{
		cfg:      cfg,
		client:   client,
		nodeID:   nodeID,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (r *Runner) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	r.handlers[jobType] = handler
}

// Run polls until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claim, err := r.client.Claim(ctx, r.nodeID)
		if err != nil {
			log.Printf("agent: claim: %v", err)
			sleep(ctx, r.cfg.AgentPollInterval)
			continue
		}
		if claim == nil {
			sleep(ctx, r.cfg.AgentPollInterval)
			continue
		}

		r.execute(ctx, claim)
	}
}

func (r *Runner) execute(ctx context.Context, claim *scheduler.Claim) {
	log.Printf("agent: claimed job %s (type=%s vram=%dMB)", claim.JobID, claim.Type, claim.VramMb)

	// Heartbeat the lock for as long as the handler runs so the stale sweep
	// leaves the reservation alone.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.client.Heartbeat(hbCtx, claim.LockID); err != nil {
					log.Printf("agent: heartbeat lock %s: %v", claim.LockID, err)
				}
			}
		}
	}()

	report := func(percent int) {
		if err := r.client.Progress(ctx, claim.JobID, percent); err != nil {
			log.Printf("agent: progress job %s: %v", claim.JobID, err)
		}
	}

	handler, ok := r.handlers[claim.Type]
	if !ok {
		r.fail(ctx, claim, fmt.Sprintf("no handler registered for type %q", claim.Type))
		return
	}

	result, err := handler(ctx, claim, report)
	stopHeartbeat()
	if err != nil {
		r.fail(ctx, claim, err.Error())
		return
	}
	if err := r.client.Complete(ctx, claim.JobID, result); err != nil {
		log.Printf("agent: complete job %s: %v", claim.JobID, err)
		return
	}
	log.Printf("agent: completed job %s", claim.JobID)
}

func (r *Runner) fail(ctx context.Context, claim *scheduler.Claim, msg string) {
	if err := r.client.Fail(ctx, claim.JobID, msg); err != nil {
		log.Printf("agent: fail job %s: %v", claim.JobID, err)
		return
	}
	log.Printf("agent: failed job %s: %s", claim.JobID, msg)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
