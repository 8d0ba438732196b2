package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/scheduler"
)

// Client talks to the scheduler API on behalf of a node agent.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Claim polls for work. A nil claim means nothing to do right now.
func (c *Client) Claim(ctx context.Context, nodeID string) (*scheduler.Claim, error) {
	resp, err := c.post(ctx, "/claim", map[string]string{"node_id": nodeID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var claim scheduler.Claim
		if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
			return nil, fmt.Errorf("decode claim: %w", err)
		}
		return &claim, nil
	default:
		return nil, httpError("claim", resp)
	}
}

// Heartbeat keeps the claim's VRAM lock alive.
func (c *Client) Heartbeat(ctx context.Context, lockID string) error {
	return c.expectOK(ctx, "/locks/"+lockID+"/heartbeat", struct{}{})
}

func (c *Client) Progress(ctx context.Context, jobID string, percent int) error {
	return c.expectOK(ctx, "/jobs/"+jobID+"/progress", map[string]int{"percent": percent})
}

func (c *Client) Complete(ctx context.Context, jobID string, result map[string]any) error {
	return c.expectOK(ctx, "/jobs/"+jobID+"/complete", map[string]any{"result": result})
}

func (c *Client) Fail(ctx context.Context, jobID, errMsg string) error {
	return c.expectOK(ctx, "/jobs/"+jobID+"/fail", map[string]string{"error": errMsg})
}

func (c *Client) expectOK(ctx context.Context, path string, payload any) error {
	resp, err := c.post(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(path, resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
}
