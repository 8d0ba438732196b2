package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/config"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/scheduler"
)

// GenerateHandler forwards a claimed job to the node's local model-serving
// runtime and stores whatever artifacts come back. The job payload passes
// through untouched; only the runtime interprets it.
type GenerateHandler struct {
	runtimeURL string
	httpClient *http.Client
	uploader   Uploader
	thumbWidth int
}

func NewGenerateHandler(cfg config.Config, uploader Uploader) *GenerateHandler {
	timeout := cfg.RuntimeTimeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	width := cfg.ThumbnailWidth
	if width == 0 {
		width = 320
	}
	return &GenerateHandler{
		runtimeURL: cfg.RuntimeURL,
		httpClient: &http.Client{Timeout: timeout},
		uploader:   uploader,
		thumbWidth: width,
	}
}

type runtimeRequest struct {
	Type    string         `json:"type"`
	Model   *string        `json:"model,omitempty"`
	Payload map[string]any `json:"payload"`
}

type runtimeResponse struct {
	Images []string       `json:"images,omitempty"` // base64-encoded
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Handle runs one job against the runtime. Image outputs are uploaded full
// size plus a thumbnail; everything else passes through as the job result.
func (h *GenerateHandler) Handle(ctx context.Context, claim *scheduler.Claim, report ProgressFunc) (map[string]any, error) {
	report(0)

	body, err := json.Marshal(runtimeRequest{
		Type:    claim.Type,
		Model:   claim.Model,
		Payload: claim.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal runtime request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.runtimeURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("runtime returned status %d", resp.StatusCode)
	}

	var out runtimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode runtime response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("runtime error: %s", out.Error)
	}
	report(90)

	result := map[string]any{}
	for k, v := range out.Output {
		result[k] = v
	}

	if len(out.Images) > 0 {
		var artifacts []string
		var thumbs []string
		for i, encoded := range out.Images {
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("decode image %d: %w", i, err)
			}
			key := fmt.Sprintf("%s/%d.png", claim.JobID, i)
			loc, err := h.uploader.Upload(ctx, key, data, "image/png")
			if err != nil {
				return nil, fmt.Errorf("upload artifact: %w", err)
			}
			artifacts = append(artifacts, loc)

			thumbLoc, err := h.uploadThumbnail(ctx, claim.JobID, i, data)
			if err != nil {
				return nil, err
			}
			thumbs = append(thumbs, thumbLoc)
		}
		result["artifacts"] = artifacts
		result["thumbnails"] = thumbs
	}

	report(100)
	return result, nil
}

func (h *GenerateHandler) uploadThumbnail(ctx context.Context, jobID string, idx int, data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode artifact image: %w", err)
	}
	thumb := imaging.Resize(img, h.thumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	key := fmt.Sprintf("%s/thumb_%d.jpg", jobID, idx)
	return h.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
}
