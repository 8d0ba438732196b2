package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/config"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/scheduler"
)

func encodeTestPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestGenerateHandlerUploadsArtifactsAndThumbnails(t *testing.T) {
	pngData := encodeTestPNG(t)

	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			http.NotFound(w, r)
			return
		}
		var req runtimeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(runtimeResponse{
			Images: []string{base64.StdEncoding.EncodeToString(pngData)},
			Output: map[string]any{"seed": 42},
		})
	}))
	defer runtime.Close()

	dir := t.TempDir()
	cfg := config.Config{
		RuntimeURL:     runtime.URL,
		RuntimeTimeout: 5 * time.Second,
		ThumbnailWidth: 5,
	}
	handler := NewGenerateHandler(cfg, &localUploader{baseDir: dir})

	model := "sdxl"
	claim := &scheduler.Claim{
		JobID:   "job-1",
		LockID:  "lock-1",
		NodeID:  "node-a",
		Type:    "image",
		Model:   &model,
		Payload: map[string]any{"prompt": "red square"},
		VramMb:  6000,
	}

	var reported []int
	result, err := handler.Handle(context.Background(), claim, func(p int) { reported = append(reported, p) })
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if result["seed"] != 42 && result["seed"] != float64(42) {
		t.Fatalf("runtime output should pass through, got %+v", result)
	}
	artifacts, ok := result["artifacts"].([]string)
	if !ok || len(artifacts) != 1 {
		t.Fatalf("expected one artifact, got %+v", result["artifacts"])
	}
	if _, err := os.Stat(filepath.Join(dir, "job-1", "0.png")); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	thumbPath := filepath.Join(dir, "job-1", "thumb_0.jpg")
	data, err := os.ReadFile(thumbPath)
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	thumb, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if thumb.Bounds().Dx() != 5 {
		t.Fatalf("expected thumbnail width 5, got %d", thumb.Bounds().Dx())
	}

	if len(reported) == 0 || reported[len(reported)-1] != 100 {
		t.Fatalf("expected final progress 100, got %v", reported)
	}
}

func TestGenerateHandlerSurfacesRuntimeError(t *testing.T) {
	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(runtimeResponse{Error: "model not loaded"})
	}))
	defer runtime.Close()

	cfg := config.Config{RuntimeURL: runtime.URL, RuntimeTimeout: 5 * time.Second}
	handler := NewGenerateHandler(cfg, &localUploader{baseDir: t.TempDir()})

	_, err := handler.Handle(context.Background(), &scheduler.Claim{JobID: "job-2", Type: "text"}, func(int) {})
	if err == nil {
		t.Fatal("expected error from runtime failure")
	}
}
