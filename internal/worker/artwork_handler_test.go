package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/models"
)

func TestArtworkHandlerVariantsAndGrayscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Paint red so we can verify grayscale output has equal channels.
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ArtworkOutputDir:       tempDir,
		ArtworkDownloadTimeout: 2 * time.Second,
		ArtworkMaxBytes:        2 * 1024 * 1024,
		ArtworkVariantWidths:   []int{5, 2},
	}

	handler, err := NewArtworkHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new artwork handler: %v", err)
	}

	job := models.Job{
		ID:        "job-1",
		LibraryID: 1,
		Kind:      models.KindImage,
		Payload: map[string]any{
			"source_url":    srv.URL,
			"grayscale":     true,
			"output_prefix": "posters/603",
		},
	}

	if err := handler.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle artwork: %v", err)
	}

	for _, width := range cfg.ArtworkVariantWidths {
		path := filepath.Join(tempDir, "posters", "603", fmt.Sprintf("w%d.png", width))
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("variant w%d not written: %v", width, err)
		}
		outImg, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode variant w%d: %v", width, err)
		}
		if outImg.Bounds().Dx() != width {
			t.Fatalf("expected width %d, got %d", width, outImg.Bounds().Dx())
		}
		r, g, b, _ := outImg.At(0, 0).RGBA()
		if r != g || g != b {
			t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
		}
	}
}

func TestArtworkPayloadDefaults(t *testing.T) {
	handler := &ArtworkHandler{cfg: config.Config{ArtworkVariantWidths: []int{320}}}
	job := models.Job{
		ID:      "job-2",
		Payload: map[string]any{"source_url": "http://example.test/poster.jpg"},
	}
	payload, err := handler.decodePayload(job)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OutputPrefix != "job-2" {
		t.Fatalf("expected job id fallback prefix, got %q", payload.OutputPrefix)
	}
	if len(payload.Widths) != 1 || payload.Widths[0] != 320 {
		t.Fatalf("expected configured widths, got %v", payload.Widths)
	}
	if payload.Destination != "local" {
		t.Fatalf("expected local destination without a bucket, got %q", payload.Destination)
	}
}

func TestArtworkPayloadRequiresSource(t *testing.T) {
	handler := &ArtworkHandler{cfg: config.Config{}}
	if _, err := handler.decodePayload(models.Job{ID: "job-3", Payload: map[string]any{}}); err == nil {
		t.Fatalf("expected error for missing source_url")
	}
}
