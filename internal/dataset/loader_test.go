package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// writeDataset creates n annotated PNG images and returns the image dir and
// loaded index.
func writeDataset(t *testing.T, n int) (string, *Index) {
	t.Helper()
	dir := t.TempDir()

	type imgT struct {
		ID       int    `json:"id"`
		FileName string `json:"file_name"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	}
	type annT struct {
		ImageID    int       `json:"image_id"`
		CategoryID int       `json:"category_id"`
		BBox       []float64 `json:"bbox"`
		IsCrowd    int       `json:"iscrowd"`
	}
	type catT struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	file := struct {
		Images      []imgT `json:"images"`
		Annotations []annT `json:"annotations"`
		Categories  []catT `json:"categories"`
	}{
		Categories: []catT{{ID: 1, Name: "thing"}},
	}

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img-%03d.png", i)
		img := image.NewRGBA(image.Rect(0, 0, 48, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 48; x++ {
				img.Set(x, y, color.RGBA{R: uint8(10 * i), G: uint8(x), B: uint8(y), A: 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("create image: %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("encode image: %v", err)
		}
		f.Close()

		file.Images = append(file.Images, imgT{ID: i + 1, FileName: name, Width: 48, Height: 32})
		file.Annotations = append(file.Annotations, annT{
			ImageID: i + 1, CategoryID: 1, BBox: []float64{4, 4, 16, 12},
		})
	}

	raw, err := json.Marshal(file)
	if err != nil {
		t.Fatalf("marshal annotations: %v", err)
	}
	annPath := filepath.Join(dir, "instances.json")
	if err := os.WriteFile(annPath, raw, 0o644); err != nil {
		t.Fatalf("write annotations: %v", err)
	}
	idx, err := LoadIndex(annPath)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	return dir, idx
}

func collectKeys(t *testing.T, opts Options, batches int) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, errCh, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	var keys []string
	deadline := time.After(5 * time.Second)
	for i := 0; i < batches; i++ {
		select {
		case b, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed after %d keys", len(keys))
			}
			keys = append(keys, b.Keys...)
		case err := <-errCh:
			if err != nil {
				t.Fatalf("loader error: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for batches")
		}
	}
	return keys
}

func TestLoaderBatchShapes(t *testing.T) {
	dir, idx := writeDataset(t, 4)
	opts := Options{
		ImagesDir: dir, Index: idx,
		BatchSize: 2, Resize: 64, MaxSize: 128, Stride: 32,
		NumWorkers: 2, Seed: 5, Epochs: 1,
	}
	ctx := context.Background()
	stream, errCh, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	count := 0
	for b := range stream {
		count++
		if len(b.Images) != 2 || len(b.Boxes) != 2 || len(b.Keys) != 2 {
			t.Fatalf("ragged batch: %d/%d/%d", len(b.Keys), len(b.Images), len(b.Boxes))
		}
		for _, p := range b.Images {
			if p.W%32 != 0 || p.H%32 != 0 {
				t.Fatalf("plane %dx%d not stride-padded", p.W, p.H)
			}
			if len(p.Pix) != p.W*p.H {
				t.Fatalf("plane buffer %d != %d", len(p.Pix), p.W*p.H)
			}
		}
		for _, boxes := range b.Boxes {
			if len(boxes) != 1 {
				t.Fatalf("expected 1 box per image, got %d", len(boxes))
			}
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 batches for 4 images, got %d", count)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("loader error: %v", err)
	}
}

func TestLoaderDeterministicOrder(t *testing.T) {
	dir, idx := writeDataset(t, 6)
	opts := Options{
		ImagesDir: dir, Index: idx,
		BatchSize: 2, Resize: 64, JitterMin: 48, JitterMax: 64, MaxSize: 128, Stride: 32,
		NumWorkers: 3, Seed: 11, Training: true,
	}
	run1 := collectKeys(t, opts, 3)
	run2 := collectKeys(t, opts, 3)
	if !reflect.DeepEqual(run1, run2) {
		t.Fatalf("loader order not deterministic: %v vs %v", run1, run2)
	}
}

func TestLoaderRankSharding(t *testing.T) {
	dir, idx := writeDataset(t, 6)
	base := Options{
		ImagesDir: dir, Index: idx,
		BatchSize: 1, Resize: 64, MaxSize: 128, Stride: 32,
		NumWorkers: 1, Seed: 3, Epochs: 1, World: 2,
	}

	seen := map[string]int{}
	for rank := 0; rank < 2; rank++ {
		opts := base
		opts.Rank = rank
		keys := collectKeys(t, opts, 3)
		if len(keys) != 3 {
			t.Fatalf("rank %d: expected 3 images, got %d", rank, len(keys))
		}
		for _, k := range keys {
			seen[k]++
		}
	}
	if len(seen) != 6 {
		t.Fatalf("ranks overlap: %d distinct images, want 6", len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("image %s seen %d times", k, n)
		}
	}
}

func TestLoaderMissingImageReportsError(t *testing.T) {
	dir, idx := writeDataset(t, 2)
	if err := os.Remove(filepath.Join(dir, idx.Images[0].FileName)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	opts := Options{
		ImagesDir: dir, Index: idx,
		BatchSize: 1, Resize: 64, MaxSize: 128, Stride: 32,
		NumWorkers: 1, Seed: 1, Epochs: 1,
	}
	_, errCh, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				t.Fatal("error channel closed without an error")
			}
			if err != nil {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for loader error")
		}
	}
}
