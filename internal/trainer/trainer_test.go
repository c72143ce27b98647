package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"retina-forge/internal/checkpoint"
	"retina-forge/internal/config"
	"retina-forge/internal/dist"
	"retina-forge/internal/logging"
	"retina-forge/internal/metrics"
	"retina-forge/internal/model"
	"retina-forge/internal/runlog"
)

// writeDataset creates n annotated PNG images and returns the image dir and
// annotation path.
func writeDataset(t *testing.T, n int) (string, string) {
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
				img.Set(x, y, color.RGBA{R: uint8(30 * i), G: uint8(x * 4), B: uint8(y * 4), A: 255})
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
	return dir, annPath
}

func testConfig(t *testing.T, iterations int) *config.Config {
	t.Helper()
	dir, ann := writeDataset(t, 4)
	return &config.Config{
		TrainImages:      dir,
		TrainAnnotations: ann,
		ValImages:        dir,
		ValAnnotations:   ann,
		Resize:           64,
		MaxSize:          128,
		JitterMin:        64,
		JitterMax:        64,
		BatchSize:        2,
		Iterations:       iterations,
		ValIterations:    2,
		NumWorkers:       2,
		World:            1,
		LR:               0.01,
		ReduceFactor:     0.1,
		ReducePatience:   3,
		Patience:         10,
		Seed:             7,
		LogWindowSec:     60,
	}
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.Checkpoint = filepath.Join(t.TempDir(), "ckpt.zst")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := Run(ctx, RunConfig{Cfg: cfg}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st, err := checkpoint.Load(cfg.Checkpoint)
	if err != nil {
		t.Fatalf("no checkpoint after run: %v", err)
	}
	if st.Iteration != 4 {
		t.Fatalf("checkpoint iteration=%d want 4", st.Iteration)
	}

	// Resuming continues past the saved iteration.
	cfg.Iterations = 6
	if err := Run(ctx, RunConfig{Cfg: cfg}); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	st, err = checkpoint.Load(cfg.Checkpoint)
	if err != nil {
		t.Fatalf("Load after resume: %v", err)
	}
	if st.Iteration != 6 {
		t.Fatalf("resumed checkpoint iteration=%d want 6", st.Iteration)
	}
}

func TestRunFlushesScalarsAndPostsMetrics(t *testing.T) {
	cfg := testConfig(t, 3)
	// A zero window flushes every iteration.
	cfg.LogWindowSec = 0
	cfg.Verbose = true

	scalars, err := runlog.Open(filepath.Join(t.TempDir(), "scalars.db"), "test-run")
	if err != nil {
		t.Fatalf("runlog.Open: %v", err)
	}
	defer scalars.Close()

	var mu sync.Mutex
	var posts []map[string]float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode post: %v", err)
		}
		mu.Lock()
		posts = append(posts, m)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = Run(ctx, RunConfig{
		Cfg:     cfg,
		Scalars: scalars,
		Poster:  metrics.NewPoster(srv.URL),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, tag := range []string{"focal_loss", "learning_rate", "total_train_loss"} {
		rows, err := scalars.Scalars(context.Background(), tag)
		if err != nil {
			t.Fatalf("Scalars(%s): %v", tag, err)
		}
		if len(rows) != 3 {
			t.Fatalf("%s: got %d rows, want one per iteration (3)", tag, len(rows))
		}
		for i, row := range rows {
			if row.Step != i+1 {
				t.Fatalf("%s row %d has step %d", tag, i, row.Step)
			}
		}
	}
	for _, tag := range []string{"total_val_loss", "val_map50"} {
		rows, err := scalars.Scalars(context.Background(), tag)
		if err != nil {
			t.Fatalf("Scalars(%s): %v", tag, err)
		}
		if len(rows) == 0 {
			t.Fatalf("%s: no rows written", tag)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(posts) != 3 {
		t.Fatalf("collector received %d posts, want 3", len(posts))
	}
	last := posts[len(posts)-1]
	for _, key := range []string{"iteration", "focal_loss", "total_train_loss", "learning_rate"} {
		if _, ok := last[key]; !ok {
			t.Fatalf("post missing %s: %v", key, last)
		}
	}
	if last["iteration"] != 3 {
		t.Fatalf("last post iteration=%f want 3", last["iteration"])
	}
}

func TestVerboseGatesWindowLog(t *testing.T) {
	var buf bytes.Buffer
	logging.L.SetOutput(&buf)
	defer logging.L.SetOutput(os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := testConfig(t, 2)
	cfg.LogWindowSec = 0
	cfg.Verbose = false
	if err := Run(ctx, RunConfig{Cfg: cfg}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(buf.String(), "focal=") {
		t.Fatal("window line logged with verbose disabled")
	}

	buf.Reset()
	cfg = testConfig(t, 2)
	cfg.LogWindowSec = 0
	cfg.Verbose = true
	if err := Run(ctx, RunConfig{Cfg: cfg}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(buf.String(), "focal=") {
		t.Fatal("window line missing with verbose enabled")
	}
}

func TestRunMultiReplica(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.World = 2

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	comms := dist.NewGroup(2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := Run(ctx, RunConfig{Cfg: cfg, Comm: comms[rank]}); err != nil {
				errs[rank] = err
				cancel()
			}
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

// nanDetector always reports a non-finite loss.
type nanDetector struct {
	param model.Param
}

func (d *nanDetector) Stride() int { return 32 }

func (d *nanDetector) Forward([]model.Plane, [][]model.Box) model.Losses {
	return model.Losses{Cls: math.NaN(), Box: 1}
}

func (d *nanDetector) Backward(float64) {}

func (d *nanDetector) Params() []*model.Param { return []*model.Param{&d.param} }

func (d *nanDetector) Detect(images []model.Plane) [][]model.Detection {
	return make([][]model.Detection, len(images))
}

func (d *nanDetector) State() model.State { return model.State{} }

func (d *nanDetector) LoadState(model.State) error { return nil }

func TestDivergingLossAborts(t *testing.T) {
	cfg := testConfig(t, 10)
	det := &nanDetector{param: model.Param{Name: "w", Data: []float64{0}, Grad: []float64{0}}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := Run(ctx, RunConfig{Cfg: cfg, Detector: det})
	if err == nil {
		t.Fatal("expected divergence error")
	}
	if !strings.Contains(err.Error(), "diverging") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background(), RunConfig{}); err == nil {
		t.Fatal("expected error for missing config")
	}
}
