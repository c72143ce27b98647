package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"retina-forge/internal/augment"
	"retina-forge/internal/model"
)

// Options configures the batch loader.
type Options struct {
	ImagesDir  string
	Index      *Index
	BatchSize  int
	Resize     int
	JitterMin  int
	JitterMax  int
	MaxSize    int
	Stride     int
	World      int
	Rank       int
	NumWorkers int
	Seed       int64
	Training   bool
	// Epochs bounds the stream; 0 streams forever.
	Epochs   int
	Pipeline *augment.Pipeline
}

// Batch is a decoded, augmented, stride-padded minibatch.
type Batch struct {
	Keys   []string
	Images []model.Plane
	Boxes  [][]model.Box
}

type job struct {
	seq  int64
	rec  *ImageRecord
	seed int64
}

type result struct {
	seq   int64
	key   string
	plane model.Plane
	boxes []model.Box
	err   error
}

// Start launches the loader pipeline: an index producer, NumWorkers
// decode/augment workers, and an ordered aggregator that groups items into
// batches. The image index space is sharded across ranks.
func Start(parent context.Context, opts Options) (<-chan Batch, <-chan error, error) {
	if opts.Index == nil || opts.Index.Len() == 0 {
		return nil, nil, errors.New("loader: empty dataset index")
	}
	if opts.BatchSize <= 0 {
		return nil, nil, errors.New("loader: batch size must be > 0")
	}
	if opts.Stride <= 0 {
		return nil, nil, errors.New("loader: stride must be > 0")
	}
	if opts.World <= 0 {
		opts.World = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.World {
		return nil, nil, fmt.Errorf("loader: rank %d out of range for world %d", opts.Rank, opts.World)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = opts.Resize
	}

	shard := make([]int, 0, opts.Index.Len()/opts.World+1)
	for i := 0; i < opts.Index.Len(); i++ {
		if i%opts.World == opts.Rank {
			shard = append(shard, i)
		}
	}
	if len(shard) == 0 {
		return nil, nil, fmt.Errorf("loader: rank %d has no images (world=%d images=%d)",
			opts.Rank, opts.World, opts.Index.Len())
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan job, opts.NumWorkers)
	results := make(chan result, opts.NumWorkers*2)
	out := make(chan Batch, 2)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, shard, opts)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, results, opts)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		aggregate(ctx, results, out, errCh, opts.BatchSize)
	}()

	return out, errCh, nil
}

func produceJobs(ctx context.Context, jobs chan<- job, shard []int, opts Options) {
	defer close(jobs)
	var seq int64
	for epoch := 0; opts.Epochs == 0 || epoch < opts.Epochs; epoch++ {
		order := append([]int(nil), shard...)
		if opts.Training {
			rng := rand.New(rand.NewSource(opts.Seed + int64(epoch)))
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for _, idx := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- job{seq: seq, rec: &opts.Index.Images[idx], seed: opts.Seed + seq}:
				seq++
			}
		}
	}
}

func worker(ctx context.Context, jobs <-chan job, results chan<- result, opts Options) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			res := loadOne(j, opts)
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func loadOne(j job, opts Options) result {
	path := filepath.Join(opts.ImagesDir, j.rec.FileName)
	f, err := os.Open(path)
	if err != nil {
		return result{seq: j.seq, err: fmt.Errorf("open image: %w", err)}
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return result{seq: j.seq, err: fmt.Errorf("decode %s: %w", j.rec.FileName, err)}
	}

	rng := rand.New(rand.NewSource(j.seed))
	target := opts.Resize
	if opts.Training {
		target = opts.JitterMin
		if opts.JitterMax > opts.JitterMin {
			target += rng.Intn(opts.JitterMax - opts.JitterMin + 1)
		}
	}
	bounds := src.Bounds()
	scale := scaleFor(bounds.Dx(), bounds.Dy(), target, opts.MaxSize)

	rgba := resizeRGBA(src, scale)
	boxes := make([]augment.Box, len(j.rec.Boxes))
	for i, b := range j.rec.Boxes {
		boxes[i] = augment.Box{
			X: b.X * scale, Y: b.Y * scale,
			W: b.W * scale, H: b.H * scale,
			Category: b.Category,
		}
	}

	sample := augment.Sample{Image: rgba, Boxes: boxes}
	if opts.Training {
		sample = opts.Pipeline.Apply(rng, sample)
	}

	plane := toPlane(sample.Image, opts.Stride)
	mboxes := make([]model.Box, len(sample.Boxes))
	for i, b := range sample.Boxes {
		mboxes[i] = model.Box{X: b.X, Y: b.Y, W: b.W, H: b.H, Label: b.Category}
	}
	return result{seq: j.seq, key: j.rec.FileName, plane: plane, boxes: mboxes}
}

func aggregate(ctx context.Context, results <-chan result, out chan<- Batch, errCh chan<- error, batchSize int) {
	pending := make(map[int64]result)
	var next int64
	var batch Batch

	send := func(b Batch) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- b:
			return true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				if len(batch.Keys) > 0 {
					send(batch)
				}
				return
			}
			if res.err != nil {
				errCh <- res.err
				return
			}
			pending[res.seq] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				batch.Keys = append(batch.Keys, r.key)
				batch.Images = append(batch.Images, r.plane)
				batch.Boxes = append(batch.Boxes, r.boxes)
				if len(batch.Keys) == batchSize {
					if !send(batch) {
						return
					}
					batch = Batch{}
				}
			}
		}
	}
}
