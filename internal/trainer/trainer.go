// Package trainer drives detection training: it pulls batches from the
// loader, steps the model and optimizer, reduces losses across replicas,
// validates periodically, and checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"retina-forge/internal/amp"
	"retina-forge/internal/augment"
	"retina-forge/internal/checkpoint"
	"retina-forge/internal/config"
	"retina-forge/internal/dataset"
	"retina-forge/internal/dist"
	"retina-forge/internal/earlystop"
	"retina-forge/internal/eval"
	"retina-forge/internal/logging"
	"retina-forge/internal/metrics"
	"retina-forge/internal/model"
	"retina-forge/internal/optim"
	"retina-forge/internal/profiler"
	"retina-forge/internal/runlog"
)

const (
	defaultStride = 32
	momentum      = 0.9
	weightDecay   = 1e-4
)

// RunConfig captures the wiring required by the training loop.
type RunConfig struct {
	Cfg *config.Config
	// Detector overrides the default model, mainly for tests. When nil a
	// GridDetector sized to the training index is built.
	Detector model.Detector
	// Comm is this replica's communicator. Nil means single process.
	Comm dist.Communicator
	// Scalars receives logged values; nil discards them.
	Scalars *runlog.Writer
	// Poster ships window snapshots to a collector; nil disables posting.
	Poster *metrics.Poster
}

// Run executes the training workload for one replica. It returns when the
// iteration budget is exhausted, early stopping fires, or ctx is canceled.
func Run(ctx context.Context, rc RunConfig) error {
	cfg := rc.Cfg
	if cfg == nil {
		return errors.New("trainer: config is required")
	}
	comm := rc.Comm
	if comm == nil {
		comm = dist.Single{}
	}
	master := comm.Rank() == 0
	valEvery := cfg.ValIterations
	if valEvery <= 0 {
		valEvery = cfg.Iterations
	}

	trainIndex, err := dataset.LoadIndex(cfg.TrainAnnotations)
	if err != nil {
		return fmt.Errorf("load train annotations: %w", err)
	}
	var valIndex *dataset.Index
	if cfg.ValAnnotations != "" {
		valIndex, err = dataset.LoadIndex(cfg.ValAnnotations)
		if err != nil {
			return fmt.Errorf("load val annotations: %w", err)
		}
	}

	pipeline, err := buildPipeline(cfg.Augmentations, master)
	if err != nil {
		return err
	}

	det := rc.Detector
	if det == nil {
		det = model.NewGridDetector(trainIndex.NumClasses(), defaultStride, cfg.Seed)
	}
	params := det.Params()

	opt := optim.NewSGD(params, cfg.LR, momentum, weightDecay)
	warmup := optim.NewWarmup(opt, cfg.Warmup)
	milestones := optim.NewMilestones(opt, cfg.Milestones, 0.1)
	plateau := optim.NewPlateau(opt, cfg.ReduceFactor, cfg.ReducePatience)
	scaler := amp.NewScaler(cfg.MixedPrecision)
	es, err := earlystop.NewMonitor(earlystop.Min, cfg.Patience)
	if err != nil {
		return err
	}

	startIter := 1
	if checkpoint.Exists(cfg.Checkpoint) {
		st, err := checkpoint.Load(cfg.Checkpoint)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		if err := det.LoadState(st.Model); err != nil {
			return fmt.Errorf("resume model: %w", err)
		}
		if err := opt.LoadState(st.Optimizer); err != nil {
			return fmt.Errorf("resume optimizer: %w", err)
		}
		plateau.LoadState(st.Scheduler)
		es.LoadState(st.EarlyStop)
		startIter = st.Iteration + 1
		if master {
			logging.Infof("resuming from %s at iteration %d", cfg.Checkpoint, startIter)
		}
	}

	if master {
		logging.Infof("training %d images, %d classes, world=%d, precision=%s",
			trainIndex.Len(), trainIndex.NumClasses(), comm.World(), amp.OptLevel(cfg.MixedPrecision))
	}

	loaderCtx, stopLoader := context.WithCancel(ctx)
	defer stopLoader()
	batches, loaderErr, err := dataset.Start(loaderCtx, dataset.Options{
		ImagesDir:  cfg.TrainImages,
		Index:      trainIndex,
		BatchSize:  cfg.BatchSize,
		Resize:     cfg.Resize,
		JitterMin:  cfg.JitterMin,
		JitterMax:  cfg.JitterMax,
		MaxSize:    cfg.MaxSize,
		Stride:     det.Stride(),
		World:      comm.World(),
		Rank:       comm.Rank(),
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Training:   true,
		Pipeline:   pipeline,
	})
	if err != nil {
		return err
	}

	prof := profiler.New()
	var window metrics.Window

	for iteration := startIter; iteration <= cfg.Iterations; iteration++ {
		if warmup.Active(iteration) {
			warmup.Step(iteration)
		} else {
			milestones.Step(iteration)
		}
		prof.Bump("train")
		stepStart := time.Now()

		batch, err := nextBatch(ctx, batches, loaderErr)
		if err != nil {
			return err
		}

		prof.Start("fw")
		fwStart := time.Now()
		losses := det.Forward(batch.Images, batch.Boxes)
		fwTime := time.Since(fwStart)
		if err := prof.Stop("fw"); err != nil {
			return err
		}

		reduced, err := comm.AllReduceMean(ctx, []float64{losses.Cls, losses.Box})
		if err != nil {
			return err
		}
		cls, box := reduced[0], reduced[1]
		if !isFinite(cls + box) {
			return fmt.Errorf("loss is diverging at iteration %d (focal=%f box=%f); try lowering the learning rate",
				iteration, cls, box)
		}

		prof.Start("bw")
		bwStart := time.Now()
		det.Backward(scaler.Scale())
		bwTime := time.Since(bwStart)
		if err := prof.Stop("bw"); err != nil {
			return err
		}

		if comm.World() > 1 {
			if err := allReduceGrads(ctx, comm, params); err != nil {
				return err
			}
		}
		if scaler.Unscale(params) {
			opt.Step()
		} else if master {
			logging.Warnf("skipping step %d, gradients overflowed at scale %.0f", iteration, scaler.OverflowScale())
		}
		opt.ZeroGrad()

		// Step time includes the data wait, so throughput reflects loader
		// stalls the way fw+bw time alone would not.
		window.Record(len(batch.Images), time.Since(stepStart), fwTime, bwTime, cls, box)

		flush := prof.Total("train").Seconds() >= float64(cfg.LogWindowSec) || iteration == cfg.Iterations
		if flush {
			snap := window.Snapshot()
			if master {
				if cfg.Verbose {
					logging.Infof("[%d/%d] focal=%.4f box=%.4f total=%.4f %.3fs/batch (fw %.1fms bw %.1fms) %.1f im/s lr=%.6f",
						iteration, cfg.Iterations,
						snap.FocalLoss, snap.BoxLoss, snap.TotalLoss(),
						snap.AvgStepMS/1000, snap.AvgFwMS, snap.AvgBwMS,
						snap.ImagesPerSec, opt.LR())
				}
				if err := writeTrainScalars(ctx, rc.Scalars, iteration, snap, opt.LR()); err != nil {
					return err
				}
				if err := rc.Poster.Post(ctx, map[string]float64{
					"iteration":        float64(iteration),
					"focal_loss":       snap.FocalLoss,
					"box_loss":         snap.BoxLoss,
					"total_train_loss": snap.TotalLoss(),
					"images_per_sec":   snap.ImagesPerSec,
					"learning_rate":    opt.LR(),
				}); err != nil {
					logging.Warnf("metrics post failed: %v", err)
				}
			}
			prof.Reset()
		}

		if valIndex != nil && (iteration%valEvery == 0 || iteration == cfg.Iterations) {
			valLoss, mAP, err := validate(ctx, cfg, det, comm, valIndex)
			if err != nil {
				return err
			}
			stopped := es.Step(valLoss)
			if plateau.Step(valLoss) && master {
				logging.Infof("plateau: reducing learning rate to %.6f", opt.LR())
			}
			if master {
				logging.Infof("[%d/%d] validation total=%.4f map50=%.4f best=%.4f",
					iteration, cfg.Iterations, valLoss, mAP, es.Best())
				if err := writeValScalars(ctx, rc.Scalars, iteration, valLoss, mAP); err != nil {
					return err
				}
				if cfg.Checkpoint != "" {
					st := checkpoint.State{
						Iteration: iteration,
						Model:     det.State(),
						Optimizer: opt.State(),
						Scheduler: plateau.State(),
						EarlyStop: es.State(),
					}
					if err := checkpoint.Save(cfg.Checkpoint, st); err != nil {
						return err
					}
					logging.Debugf("checkpoint written to %s", cfg.Checkpoint)
				}
			}
			if stopped {
				if master {
					logging.Infof("early stopping at iteration %d, no improvement over %.4f", iteration, es.Best())
				}
				break
			}
		}
	}

	if master && scaler.Skipped() > 0 {
		logging.Infof("skipped %d steps for non-finite gradients", scaler.Skipped())
	}
	return nil
}

func buildPipeline(path string, master bool) (*augment.Pipeline, error) {
	if path == "" {
		return nil, nil
	}
	cfgs, err := augment.LoadFile(path)
	if err != nil {
		return nil, err
	}
	transforms, err := augment.Build(cfgs)
	if err != nil {
		return nil, err
	}
	if master {
		for _, t := range transforms {
			logging.Infof("augmentation: %s", t)
		}
	}
	return augment.Compose(transforms, augment.DefaultCOCOParams())
}

func nextBatch(ctx context.Context, batches <-chan dataset.Batch, errs <-chan error) (dataset.Batch, error) {
	for {
		select {
		case <-ctx.Done():
			return dataset.Batch{}, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return dataset.Batch{}, err
			}
			// Closed without error; keep draining buffered batches.
			errs = nil
		case batch, ok := <-batches:
			if !ok {
				return dataset.Batch{}, errors.New("trainer: loader closed")
			}
			return batch, nil
		}
	}
}

// allReduceGrads averages the raw gradient buffers across replicas so every
// optimizer applies the same update.
func allReduceGrads(ctx context.Context, comm dist.Communicator, params []*model.Param) error {
	total := 0
	for _, p := range params {
		total += len(p.Grad)
	}
	flat := make([]float64, 0, total)
	for _, p := range params {
		flat = append(flat, p.Grad...)
	}
	reduced, err := comm.AllReduceMean(ctx, flat)
	if err != nil {
		return err
	}
	off := 0
	for _, p := range params {
		copy(p.Grad, reduced[off:off+len(p.Grad)])
		off += len(p.Grad)
	}
	return nil
}

// validate runs a forward-only pass over this rank's shard of the validation
// set and reduces loss and mAP across replicas.
func validate(ctx context.Context, cfg *config.Config, det model.Detector, comm dist.Communicator, index *dataset.Index) (loss, mAP float64, err error) {
	valCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, loaderErr, err := dataset.Start(valCtx, dataset.Options{
		ImagesDir:  cfg.ValImages,
		Index:      index,
		BatchSize:  cfg.BatchSize,
		Resize:     cfg.Resize,
		JitterMin:  cfg.Resize,
		JitterMax:  cfg.Resize,
		MaxSize:    cfg.MaxSize,
		Stride:     det.Stride(),
		World:      comm.World(),
		Rank:       comm.Rank(),
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Epochs:     1,
	})
	if err != nil {
		return 0, 0, err
	}

	var sumCls, sumBox float64
	var steps float64
	var allDets [][]model.Detection
	var allTruth [][]model.Box
	for batches != nil {
		var batch dataset.Batch
		var ok bool
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case lerr, open := <-loaderErr:
			if open && lerr != nil {
				return 0, 0, lerr
			}
			// Closed without error; keep draining buffered batches.
			loaderErr = nil
			continue
		case batch, ok = <-batches:
			if !ok {
				batches = nil
				continue
			}
		}
		losses := det.Forward(batch.Images, batch.Boxes)
		sumCls += losses.Cls
		sumBox += losses.Box
		steps++
		allDets = append(allDets, det.Detect(batch.Images)...)
		allTruth = append(allTruth, batch.Boxes...)
	}
	if steps == 0 {
		return 0, 0, errors.New("trainer: validation produced no batches")
	}

	localMAP := eval.MeanAP(allDets, allTruth, index.NumClasses())
	reduced, err := comm.AllReduceMean(ctx, []float64{sumCls / steps, sumBox / steps, localMAP})
	if err != nil {
		return 0, 0, err
	}
	return reduced[0] + reduced[1], reduced[2], nil
}

func writeTrainScalars(ctx context.Context, w *runlog.Writer, iteration int, snap metrics.Snapshot, lr float64) error {
	for tag, value := range map[string]float64{
		"focal_loss":       snap.FocalLoss,
		"box_loss":         snap.BoxLoss,
		"total_train_loss": snap.TotalLoss(),
		"learning_rate":    lr,
		"images_per_sec":   snap.ImagesPerSec,
	} {
		if err := w.AddScalar(ctx, tag, iteration, value); err != nil {
			return err
		}
	}
	return nil
}

func writeValScalars(ctx context.Context, w *runlog.Writer, iteration int, loss, mAP float64) error {
	for tag, value := range map[string]float64{
		"total_val_loss": loss,
		"val_map50":      mAP,
	} {
		if err := w.AddScalar(ctx, tag, iteration, value); err != nil {
			return err
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
