package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"retina-forge/internal/config"
	"retina-forge/internal/dist"
	"retina-forge/internal/logging"
	"retina-forge/internal/metrics"
	"retina-forge/internal/runlog"
	"retina-forge/internal/trainer"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "retina-forge",
		Short:         "Object detection training driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	root.AddCommand(newTrainCmd())

	if err := root.Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training session",
		RunE:  runTrain,
	}
	f := cmd.Flags()
	f.String("train_images", "", "training image directory")
	f.String("train_annotations", "", "training annotations (COCO JSON)")
	f.String("val_images", "", "validation image directory")
	f.String("val_annotations", "", "validation annotations (COCO JSON)")
	f.String("augmentations", "", "augmentation config (JSON or YAML)")
	f.Int("iterations", 0, "training iterations")
	f.Int("val_iterations", 0, "validate every N iterations")
	f.Int("batch_size", 0, "batch size per replica")
	f.Int("num_workers", 0, "data loader workers per replica")
	f.Int("world", 0, "number of replicas")
	f.Bool("mixed_precision", false, "enable loss scaling")
	f.Float64("lr", 0, "base learning rate")
	f.Int("warmup", 0, "linear warmup iterations")
	f.Int64("seed", 0, "PRNG seed")
	f.String("checkpoint", "", "checkpoint path")
	f.String("scalar_db", "", "SQLite scalar database path")
	f.String("metrics_url", "", "metrics collector URL")
	f.String("log_file", "", "log file path")
	f.Bool("verbose", true, "log the per-window training line")
	f.Bool("debug", false, "debug logging")
	return cmd
}

func runTrain(cmd *cobra.Command, _ []string) error {
	// A .env alongside the binary is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(cmd, cfgPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Debug, cfg.LogFile); err != nil {
		return err
	}
	defer logging.Close()

	logDevice()

	run := time.Now().Format("20060102-150405")
	scalars, err := runlog.Open(cfg.ScalarDB, run)
	if err != nil {
		return err
	}
	defer scalars.Close()
	poster := metrics.NewPoster(cfg.MetricsURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	comms := dist.NewGroup(cfg.World)
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for rank := range comms {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			rc := trainer.RunConfig{Cfg: cfg, Comm: comms[rank]}
			if rank == 0 {
				rc.Scalars = scalars
				rc.Poster = poster
			}
			if err := trainer.Run(ctx, rc); err != nil {
				errs[rank] = err
				// Unblock peers waiting in a reduction.
				cancel()
			}
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	logging.Infof("training complete, run %s", run)
	return nil
}
