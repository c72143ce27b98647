// Package checkpoint saves and restores training state. Checkpoints are
// zstd-compressed JSON written atomically, with SIGINT held off during the
// write so an impatient Ctrl-C cannot truncate the file.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"retina-forge/internal/earlystop"
	"retina-forge/internal/model"
	"retina-forge/internal/optim"
)

// State is everything needed to resume a run mid-training.
type State struct {
	Iteration int                `json:"iteration"`
	Model     model.State        `json:"model"`
	Optimizer optim.State        `json:"optimizer"`
	Scheduler optim.PlateauState `json:"scheduler"`
	EarlyStop earlystop.State    `json:"early_stop"`
}

// holdInterrupts swallows SIGINT until the returned release func runs.
func holdInterrupts() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

// Save writes st to path. The file appears atomically via a rename from a
// temp file in the same directory.
func Save(path string, st State) error {
	release := holdInterrupts()
	defer release()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("init checkpoint compressor: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(st); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (State, error) {
	var st State
	f, err := os.Open(path)
	if err != nil {
		return st, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return st, fmt.Errorf("init checkpoint decompressor: %w", err)
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(&st); err != nil {
		return st, fmt.Errorf("decode checkpoint: %w", err)
	}
	return st, nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
