package checkpoint

import (
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/speechlab/upstream/pkg/config"
)

var DebugLog func(string, ...interface{})

// Settings mirrors the record layout consumed on resume: the arguments and
// config the run was started with.
type Settings struct {
	Paras  config.Paras  `json:"Paras"`
	Config config.Config `json:"Config"`
}

// Checkpoint is a full training state snapshot. Model and optimizer state are
// flat name -> matrix maps so both the transformer and APC runners can share
// the format.
type Checkpoint struct {
	Settings   Settings                 `json:"Settings"`
	Model      map[string][][]float64   `json:"Model,omitempty"`
	Optimizer  map[string][][][]float64 `json:"Optimizer,omitempty"`
	GlobalStep int                      `json:"Global_step"`
}

const extension = ".ckpt"

// Filename returns the canonical name for a snapshot at the given step,
// "states-<step>.ckpt".
func Filename(step int) string {
	return fmt.Sprintf("states-%d%s", step, extension)
}

// Save writes a zlib-compressed JSON snapshot.
func Save(path string, ckpt *Checkpoint) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	zw := zlib.NewWriter(file)
	if err := json.NewEncoder(zw).Encode(ckpt); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}

	return nil
}

// Load reads a snapshot written by Save.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	zr, err := zlib.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint %s: %w", path, err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}

	return &ckpt, nil
}

// stepOf parses the trailing integer step out of a checkpoint filename,
// the digits between the last hyphen and the extension.
func stepOf(path string) (int, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, extension)
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0, fmt.Errorf("checkpoint filename %s has no step suffix", base)
	}
	step, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("checkpoint filename %s has no step suffix: %w", base, err)
	}
	return step, nil
}

// FindLatest returns the checkpoint in dir with the highest numeric step
// suffix. Numeric, not lexicographic: states-900.ckpt loses to
// states-1000.ckpt.
func FindLatest(dir string) (string, error) {
	candidates, err := filepath.Glob(filepath.Join(dir, "*"+extension))
	if err != nil {
		return "", fmt.Errorf("failed to list checkpoints in %s: %w", dir, err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no checkpoints found in %s", dir)
	}

	best := ""
	bestStep := -1
	for _, candidate := range candidates {
		step, err := stepOf(candidate)
		if err != nil {
			if DebugLog != nil {
				DebugLog("skipping %s: %v", candidate, err)
			}
			continue
		}
		if step > bestStep {
			bestStep = step
			best = candidate
		}
	}

	if best == "" {
		return "", fmt.Errorf("no checkpoints found in %s", dir)
	}
	return best, nil
}

// Resume resolves a --resume argument (file or directory), loads the
// checkpoint, and rebuilds the (arguments, config) pair from its stored
// settings. The checkpoint's arguments win; the resolved path is recorded
// back into the returned arguments.
func Resume(resume string, paras config.Paras) (config.Paras, *config.Config, *Checkpoint, error) {
	resolved := resume
	if info, err := os.Stat(resume); err == nil && info.IsDir() {
		resolved, err = FindLatest(resume)
		if err != nil {
			return paras, nil, nil, err
		}
	}

	ckpt, err := Load(resolved)
	if err != nil {
		return paras, nil, nil, err
	}

	if DebugLog != nil {
		DebugLog("resuming from checkpoint %s at step %d", resolved, ckpt.GlobalStep)
	}

	paras.OverrideFrom(ckpt.Settings.Paras)
	paras.Resume = resolved

	cfg := ckpt.Settings.Config
	return paras, &cfg, ckpt, nil
}

// Rotate prunes old snapshots in dir down to maxKeep, oldest step first.
// maxKeep <= 0 keeps everything.
func Rotate(dir string, maxKeep int) error {
	if maxKeep <= 0 {
		return nil
	}

	candidates, err := filepath.Glob(filepath.Join(dir, "*"+extension))
	if err != nil {
		return fmt.Errorf("failed to list checkpoints in %s: %w", dir, err)
	}

	type entry struct {
		path string
		step int
	}
	var entries []entry
	for _, candidate := range candidates {
		step, err := stepOf(candidate)
		if err != nil {
			continue
		}
		entries = append(entries, entry{candidate, step})
	}

	if len(entries) <= maxKeep {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].step < entries[j].step })
	for _, stale := range entries[:len(entries)-maxKeep] {
		if err := os.Remove(stale.path); err != nil {
			return fmt.Errorf("failed to prune checkpoint %s: %w", stale.path, err)
		}
		if DebugLog != nil {
			DebugLog("pruned old checkpoint %s", stale.path)
		}
	}

	return nil
}
