package transformer

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/speechlab/upstream/pkg/checkpoint"
	"github.com/speechlab/upstream/pkg/config"
	"github.com/speechlab/upstream/pkg/dataloader"
	"github.com/speechlab/upstream/pkg/nn"
	"github.com/speechlab/upstream/pkg/runlog"
)

const defaultCkpdirPrefix = "result/result_transformer"

// ResolveCheckpointDir picks the checkpoint directory: an explicit --ckpdir
// wins, otherwise the default prefix plus the run name, with a random
// run_<int 0-999> tag synthesized when no name was given.
func ResolveCheckpointDir(paras *config.Paras, rng *rand.Rand) string {
	if paras.Ckpdir != "" {
		return paras.Ckpdir
	}
	if paras.Name == "" {
		paras.Name = fmt.Sprintf("run_%d", rng.Intn(1000))
	}
	return filepath.Join(defaultCkpdirPrefix, paras.Name)
}

// PrepareCheckpointDir creates the checkpoint directory and copies the
// active config file (and online config, if any) into it so the exact
// settings of the run stay reproducible.
func PrepareCheckpointDir(paras *config.Paras, rng *rand.Rand) (string, error) {
	ckpdir := ResolveCheckpointDir(paras, rng)
	if err := os.MkdirAll(ckpdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	if err := copyFile(paras.Config, filepath.Join(ckpdir, filepath.Base(paras.Config))); err != nil {
		return "", err
	}
	if paras.OnlineConfig != "" {
		if err := copyFile(paras.OnlineConfig, filepath.Join(ckpdir, filepath.Base(paras.OnlineConfig))); err != nil {
			return "", err
		}
	}
	return ckpdir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open config for provenance copy: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to copy config into checkpoint directory: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy config into checkpoint directory: %w", err)
	}
	return nil
}

// Runner drives masked-acoustic pre-training: batches in, Adam steps out,
// checkpoints and metrics written into the checkpoint directory.
type Runner struct {
	paras  *config.Paras
	cfg    *config.Config
	loader dataloader.Loader
	ckpdir string
	logger *logrus.Logger
	rng    *rand.Rand
	db     *runlog.DB

	model      *Model
	masker     *dataloader.Masker
	optim      *nn.Adam
	globalStep int
	runID      int64
}

func NewRunner(paras *config.Paras, cfg *config.Config, loader dataloader.Loader,
	ckpdir string, rng *rand.Rand, logger *logrus.Logger, db *runlog.DB) *Runner {
	return &Runner{
		paras:  paras,
		cfg:    cfg,
		loader: loader,
		ckpdir: ckpdir,
		logger: logger,
		rng:    rng,
		db:     db,
	}
}

// SetModel builds the model and optimizer, restoring both from the resume
// checkpoint when one was resolved.
func (r *Runner) SetModel() error {
	model, err := NewModel(r.cfg.Transformer, r.rng)
	if err != nil {
		return err
	}
	r.model = model
	r.masker = dataloader.NewMasker(&r.cfg.Transformer, r.rng)

	warmup := int(r.cfg.Runner.WarmupProportion * float64(r.cfg.Runner.TotalSteps))
	r.optim = nn.NewAdam(r.cfg.Runner.LearningRate, warmup, r.cfg.Runner.TotalSteps)

	if r.paras.Resume != "" {
		ckpt, err := checkpoint.Load(r.paras.Resume)
		if err != nil {
			return err
		}
		r.restore(ckpt)
		r.logger.Infof("Resumed training state from %s at step %d", r.paras.Resume, r.globalStep)
	}

	r.logger.Infof("Transformer model set: %d layers, %d/%d attention heads active, hidden size %d",
		r.cfg.Transformer.NumHiddenLayers, r.model.ActiveHeads(),
		r.cfg.Transformer.NumAttentionHeads, r.cfg.Transformer.HiddenSize)
	return nil
}

func (r *Runner) restore(ckpt *checkpoint.Checkpoint) {
	if ckpt.Model != nil {
		r.model.params = nn.ImportParams(ckpt.Model)
	}
	if ckpt.Optimizer != nil {
		r.optim.ImportState(ckpt.Optimizer, ckpt.GlobalStep)
	}
	r.globalStep = ckpt.GlobalStep
}

// Train runs until runner.total_steps, logging every log_step and writing a
// rotated states-<step>.ckpt every save_step.
func (r *Runner) Train() error {
	if r.model == nil {
		return fmt.Errorf("runner model not set")
	}

	runID, err := r.db.StartRun(r.paras.Name, "transformer", r.paras.Seed)
	if err != nil {
		r.logger.Warnf("Run tracking unavailable: %v", err)
	}
	r.runID = runID

	total := r.cfg.Runner.TotalSteps
	r.logger.Infof("Training from step %d to %d over %d batches per epoch",
		r.globalStep, total, r.loader.NumBatches())

	for r.globalStep < total {
		batch, err := r.loader.Next()
		if err != nil {
			return fmt.Errorf("dataloader failed at step %d: %w", r.globalStep, err)
		}

		loss, err := r.trainStep(batch)
		if err != nil {
			return err
		}
		r.globalStep++

		if r.cfg.Runner.LogStep > 0 && r.globalStep%r.cfg.Runner.LogStep == 0 {
			r.logger.Infof("Step %d/%d - loss %.6f - lr %.2e", r.globalStep, total, loss, r.optim.CurrentLR())
			if err := r.appendMetric(loss); err != nil {
				r.logger.Warnf("Failed to append metrics: %v", err)
			}
			if err := r.db.RecordStep(r.runID, r.globalStep, loss); err != nil {
				r.logger.Warnf("Failed to record step in database: %v", err)
			}
		}

		if r.cfg.Runner.SaveStep > 0 && r.globalStep%r.cfg.Runner.SaveStep == 0 {
			if err := r.save(); err != nil {
				return err
			}
		}
	}

	// Final snapshot so a finished run is always resumable.
	if err := r.save(); err != nil {
		return err
	}
	r.logger.Infof("Training finished at step %d", r.globalStep)
	return nil
}

func (r *Runner) trainStep(batch *dataloader.Batch) (float64, error) {
	masked := r.masker.Apply(batch)

	r.model.params.ZeroGrad()
	batchLoss := nn.V(0)
	contributing := 0
	for b := range masked.Input {
		_, recon := r.model.Forward(masked.Input[b], r.rng)
		loss, count := MaskedL1Loss(recon, masked.Target[b], masked.Mask[b])
		if count == 0 {
			continue
		}
		batchLoss = nn.Add(batchLoss, loss)
		contributing++
	}
	if contributing == 0 {
		return 0, fmt.Errorf("batch produced no masked frames at step %d", r.globalStep)
	}

	batchLoss = nn.Mul(batchLoss, nn.V(1/float64(contributing)))
	nn.Backward(batchLoss)
	r.model.params.ClipGradNorm(r.cfg.Runner.GradientClipping)
	r.optim.Step(r.model.params)

	return batchLoss.Data, nil
}

type metricLine struct {
	Run  string  `json:"run"`
	Step int     `json:"step"`
	Loss float64 `json:"loss"`
	LR   float64 `json:"lr"`
	Time string  `json:"time"`
}

func (r *Runner) appendMetric(loss float64) error {
	path := filepath.Join(r.ckpdir, "metrics.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	line := metricLine{
		Run:  r.paras.Name,
		Step: r.globalStep,
		Loss: loss,
		LR:   r.optim.CurrentLR(),
		Time: time.Now().UTC().Format(time.RFC3339),
	}
	return json.NewEncoder(file).Encode(&line)
}

func (r *Runner) save() error {
	ckpt := &checkpoint.Checkpoint{
		Settings: checkpoint.Settings{
			Paras:  *r.paras,
			Config: *r.cfg,
		},
		Model:      r.model.params.Export(),
		Optimizer:  r.optim.ExportState(),
		GlobalStep: r.globalStep,
	}

	path := filepath.Join(r.ckpdir, checkpoint.Filename(r.globalStep))
	if err := checkpoint.Save(path, ckpt); err != nil {
		return err
	}
	r.logger.Infof("Saved checkpoint %s", path)

	return checkpoint.Rotate(r.ckpdir, r.cfg.Runner.MaxKeep)
}

// GlobalStep exposes the current step, mostly for tests.
func (r *Runner) GlobalStep() int { return r.globalStep }
