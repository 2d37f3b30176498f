// Package apc trains the autoregressive predictive coding model: a
// recurrent encoder asked to predict acoustic frames a fixed shift into the
// future. Unlike the transformer path it owns its settings; the runner is
// constructed from a random source alone.
package apc

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/speechlab/upstream/pkg/checkpoint"
	"github.com/speechlab/upstream/pkg/config"
	"github.com/speechlab/upstream/pkg/dataloader"
	"github.com/speechlab/upstream/pkg/nn"
)

// DefaultConfigPath is consulted at construction; built-in defaults apply
// when the file is absent.
const DefaultConfigPath = "config/apc.yaml"

const defaultCkpdir = "result/result_apc"

type Config struct {
	InputDim     int      `yaml:"input_dim"`
	HiddenSize   int      `yaml:"hidden_size"`
	TimeShift    int      `yaml:"time_shift"`
	DataPath     string   `yaml:"data_path"`
	TrainSet     []string `yaml:"train_set"`
	BatchSize    int      `yaml:"batch_size"`
	MaxTimestep  int      `yaml:"max_timestep"`
	TotalSteps   int      `yaml:"total_steps"`
	LogStep      int      `yaml:"log_step"`
	SaveStep     int      `yaml:"save_step"`
	MaxKeep      int      `yaml:"max_keep"`
	LearningRate float64  `yaml:"learning_rate"`
}

func DefaultConfig() Config {
	return Config{
		InputDim:     80,
		HiddenSize:   512,
		TimeShift:    3,
		DataPath:     "data/libri_fbank80",
		TrainSet:     []string{"train-clean-100"},
		BatchSize:    32,
		MaxTimestep:  1500,
		TotalSteps:   100000,
		LogStep:      25,
		SaveStep:     10000,
		MaxKeep:      5,
		LearningRate: 1e-4,
	}
}

// LoadConfig overlays config/apc.yaml (or an explicit path) onto the
// defaults when it exists.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read apc config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse apc config: %w", err)
	}
	return cfg, nil
}

// Runner trains the APC model. Construction needs only a seeded source and
// a logger; everything else comes from the package config.
type Runner struct {
	cfg    Config
	rng    *rand.Rand
	logger *logrus.Logger

	params nn.Params
	optim  *nn.Adam
	step   int
}

func NewRunner(rng *rand.Rand, logger *logrus.Logger) (*Runner, error) {
	cfg, err := LoadConfig("")
	if err != nil {
		return nil, err
	}
	return NewRunnerWithConfig(cfg, rng, logger)
}

func NewRunnerWithConfig(cfg Config, rng *rand.Rand, logger *logrus.Logger) (*Runner, error) {
	if cfg.InputDim <= 0 || cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("apc input_dim and hidden_size must be positive")
	}
	if cfg.TimeShift < 1 {
		return nil, fmt.Errorf("apc time_shift must be at least 1")
	}

	std := 0.02
	params := nn.Params{
		"rnn.wx": nn.NewMatrix(rng, cfg.HiddenSize, cfg.InputDim, std),
		"rnn.wh": nn.NewMatrix(rng, cfg.HiddenSize, cfg.HiddenSize, std),
		"rnn.b":  nn.Zeros(cfg.HiddenSize, 1),
		"out.w":  nn.NewMatrix(rng, cfg.InputDim, cfg.HiddenSize, std),
		"out.b":  nn.Zeros(cfg.InputDim, 1),
	}

	return &Runner{
		cfg:    cfg,
		rng:    rng,
		logger: logger,
		params: params,
		optim:  nn.NewAdam(cfg.LearningRate, 0, cfg.TotalSteps),
	}, nil
}

// forward encodes an utterance and returns the future-frame predictions.
func (r *Runner) forward(frames [][]float64) [][]*nn.Value {
	hidden := make([]*nn.Value, r.cfg.HiddenSize)
	for i := range hidden {
		hidden[i] = nn.V(0)
	}

	preds := make([][]*nn.Value, len(frames))
	for t, frame := range frames {
		x := make([]*nn.Value, len(frame))
		for d, v := range frame {
			x[d] = nn.V(v)
		}
		fromInput := nn.Linear(x, r.params["rnn.wx"])
		fromState := nn.Linear(hidden, r.params["rnn.wh"])
		next := make([]*nn.Value, r.cfg.HiddenSize)
		for i := range next {
			next[i] = nn.Tanh(nn.Add(nn.Add(fromInput[i], fromState[i]), r.params["rnn.b"][i][0]))
		}
		hidden = next
		preds[t] = nn.AddBias(nn.Linear(hidden, r.params["out.w"]), r.params["out.b"])
	}
	return preds
}

// loss is mean |pred_t - x_{t+shift}| over the predictable prefix.
func (r *Runner) loss(preds [][]*nn.Value, frames [][]float64, length int) (*nn.Value, int) {
	shift := r.cfg.TimeShift
	loss := nn.V(0)
	count := 0
	for t := 0; t+shift < length; t++ {
		for d := range preds[t] {
			loss = nn.Add(loss, nn.Abs(nn.Sub(preds[t][d], nn.V(frames[t+shift][d]))))
		}
		count++
	}
	if count == 0 {
		return loss, 0
	}
	return nn.Mul(loss, nn.V(1/float64(count*r.cfg.InputDim))), count
}

// TrainStep runs one optimizer update over a batch and returns the loss.
func (r *Runner) TrainStep(batch *dataloader.Batch) (float64, error) {
	r.params.ZeroGrad()
	total := nn.V(0)
	contributing := 0
	for b := range batch.Source {
		preds := r.forward(batch.Source[b])
		loss, count := r.loss(preds, batch.Source[b], batch.Lengths[b])
		if count == 0 {
			continue
		}
		total = nn.Add(total, loss)
		contributing++
	}
	if contributing == 0 {
		return 0, fmt.Errorf("batch too short for time_shift %d", r.cfg.TimeShift)
	}

	total = nn.Mul(total, nn.V(1/float64(contributing)))
	nn.Backward(total)
	r.params.ClipGradNorm(5)
	r.optim.Step(r.params)
	r.step++
	return total.Data, nil
}

// Train runs the full APC pre-training loop with periodic checkpoints under
// result/result_apc.
func (r *Runner) Train() error {
	loader, err := r.buildLoader()
	if err != nil {
		return err
	}

	ckpdir := defaultCkpdir
	if err := os.MkdirAll(ckpdir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	r.logger.Infof("APC training for %d steps over %d batches per epoch", r.cfg.TotalSteps, loader.NumBatches())

	for r.step < r.cfg.TotalSteps {
		batch, err := loader.Next()
		if err != nil {
			return fmt.Errorf("dataloader failed at step %d: %w", r.step, err)
		}
		loss, err := r.TrainStep(batch)
		if err != nil {
			return err
		}

		if r.cfg.LogStep > 0 && r.step%r.cfg.LogStep == 0 {
			r.logger.Infof("Step %d/%d - loss %.6f", r.step, r.cfg.TotalSteps, loss)
		}
		if r.cfg.SaveStep > 0 && r.step%r.cfg.SaveStep == 0 {
			if err := r.save(ckpdir); err != nil {
				return err
			}
		}
	}

	if err := r.save(ckpdir); err != nil {
		return err
	}
	r.logger.Infof("APC training finished at step %d", r.step)
	return nil
}

func (r *Runner) buildLoader() (dataloader.Loader, error) {
	cfg := &config.Config{
		Dataloader: config.Dataloader{
			BatchSize:   r.cfg.BatchSize,
			MaxTimestep: r.cfg.MaxTimestep,
			DataPath:    r.cfg.DataPath,
			TrainSet:    r.cfg.TrainSet,
			Drop:        true,
		},
		Transformer: config.Transformer{InputDim: r.cfg.InputDim},
	}
	return dataloader.NewTrainLoader(cfg, r.rng)
}

func (r *Runner) save(ckpdir string) error {
	ckpt := &checkpoint.Checkpoint{
		Model:      r.params.Export(),
		Optimizer:  r.optim.ExportState(),
		GlobalStep: r.step,
	}
	path := filepath.Join(ckpdir, checkpoint.Filename(r.step))
	if err := checkpoint.Save(path, ckpt); err != nil {
		return err
	}
	r.logger.Infof("Saved checkpoint %s", path)
	return checkpoint.Rotate(ckpdir, r.cfg.MaxKeep)
}

// Step exposes the current step, mostly for tests.
func (r *Runner) Step() int { return r.step }
