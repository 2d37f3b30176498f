package transformer

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/speechlab/upstream/pkg/checkpoint"
	"github.com/speechlab/upstream/pkg/config"
	"github.com/speechlab/upstream/pkg/dataloader"
	"github.com/speechlab/upstream/pkg/runlog"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func disabledDB(t *testing.T) *runlog.DB {
	t.Helper()
	db, err := runlog.New(&config.Database{})
	if err != nil {
		t.Fatal(err)
	}
	return db
}

// tinyExperiment builds a full experiment: feature files on disk, a config
// sized for fast scalar-autograd training, and the arguments of a fresh run.
func tinyExperiment(t *testing.T) (*config.Paras, *config.Config) {
	t.Helper()
	dataDir := t.TempDir()

	manifest := "id,length,path\n"
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 4; i++ {
		length := 6 + i
		frames := make([][]float64, length)
		for f := range frames {
			frame := make([]float64, 3)
			for d := range frame {
				frame[d] = rng.NormFloat64()
			}
			frames[f] = frame
		}
		name := fmt.Sprintf("utt%d.fea", i)
		if err := dataloader.WriteFeature(filepath.Join(dataDir, name), frames); err != nil {
			t.Fatal(err)
		}
		manifest += fmt.Sprintf("utt%d,%d,%s\n", i, length, name)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "train.csv"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	configPath := filepath.Join(dataDir, "experiment.yaml")
	if err := os.WriteFile(configPath, []byte("# experiment settings\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Dataloader.DataPath = dataDir
	cfg.Dataloader.TrainSet = []string{"train"}
	cfg.Dataloader.BatchSize = 2
	cfg.Runner.TotalSteps = 4
	cfg.Runner.LogStep = 2
	cfg.Runner.SaveStep = 2
	cfg.Runner.MaxKeep = 2
	cfg.Runner.LearningRate = 0.01
	cfg.Runner.GradientClipping = 3.0
	cfg.Transformer = config.Transformer{
		InputDim:           3,
		HiddenSize:         4,
		NumHiddenLayers:    1,
		NumAttentionHeads:  2,
		IntermediateSize:   8,
		MaskProportion:     0.3,
		MaskConsecutiveMin: 2,
		MaskConsecutiveMax: 2,
	}

	paras := &config.Paras{
		Run:    "transformer",
		Config: configPath,
		Seed:   1337,
		Ckpdir: filepath.Join(t.TempDir(), "ckpts"),
	}
	return paras, cfg
}

func newTestRunner(t *testing.T, paras *config.Paras, cfg *config.Config, seed int64) *Runner {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	ckpdir, err := PrepareCheckpointDir(paras, rng)
	if err != nil {
		t.Fatalf("PrepareCheckpointDir failed: %v", err)
	}
	loader, err := dataloader.NewTrainLoader(cfg, rng)
	if err != nil {
		t.Fatalf("NewTrainLoader failed: %v", err)
	}

	runner := NewRunner(paras, cfg, loader, ckpdir, rng, quietLogger(), disabledDB(t))
	if err := runner.SetModel(); err != nil {
		t.Fatalf("SetModel failed: %v", err)
	}
	return runner
}

func TestResolveCheckpointDirDefault(t *testing.T) {
	paras := &config.Paras{}
	dir := ResolveCheckpointDir(paras, rand.New(rand.NewSource(1)))

	if !strings.HasPrefix(dir, filepath.Join("result", "result_transformer")) {
		t.Errorf("default dir %q outside the default prefix", dir)
	}
	if !regexp.MustCompile(`^run_\d{1,3}$`).MatchString(paras.Name) {
		t.Fatalf("synthesized name %q does not look like run_<n>", paras.Name)
	}
	n, _ := strconv.Atoi(strings.TrimPrefix(paras.Name, "run_"))
	if n < 0 || n > 999 {
		t.Errorf("run tag %d outside 0-999", n)
	}
}

func TestResolveCheckpointDirExplicit(t *testing.T) {
	paras := &config.Paras{Ckpdir: "/tmp/custom", Name: "keepme"}
	dir := ResolveCheckpointDir(paras, rand.New(rand.NewSource(1)))
	if dir != "/tmp/custom" {
		t.Errorf("explicit ckpdir ignored: %q", dir)
	}
	if paras.Name != "keepme" {
		t.Errorf("explicit name overwritten: %q", paras.Name)
	}
}

func TestResolveCheckpointDirNamed(t *testing.T) {
	paras := &config.Paras{Name: "myrun"}
	dir := ResolveCheckpointDir(paras, rand.New(rand.NewSource(1)))
	want := filepath.Join("result", "result_transformer", "myrun")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
}

func TestPrepareCheckpointDirCopiesConfigs(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "exp_fbank.yaml")
	onlinePath := filepath.Join(dir, "online_fbank.yaml")
	if err := os.WriteFile(configPath, []byte("transformer: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(onlinePath, []byte("n_mels: 80\n"), 0644); err != nil {
		t.Fatal(err)
	}

	paras := &config.Paras{
		Config:       configPath,
		OnlineConfig: onlinePath,
		Ckpdir:       filepath.Join(dir, "ckpts"),
	}
	ckpdir, err := PrepareCheckpointDir(paras, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("PrepareCheckpointDir failed: %v", err)
	}

	for _, base := range []string{"exp_fbank.yaml", "online_fbank.yaml"} {
		if _, err := os.Stat(filepath.Join(ckpdir, base)); err != nil {
			t.Errorf("%s not copied into checkpoint dir: %v", base, err)
		}
	}
}

func TestTrainWritesRotatedCheckpoints(t *testing.T) {
	paras, cfg := tinyExperiment(t)
	runner := newTestRunner(t, paras, cfg, 1337)

	if err := runner.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if runner.GlobalStep() != cfg.Runner.TotalSteps {
		t.Errorf("GlobalStep = %d, want %d", runner.GlobalStep(), cfg.Runner.TotalSteps)
	}

	final := filepath.Join(paras.Ckpdir, checkpoint.Filename(cfg.Runner.TotalSteps))
	if _, err := os.Stat(final); err != nil {
		t.Errorf("final checkpoint missing: %v", err)
	}

	snapshots, _ := filepath.Glob(filepath.Join(paras.Ckpdir, "*.ckpt"))
	if len(snapshots) > cfg.Runner.MaxKeep {
		t.Errorf("kept %d checkpoints, max_keep is %d", len(snapshots), cfg.Runner.MaxKeep)
	}

	if _, err := os.Stat(filepath.Join(paras.Ckpdir, "metrics.jsonl")); err != nil {
		t.Errorf("metrics file missing: %v", err)
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	paras, cfg := tinyExperiment(t)
	cfg.Runner.TotalSteps = 0 // constant learning rate, steps driven by hand
	runner := newTestRunner(t, paras, cfg, 1337)

	batch, err := runner.loader.Next()
	if err != nil {
		t.Fatal(err)
	}

	// Masks are redrawn per step, so compare averaged windows instead of
	// single samples.
	const steps = 30
	var head, tail float64
	for i := 0; i < steps; i++ {
		loss, err := runner.trainStep(batch)
		if err != nil {
			t.Fatalf("trainStep %d failed: %v", i, err)
		}
		if i < 5 {
			head += loss
		}
		if i >= steps-5 {
			tail += loss
		}
	}

	if !(tail < head) {
		t.Errorf("loss did not decrease: first window %v, last window %v", head/5, tail/5)
	}
}

func TestResumeRestoresTrainingState(t *testing.T) {
	paras, cfg := tinyExperiment(t)
	runner := newTestRunner(t, paras, cfg, 1337)
	if err := runner.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	resumed, resumedCfg, _, err := checkpoint.Resume(paras.Ckpdir, config.Paras{Seed: 1})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Seed != 1337 {
		t.Errorf("resumed seed = %d, want the stored 1337", resumed.Seed)
	}

	rng := rand.New(rand.NewSource(int64(resumed.Seed)))
	loader, err := dataloader.NewTrainLoader(resumedCfg, rng)
	if err != nil {
		t.Fatalf("NewTrainLoader failed: %v", err)
	}
	second := NewRunner(&resumed, resumedCfg, loader, paras.Ckpdir, rng, quietLogger(), disabledDB(t))
	if err := second.SetModel(); err != nil {
		t.Fatalf("SetModel on resume failed: %v", err)
	}
	if second.GlobalStep() != cfg.Runner.TotalSteps {
		t.Errorf("resumed step = %d, want %d", second.GlobalStep(), cfg.Runner.TotalSteps)
	}
}

func TestTrainingDeterministicForSeed(t *testing.T) {
	run := func() map[string][][]float64 {
		paras, cfg := tinyExperiment(t)
		runner := newTestRunner(t, paras, cfg, 1337)
		if err := runner.Train(); err != nil {
			t.Fatalf("Train failed: %v", err)
		}
		return runner.model.params.Export()
	}

	first := run()
	second := run()

	for name, m := range first {
		for i, row := range m {
			for j, x := range row {
				if second[name][i][j] != x {
					t.Fatalf("weight %s[%d][%d] diverged between identically seeded runs", name, i, j)
				}
			}
		}
	}
}
