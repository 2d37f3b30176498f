package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const sampleConfig = `
dataloader:
  n_jobs: 4
  batch_size: 8
  max_timestep: 1500
  data_path: data/libri_fbank80
  train_set: ['train-clean-100']
  drop: true
runner:
  duo_feature: false
  total_steps: 1000
  log_step: 25
  save_step: 500
  max_keep: 3
  learning_rate: 0.0002
  warmup_proportion: 0.07
  gradient_clipping: 3.0
transformer:
  input_dim: 80
  hidden_size: 64
  num_hidden_layers: 2
  num_attention_heads: 4
  intermediate_size: 128
  mask_proportion: 0.15
  mask_consecutive_min: 7
  mask_consecutive_max: 7
  prune_headids: "0-3,12"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	manager := NewManager(writeConfig(t, sampleConfig))
	if err := manager.LoadConfig(); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	cfg := manager.GetConfig()
	if cfg.Dataloader.BatchSize != 8 {
		t.Errorf("batch_size = %d, want 8", cfg.Dataloader.BatchSize)
	}
	if cfg.Transformer.InputDim != 80 {
		t.Errorf("input_dim = %d, want 80", cfg.Transformer.InputDim)
	}
	if cfg.Runner.DuoFeature {
		t.Error("duo_feature should be false")
	}
	if cfg.Online != nil {
		t.Error("online section should be absent")
	}
}

func TestParsePruneHeadsSpans(t *testing.T) {
	manager := NewManager(writeConfig(t, sampleConfig))
	if err := manager.LoadConfig(); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	got := manager.GetConfig().Transformer.PrunedHeads
	want := []int{0, 1, 2, 12}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrunedHeads = %v, want %v", got, want)
	}
}

func TestParsePruneHeadsNone(t *testing.T) {
	for _, spec := range []string{"", "None", "none"} {
		cfg := &Config{}
		cfg.Transformer.PruneHeadIDs = spec
		if err := ParsePruneHeads(cfg); err != nil {
			t.Fatalf("ParsePruneHeads(%q) failed: %v", spec, err)
		}
		if cfg.Transformer.PrunedHeads != nil {
			t.Errorf("ParsePruneHeads(%q) = %v, want nil", spec, cfg.Transformer.PrunedHeads)
		}
	}
}

func TestParsePruneHeadsInvalidSpan(t *testing.T) {
	for _, spec := range []string{"a", "1-2-3", "1,x"} {
		cfg := &Config{}
		cfg.Transformer.PruneHeadIDs = spec
		if err := ParsePruneHeads(cfg); err == nil {
			t.Errorf("ParsePruneHeads(%q) should fail", spec)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	if err := manager.LoadConfig(); err == nil {
		t.Fatal("LoadConfig should fail for a missing file")
	}
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	manager := NewManager(writeConfig(t, "dataloader: [unclosed"))
	if err := manager.LoadConfig(); err == nil {
		t.Fatal("LoadConfig should fail for malformed YAML")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"zero input_dim": `
dataloader:
  batch_size: 8
transformer:
  input_dim: 0
`,
		"missing num_attention_heads": `
dataloader:
  batch_size: 8
transformer:
  input_dim: 80
  hidden_size: 64
`,
		"zero hidden_size": `
dataloader:
  batch_size: 8
transformer:
  input_dim: 80
  num_attention_heads: 4
`,
		"zero batch_size": `
transformer:
  input_dim: 80
  hidden_size: 64
  num_attention_heads: 4
`,
	}
	for name, body := range cases {
		manager := NewManager(writeConfig(t, body))
		if err := manager.LoadConfig(); err == nil {
			t.Errorf("%s: LoadConfig should fail", name)
		}
	}
}

func TestLoadOnlineConfig(t *testing.T) {
	manager := NewManager(writeConfig(t, sampleConfig))
	if err := manager.LoadConfig(); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	onlinePath := filepath.Join(t.TempDir(), "online.yaml")
	online := `
feature: fbank
file_path: data/libri_wav
train_set: ['train-clean-100']
sample_rate: 16000
win_ms: 25
hop_ms: 10
n_mels: 80
`
	if err := os.WriteFile(onlinePath, []byte(online), 0644); err != nil {
		t.Fatal(err)
	}

	if err := manager.LoadOnlineConfig(onlinePath); err != nil {
		t.Fatalf("LoadOnlineConfig failed: %v", err)
	}

	cfg := manager.GetConfig()
	if cfg.Online == nil {
		t.Fatal("online section not attached")
	}
	if cfg.Online.NMels != 80 || cfg.Online.SampleRate != 16000 {
		t.Errorf("online config mangled: %+v", cfg.Online)
	}
}

func TestOverrideFrom(t *testing.T) {
	current := Paras{Run: "transformer", Seed: 1, Name: "fresh", Resume: "ckpts"}
	saved := Paras{Run: "transformer", Seed: 42, Name: "original", Ckpdir: "result/x", GPU: true}

	current.OverrideFrom(saved)

	if current.Seed != 42 || current.Name != "original" || current.Ckpdir != "result/x" || !current.GPU {
		t.Errorf("override did not take checkpoint values: %+v", current)
	}
	if current.Resume != "ckpts" {
		t.Errorf("Resume should not be overridden, got %q", current.Resume)
	}
}
