package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

type Config struct {
	Dataloader  Dataloader  `yaml:"dataloader" json:"dataloader"`
	Runner      Runner      `yaml:"runner" json:"runner"`
	Transformer Transformer `yaml:"transformer" json:"transformer"`
	Online      *Online     `yaml:"online,omitempty" json:"online,omitempty"`
	Database    Database    `yaml:"database" json:"database"`
	Elastic     Elastic     `yaml:"elastic" json:"elastic"`
}

type Dataloader struct {
	NJobs       int      `yaml:"n_jobs" json:"n_jobs"`
	BatchSize   int      `yaml:"batch_size" json:"batch_size"`
	MaxTimestep int      `yaml:"max_timestep" json:"max_timestep"`
	DataPath    string   `yaml:"data_path" json:"data_path"`
	TargetPath  string   `yaml:"target_path" json:"target_path"`
	TrainSet    []string `yaml:"train_set" json:"train_set"`
	Drop        bool     `yaml:"drop" json:"drop"`
}

type Runner struct {
	DuoFeature       bool    `yaml:"duo_feature" json:"duo_feature"`
	TotalSteps       int     `yaml:"total_steps" json:"total_steps"`
	LogStep          int     `yaml:"log_step" json:"log_step"`
	SaveStep         int     `yaml:"save_step" json:"save_step"`
	MaxKeep          int     `yaml:"max_keep" json:"max_keep"`
	LearningRate     float64 `yaml:"learning_rate" json:"learning_rate"`
	WarmupProportion float64 `yaml:"warmup_proportion" json:"warmup_proportion"`
	GradientClipping float64 `yaml:"gradient_clipping" json:"gradient_clipping"`
}

type Transformer struct {
	InputDim           int     `yaml:"input_dim" json:"input_dim"`
	HiddenSize         int     `yaml:"hidden_size" json:"hidden_size"`
	NumHiddenLayers    int     `yaml:"num_hidden_layers" json:"num_hidden_layers"`
	NumAttentionHeads  int     `yaml:"num_attention_heads" json:"num_attention_heads"`
	IntermediateSize   int     `yaml:"intermediate_size" json:"intermediate_size"`
	HiddenDropoutProb  float64 `yaml:"hidden_dropout_prob" json:"hidden_dropout_prob"`
	LayerNormEps       float64 `yaml:"layer_norm_eps" json:"layer_norm_eps"`
	MaskProportion     float64 `yaml:"mask_proportion" json:"mask_proportion"`
	MaskConsecutiveMin int     `yaml:"mask_consecutive_min" json:"mask_consecutive_min"`
	MaskConsecutiveMax int     `yaml:"mask_consecutive_max" json:"mask_consecutive_max"`
	MaskFrequency      int     `yaml:"mask_frequency" json:"mask_frequency"`
	NoiseProportion    float64 `yaml:"noise_proportion" json:"noise_proportion"`
	DownsampleRate     int     `yaml:"downsample_rate" json:"downsample_rate"`
	PruneHeadIDs       string  `yaml:"prune_headids" json:"prune_headids"`

	// PrunedHeads is the normalized form of PruneHeadIDs, resolved at load.
	PrunedHeads []int `yaml:"-" json:"pruned_heads,omitempty"`
}

type Online struct {
	Feature    string   `yaml:"feature" json:"feature"`
	FilePath   string   `yaml:"file_path" json:"file_path"`
	TrainSet   []string `yaml:"train_set" json:"train_set"`
	SampleRate int      `yaml:"sample_rate" json:"sample_rate"`
	WinMs      float64  `yaml:"win_ms" json:"win_ms"`
	HopMs      float64  `yaml:"hop_ms" json:"hop_ms"`
	NMels      int      `yaml:"n_mels" json:"n_mels"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Index    string `yaml:"index" json:"index"`
}

type Manager struct {
	config     *Config
	configPath string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

func (m *Manager) LoadConfig() error {
	if m.configPath == "" {
		m.configPath = m.findConfigFile()
	}

	if DebugLog != nil {
		DebugLog("loading experiment config from %s", m.configPath)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found at %s", m.configPath)
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ParsePruneHeads(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := m.validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.config = &config
	return nil
}

// LoadOnlineConfig reads a separate on-the-fly feature extraction config and
// attaches it under the online section of the active config.
func (m *Manager) LoadOnlineConfig(path string) error {
	if m.config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read online config file: %w", err)
	}

	var online Online
	if err := yaml.Unmarshal(data, &online); err != nil {
		return fmt.Errorf("failed to parse online config file: %w", err)
	}

	m.config.Online = &online
	return nil
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) ConfigPath() string {
	return m.configPath
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		configPath := filepath.Join(homeDir, ".upstream", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return "config/config.yaml"
}

func (m *Manager) validateConfig(config *Config) error {
	if config.Transformer.InputDim <= 0 {
		return fmt.Errorf("transformer input_dim must be greater than 0")
	}

	if config.Transformer.HiddenSize <= 0 {
		return fmt.Errorf("transformer hidden_size must be greater than 0")
	}

	if config.Transformer.NumAttentionHeads <= 0 {
		return fmt.Errorf("transformer num_attention_heads must be greater than 0")
	}

	if config.Dataloader.BatchSize <= 0 {
		return fmt.Errorf("dataloader batch_size must be greater than 0")
	}

	return nil
}

// ParsePruneHeads normalizes the prune_headids spec string into a sorted list
// of head indices. Spans are comma-separated single indices or half-open
// "a-b" ranges, e.g. "0-3,12" prunes heads 0, 1, 2 and 12.
func ParsePruneHeads(config *Config) error {
	spec := strings.TrimSpace(config.Transformer.PruneHeadIDs)
	if spec == "" || strings.EqualFold(spec, "none") {
		config.Transformer.PrunedHeads = nil
		return nil
	}

	var heads []int
	for _, span := range strings.Split(spec, ",") {
		endpoints := strings.Split(strings.TrimSpace(span), "-")
		switch len(endpoints) {
		case 1:
			head, err := strconv.Atoi(endpoints[0])
			if err != nil {
				return fmt.Errorf("invalid prune_headids span %q: %w", span, err)
			}
			heads = append(heads, head)
		case 2:
			start, err := strconv.Atoi(endpoints[0])
			if err != nil {
				return fmt.Errorf("invalid prune_headids span %q: %w", span, err)
			}
			end, err := strconv.Atoi(endpoints[1])
			if err != nil {
				return fmt.Errorf("invalid prune_headids span %q: %w", span, err)
			}
			for head := start; head < end; head++ {
				heads = append(heads, head)
			}
		default:
			return fmt.Errorf("invalid prune_headids span %q", span)
		}
	}

	if DebugLog != nil {
		DebugLog("heads %v will be pruned", heads)
	}

	config.Transformer.PrunedHeads = heads
	return nil
}
