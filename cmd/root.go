package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speechlab/upstream/pkg/apc"
	"github.com/speechlab/upstream/pkg/checkpoint"
	"github.com/speechlab/upstream/pkg/config"
	"github.com/speechlab/upstream/pkg/dataloader"
	"github.com/speechlab/upstream/pkg/device"
	"github.com/speechlab/upstream/pkg/elastic"
	"github.com/speechlab/upstream/pkg/hub"
	"github.com/speechlab/upstream/pkg/logging"
	"github.com/speechlab/upstream/pkg/runlog"
	"github.com/speechlab/upstream/pkg/transformer"
)

var (
	resumePath      string
	runSelector     string
	configFile      string
	runName         string
	ckpdir          string
	seed            int
	testPath        string
	cpuOnly         bool
	multiGPU        bool
	testReconstruct bool
	onlineConfig    string
	silent          bool
	verbose         bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "upstream",
	Short: "pre-training driver for speech representation models",
	Long:  `pre-training driver for transformer and autoregressive predictive coding speech representation models`,
	Run:   runUpstream,
}

func Execute() {
	if !normalizeArgs(os.Args) {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// normalizeArgs rewrites single-dash long flags to the double-dash form
// cobra expects, in place, and reports whether silent mode was requested in
// either spelling.
func normalizeArgs(args []string) bool {
	longFlags := map[string]bool{
		"-resume": true, "-run": true, "-config": true, "-name": true,
		"-ckpdir": true, "-seed": true, "-test": true, "-cpu": true,
		"-multi_gpu": true, "-test_reconstruct": true, "-online_config": true,
		"-silent": true, "-verbose": true,
	}

	silent := false
	for i, arg := range args {
		if longFlags[arg] {
			args[i] = "-" + arg
		}
		if arg == "-silent" || arg == "--silent" {
			silent = true
		}
	}
	return silent
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Printf("[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	checkpoint.DebugLog = DebugLog
	dataloader.DebugLog = DebugLog
	runlog.DebugLog = DebugLog
	hub.DebugLog = DebugLog
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}Flags:
TASK:
   -run string              pre-training task to run (transformer, apc)
   -config string           path to the experiment config YAML

CHECKPOINT:
   -resume string           checkpoint file or directory to continue training from
   -ckpdir string           directory to store checkpoints, default is used when empty
   -name string             name for logging and the default checkpoint directory

TESTING:
   -test string             path to a saved model checkpoint for testing
   -test_reconstruct        test reconstruction capability of the loaded model

FEATURES:
   -online_config string    config for on-the-fly feature extraction from raw audio

BACKEND:
   -seed int                random seed for reproducible results (default 1337)
   -cpu                     disable GPU training
   -multi_gpu               enable multi-GPU training

OUTPUT:
   -silent                  silent mode - no banner or extra output
   -v, -verbose             enable verbose/debug output
{{if .HasAvailableSubCommands}}
Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to experiment config")

	rootCmd.Flags().StringVar(&resumePath, "resume", "", "checkpoint path for continual training")
	rootCmd.Flags().StringVar(&runSelector, "run", "transformer", "pre-training task to run (transformer, apc)")
	rootCmd.Flags().StringVar(&runName, "name", "", "name for logging")
	rootCmd.Flags().StringVar(&ckpdir, "ckpdir", "", "path to store checkpoint result, if empty then default is used")
	rootCmd.Flags().IntVar(&seed, "seed", 1337, "random seed for reproducible results")
	rootCmd.Flags().StringVar(&testPath, "test", "", "input path to the saved model ckpt for testing")
	rootCmd.Flags().BoolVar(&cpuOnly, "cpu", false, "disable GPU training")
	rootCmd.Flags().BoolVar(&multiGPU, "multi_gpu", false, "enable multi-GPU training")
	rootCmd.Flags().BoolVar(&testReconstruct, "test_reconstruct", false, "test reconstruction capability")
	rootCmd.Flags().StringVar(&onlineConfig, "online_config", "", "explicitly specify the config of on-the-fly feature extraction")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "silent mode - no banner or extra output")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")

	rootCmd.AddCommand(versionCmd)
}

func runUpstream(cmd *cobra.Command, args []string) {
	Verbose = verbose
	if verbose {
		setDebugLogFunctions()
	}

	paras, cfg, err := resolveSettings()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	mode, err := modeFor(paras)
	if err != nil {
		color.Red("Error: %v", err)
		cmd.Help()
		os.Exit(1)
	}

	// One explicit source seeds every component instead of process-global
	// generator state.
	rng := rand.New(rand.NewSource(int64(paras.Seed)))
	logger := logging.New()
	dev := device.Detect(paras.CPU, paras.MultiGPU, logger)
	DebugLog("deterministic=%v benchmark=%v", dev.Deterministic, dev.Benchmark)

	if err := dispatch(mode, paras, cfg, rng); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// resolveSettings builds the (arguments, config) pair: from flags and the
// config file normally, or entirely from the stored settings when resuming.
func resolveSettings() (*config.Paras, *config.Config, error) {
	paras := &config.Paras{
		Resume:          resumePath,
		Run:             runSelector,
		Config:          configFile,
		Name:            runName,
		Ckpdir:          ckpdir,
		Seed:            seed,
		Test:            testPath,
		CPU:             cpuOnly,
		MultiGPU:        multiGPU,
		TestReconstruct: testReconstruct,
		OnlineConfig:    onlineConfig,
		GPU:             !cpuOnly,
	}

	if paras.Resume == "" {
		if paras.Config == "" {
			return nil, nil, fmt.Errorf("--config is required")
		}

		manager := config.NewManager(paras.Config)
		if err := manager.LoadConfig(); err != nil {
			return nil, nil, err
		}
		if paras.OnlineConfig != "" {
			if err := manager.LoadOnlineConfig(paras.OnlineConfig); err != nil {
				return nil, nil, err
			}
		}
		return paras, manager.GetConfig(), nil
	}

	resumeRef := paras.Resume
	if hub.IsRemote(resumeRef) {
		local, err := hub.NewResolver().Resolve(resumeRef)
		if err != nil {
			return nil, nil, err
		}
		resumeRef = local
	}

	resolved, cfg, _, err := checkpoint.Resume(resumeRef, *paras)
	if err != nil {
		return nil, nil, err
	}
	return &resolved, cfg, nil
}

// dispatch routes a run mode to its path. The apc-test case fails before any
// model loading is attempted.
func dispatch(mode RunMode, paras *config.Paras, cfg *config.Config, rng *rand.Rand) error {
	switch m := mode.(type) {
	case TransformerMode:
		if m.Test != "" {
			return testTransformer(m, paras, cfg)
		}
		return runTransformer(paras, cfg, rng)

	case APCMode:
		if m.Test != "" {
			return ErrAPCTestUnimplemented
		}
		return runAPC(rng)

	default:
		return fmt.Errorf("unhandled run mode %T", mode)
	}
}

func runTransformer(paras *config.Paras, cfg *config.Config, rng *rand.Rand) error {
	logger := logging.New()

	ckpdir, err := transformer.PrepareCheckpointDir(paras, rng)
	if err != nil {
		return err
	}
	logger.Infof("Checkpoint directory: %s", ckpdir)

	var loader dataloader.Loader
	if cfg.Online != nil {
		loader, err = dataloader.NewOnlineLoader(cfg, rng)
	} else {
		loader, err = dataloader.NewTrainLoader(cfg, rng)
	}
	if err != nil {
		return err
	}

	db, err := runlog.New(&cfg.Database)
	if err != nil {
		logger.Warnf("Run database initialization failed: %v", err)
	}
	defer db.Close()

	runner := transformer.NewRunner(paras, cfg, loader, ckpdir, rng, logger, db)
	if err := runner.SetModel(); err != nil {
		return err
	}
	if err := runner.Train(); err != nil {
		return err
	}

	if cfg.Elastic.Enabled {
		shipMetrics(cfg, filepath.Join(ckpdir, "metrics.jsonl"))
	}
	return nil
}

func shipMetrics(cfg *config.Config, path string) {
	client, err := elastic.New(elastic.Config{
		URL:      cfg.Elastic.URL,
		Username: cfg.Elastic.Username,
		Password: cfg.Elastic.Password,
		Index:    cfg.Elastic.Index,
	})
	if err != nil {
		color.Yellow("Metrics shipping skipped: %v", err)
		return
	}
	if err := client.IndexMetricsFile(context.Background(), path); err != nil {
		color.Yellow("Metrics shipping failed: %v", err)
		return
	}
	if !silent {
		color.Cyan("Metrics indexed into Elasticsearch")
	}
}

func testTransformer(mode TransformerMode, paras *config.Paras, cfg *config.Config) error {
	resolver := hub.NewResolver()
	ckptPath, err := resolver.Resolve(mode.Test)
	if err != nil {
		return err
	}

	opts := transformer.DefaultTestOptions(ckptPath)
	model, err := transformer.NewExtractor(opts, cfg.Transformer.InputDim)
	if err != nil {
		return err
	}
	if !silent {
		color.Green("Successfully loaded, valid checkpoint: %s", ckptPath)
	}

	if mode.TestReconstruct {
		probe := make([][]float64, 8)
		probeRng := rand.New(rand.NewSource(int64(paras.Seed)))
		for t := range probe {
			frame := make([]float64, model.InputDim())
			for d := range frame {
				frame[d] = probeRng.NormFloat64()
			}
			probe[t] = frame
		}
		_, meanErr, err := model.Reconstruct(probe)
		if err != nil {
			return err
		}
		if !silent {
			color.Cyan("Reconstruction mean absolute error on probe batch: %.6f", meanErr)
		}
	}
	return nil
}

func runAPC(rng *rand.Rand) error {
	logger := logging.New()
	runner, err := apc.NewRunner(rng, logger)
	if err != nil {
		return err
	}
	return runner.Train()
}

func printBanner() {
	banner := color.CyanString(`
┬ ┬┌─┐┌─┐┌┬┐┬─┐┌─┐┌─┐┌┬┐
│ │├─┘└─┐ │ ├┬┘├┤ ├─┤│││
└─┘┴  └─┘ ┴ ┴└─└─┘┴ ┴┴ ┴
`)
	info := color.HiBlackString("pre-training driver for transformer and apc speech representation models")
	fmt.Println(banner)
	fmt.Println(info)
	fmt.Println()
}
