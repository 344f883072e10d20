// ============================================================================
// abz-submit CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the submission pipeline
//
// Command Structure:
//   abzsubmit                      # Root command
//   ├── run [paths...]             # Extract and submit every audio file under paths
//   ├── status                     # Job Store counts per state
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --verbose, -v              # Debug logging
//   └── --version                  # Display version information
//
// Configuration Management:
//   YAML config file, every field optional (defaults in config.go).
//   Flags given on the command line override the file.
//
// run Command:
//   1. Load config, apply flags
//   2. Resolve the extractor, hash it (fatal if unreadable), probe its version
//   3. Start the metrics HTTP server (if enabled)
//   4. Run the controller until every file reached a terminal state
//   5. SIGINT / SIGTERM cancel the run: queued files are dropped, the running
//      extractor is killed and nothing partial is recorded
//
//   Examples:
//     ./abzsubmit run ~/Music
//     ./abzsubmit run --offline -j 4 ~/Music/Albums
//     ./abzsubmit run --reprocess-failed --progress bar ~/Music
//
// status Command:
//   Displays the configuration and the number of documents per Job Store
//   directory.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/abz-submit/internal/aggregator"
	"github.com/ChuLiYu/abz-submit/internal/catalog"
	"github.com/ChuLiYu/abz-submit/internal/controller"
	"github.com/ChuLiYu/abz-submit/internal/extractor"
	"github.com/ChuLiYu/abz-submit/internal/jobstore"
	"github.com/ChuLiYu/abz-submit/internal/metrics"
	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "1.0.0"

var log = slog.Default()

// options 全域旗標
type options struct {
	configFile string
	verbose    bool
}

// runFlags run 命令的旗標
type runFlags struct {
	jobs            int
	offline         bool
	reprocessFailed bool
	host            string
	extractor       string
	pacing          string
	featuresDir     string
	progress        string
}

func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "abzsubmit",
		Short: "abzsubmit: extract acoustic features and submit them to the catalog",
		Long: `abzsubmit runs the feature extractor over your music collection and
submits the results. It is safe to interrupt and rerun:
- finished files are never extracted or submitted twice
- failed submissions are retried automatically on the next run
- other failures are kept until --reprocess-failed is given`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.verbose)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// setupLogging sets the level of the default handler every package logs through.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetLogLoggerLevel(level)
}

// loadFor 依 --config 是否被明確指定載入設定
func (o *options) loadFor(cmd *cobra.Command) (*Config, error) {
	explicit := cmd.Flags().Changed("config")
	return loadConfigOrDefault(o.configFile, explicit)
}

func buildRunCommand(opts *options) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Start extracting and submitting audio files",
		Long: `Scan the given files and directories for supported audio files, extract
their features and submit them. Without paths only documents left pending by an
earlier run are submitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadFor(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runPipeline(ctx, cfg, args, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.IntVarP(&flags.jobs, "jobs", "j", 0, "number of concurrent extractor processes (default: CPUs - 1)")
	f.BoolVar(&flags.offline, "offline", false, "extract only, do not contact the catalog")
	f.BoolVar(&flags.reprocessFailed, "reprocess-failed", false, "retry every previously failed file")
	f.StringVar(&flags.host, "host", "", "catalog host (default: "+defaultHost+")")
	f.StringVar(&flags.extractor, "extractor", "", "extractor binary (default: "+defaultExtractor+" on PATH)")
	f.StringVar(&flags.pacing, "pacing", "", "minimum interval between catalog requests, e.g. 1s")
	f.StringVar(&flags.featuresDir, "features-dir", "", "job store directory (default: ./"+defaultFeaturesDir+")")
	f.StringVar(&flags.progress, "progress", "", "progress display: lines or bar")

	return cmd
}

// apply 只覆寫命令列上明確給出的旗標
func (f *runFlags) apply(cmd *cobra.Command, cfg *Config) error {
	changed := cmd.Flags().Changed
	if changed("jobs") {
		cfg.Pipeline.Workers = f.jobs
	}
	if changed("offline") {
		cfg.Pipeline.Offline = f.offline
	}
	if changed("reprocess-failed") {
		cfg.Pipeline.ReprocessFailed = f.reprocessFailed
	}
	if changed("host") {
		cfg.Catalog.Host = f.host
	}
	if changed("extractor") {
		cfg.Extractor.Path = f.extractor
	}
	if changed("pacing") {
		d, err := parseDuration(f.pacing)
		if err != nil {
			return fmt.Errorf("invalid --pacing: %w", err)
		}
		cfg.Catalog.PacingInterval = d
	}
	if changed("features-dir") {
		cfg.Pipeline.FeaturesDir = f.featuresDir
	}
	if changed("progress") {
		cfg.Pipeline.Progress = f.progress
	}
	return cfg.validate()
}

// runPipeline 組裝所有元件並執行一次
func runPipeline(ctx context.Context, cfg *Config, paths []string, out io.Writer) error {
	path, err := extractor.Resolve(cfg.Extractor.Path)
	if err != nil {
		return err
	}
	buildSHA, err := extractor.BuildSHA(path)
	if err != nil {
		return fmt.Errorf("cannot read extractor binary: %w", err)
	}
	runner := extractor.NewRunner(path)

	version, err := runner.ProbeVersion(ctx)
	if err != nil {
		log.Warn("Cannot determine extractor version", "extractor", path, "error", err)
	}
	log.Info("Using extractor", "path", runner.Path(), "build_sha", buildSHA, "version", version)

	deps := controller.Deps{Extractor: runner}
	if !cfg.Pipeline.Offline {
		pacer := catalog.NewPacer(cfg.Catalog.PacingInterval)
		log.Info("Using catalog", "host", cfg.Catalog.Host, "pacing", pacer.Interval())
		deps.Catalog = catalog.NewClient(catalog.Config{
			Host:    cfg.Catalog.Host,
			Scheme:  cfg.Catalog.Scheme,
			Timeout: cfg.Catalog.Timeout,
		}, pacer)
	}

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.NewCollector(nil)
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, nil); err != nil {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	switch cfg.Pipeline.Progress {
	case progressBar:
		deps.Reporter = aggregator.NewBarReporter(out)
	default:
		deps.Reporter = aggregator.NewLineReporter(out)
	}

	ctrl, err := controller.New(controller.Config{
		WorkerCount:     cfg.Pipeline.Workers,
		QueueSize:       cfg.Pipeline.QueueSize,
		FeaturesDir:     cfg.Pipeline.FeaturesDir,
		ReprocessFailed: cfg.Pipeline.ReprocessFailed,
		Offline:         cfg.Pipeline.Offline,
		BuildSHA:        buildSHA,
		Version:         version,
	}, deps)
	if err != nil {
		return err
	}

	summary, err := ctrl.Run(ctx, paths)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(out, "Interrupted. Rerun to continue where this run stopped.")
			return nil
		}
		return err
	}

	log.Debug("Run finished",
		"elapsed", summary.Elapsed,
		"extraction_time", summary.ExtractionTime,
		"samples", summary.Samples)
	fmt.Fprintln(out, "We are done here. Have a good day.")
	return nil
}

func buildStatusCommand(opts *options) *cobra.Command {
	var featuresDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job store status",
		Long:  "Display configuration and the number of feature documents in each state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadFor(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("features-dir") {
				cfg.Pipeline.FeaturesDir = featuresDir
			}
			return showStatus(cmd.OutOrStdout(), opts.configFile, cfg)
		},
	}

	cmd.Flags().StringVar(&featuresDir, "features-dir", "", "job store directory")
	return cmd
}

func showStatus(out io.Writer, configFile string, cfg *Config) error {
	store, err := jobstore.Open(cfg.Pipeline.FeaturesDir)
	if err != nil {
		return err
	}
	counts, err := store.Counts()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           abzsubmit Job Store Status                      ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Extractor:       %s\n", cfg.Extractor.Path)
	fmt.Fprintf(out, "  ├─ Workers:         %d\n", cfg.Pipeline.Workers)
	fmt.Fprintf(out, "  ├─ Catalog:         %s://%s\n", cfg.Catalog.Scheme, cfg.Catalog.Host)
	fmt.Fprintf(out, "  └─ Pacing:          %s\n", cfg.Catalog.PacingInterval)
	fmt.Fprintln(out)

	total := 0
	for _, n := range counts {
		total += n
	}
	failed := 0
	for _, kind := range types.ErrorKinds {
		failed += counts[types.Failed(kind)]
	}

	fmt.Fprintf(out, "💾 Job Store: %s\n", store.Root())
	fmt.Fprintf(out, "  ├─ Total:           %d\n", total)
	fmt.Fprintf(out, "  ├─ ⏳ Pending:       %d\n", counts[types.Location{State: types.StatePending}])
	fmt.Fprintf(out, "  ├─ ✅ Submitted:     %d\n", counts[types.Location{State: types.StateSuccess}])
	fmt.Fprintf(out, "  ├─ 🔁 Duplicate:     %d\n", counts[types.Location{State: types.StateDuplicate}])
	fmt.Fprintf(out, "  └─ ❌ Failed:        %d\n", failed)
	for i, kind := range types.ErrorKinds {
		branch := "├─"
		if i == len(types.ErrorKinds)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "     %s %-13s %d\n", branch, string(kind)+":", counts[types.Failed(kind)])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}
