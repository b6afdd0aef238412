// Package cmd contains the susetl CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/saudelab/susetl/pkg/datasus"
	"github.com/saudelab/susetl/pkg/errlog"
	"github.com/saudelab/susetl/pkg/observability"
	"github.com/saudelab/susetl/pkg/processor"
	"github.com/saudelab/susetl/pkg/sink"
	"github.com/saudelab/susetl/pkg/sweep"
	"github.com/saudelab/susetl/pkg/unit"
)

// ErrArtifactMissing is returned when a single-unit run ends without a
// final artifact on disk.
var ErrArtifactMissing = errors.New("unit finished without a final artifact")

//nolint:gochecknoglobals // Global vars needed for cobra CLI
var (
	cfgFile      string
	scheduleExpr string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var rootCmd = &cobra.Command{
	Use:   "susetl [region year month system]",
	Short: "Extract amputation-relevant DATASUS records into partitioned parquet",
	Long: `susetl sweeps the DATASUS hospitalization (SIH) and outpatient (SIA)
dissemination trees, filters records relevant to diabetes-related limb
amputation care, and writes them as resumable parquet artifacts
partitioned by system, year, and federal unit.

With no arguments a full sweep runs over the configured universe. With
exactly four arguments (region, year, month, system) a single unit is
processed and the exit status reports whether its artifact exists.`,
	Args: validateArgs,
	RunE: run,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&scheduleExpr, "schedule", "", "cron expression for periodic sweeps (e.g. \"0 3 * * *\")")
}

// validateArgs admits the two shapes the tool understands. Anything else is
// a usage error and never reaches the error log.
func validateArgs(_ *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 4 {
		return fmt.Errorf("accepts no arguments (sweep) or exactly 4 (region year month system), received %d", len(args))
	}

	return nil
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	config, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	logger, err := newLogger(cmd, config)
	if err != nil {
		return err
	}

	if config.MetricsAddr != "" {
		observability.StartMetricsServer(logger, config.MetricsAddr)
	}

	errs, err := errlog.Open(config.ErrorLogPath)
	if err != nil {
		return err
	}
	defer func() { _ = errs.Close() }()

	client, err := datasus.NewClient(logger, &config.Fetch)
	if err != nil {
		return err
	}

	writer := sink.NewWriter(logger, config.DataRoot, config.ChunkSize)
	proc := processor.New(logger, client, writer, errs, config.DataRoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) == 4 {
		return runUnit(ctx, config, proc, args)
	}

	return runSweep(ctx, logger, config, proc, client)
}

func newLogger(cmd *cobra.Command, config *Config) (*logrus.Logger, error) {
	level := config.Logging
	if override, err := cmd.Flags().GetString("log-level"); err == nil && override != "" {
		level = override
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(parsed)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return logger, nil
}

// runUnit processes one unit. Exit status 0 requires the final artifact to
// be present afterwards, whether this run wrote it or a previous one did.
func runUnit(ctx context.Context, config *Config, proc *processor.Processor, args []string) error {
	key, err := parseUnitArgs(args)
	if err != nil {
		return err
	}

	res, procErr := proc.Process(ctx, key)

	if _, statErr := os.Stat(key.OutputPath(config.DataRoot)); statErr == nil {
		return nil
	}

	if procErr != nil {
		return procErr
	}

	return fmt.Errorf("%w: %s ended with status %s", ErrArtifactMissing, key.Label(), res.Status)
}

func parseUnitArgs(args []string) (unit.Key, error) {
	region := args[0]

	year, err := strconv.Atoi(args[1])
	if err != nil {
		return unit.Key{}, fmt.Errorf("invalid year %q: %w", args[1], err)
	}

	month, err := strconv.Atoi(args[2])
	if err != nil {
		return unit.Key{}, fmt.Errorf("invalid month %q: %w", args[2], err)
	}

	system, err := unit.ParseSystem(args[3])
	if err != nil {
		return unit.Key{}, err
	}

	return unit.New(system, region, year, month)
}

func runSweep(ctx context.Context, logger *logrus.Logger, config *Config, proc *processor.Processor, client *datasus.Client) error {
	driver, err := sweep.NewDriver(logger, proc, &config.Sweep, client.TestConnection)
	if err != nil {
		return err
	}

	if scheduleExpr == "" {
		_, err := driver.Run(ctx)
		return err
	}

	scheduler := cron.New()

	_, err = scheduler.AddFunc(scheduleExpr, func() {
		if _, runErr := driver.Run(ctx); runErr != nil {
			logger.WithError(runErr).Error("Scheduled sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", scheduleExpr, err)
	}

	logger.WithField("schedule", scheduleExpr).Info("Sweep scheduler started")
	scheduler.Start()

	// Run until interrupted; an in-flight sweep sees the same cancellation.
	<-ctx.Done()

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	return nil
}
