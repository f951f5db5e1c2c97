package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fly-io/vmimport/internal/config"
	"github.com/fly-io/vmimport/pkg/compute"
	"github.com/fly-io/vmimport/pkg/db"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/ledger"
	"github.com/fly-io/vmimport/pkg/metrics"
	"github.com/fly-io/vmimport/pkg/orchestrator"
	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/fly-io/vmimport/pkg/validate"
	"github.com/fly-io/vmimport/pkg/workflow"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var runCmd = &cobra.Command{
	Use:   "run [bucket] [instance-type]",
	Short: "Import every folder of a bucket and launch an instance from each image",
	Long: `Lists the top-level folders of the bucket, submits one image import per
folder, launches one instance from every image produced and prints the
image and instance IDs collected so far until all folders are done.

Missing arguments are taken from configuration or asked for interactively.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("asset-suffix", ".vmdk", "Only import keys with this suffix")
	runCmd.Flags().Duration("report-interval", orchestrator.DefaultReportInterval, "How often to print progress")
	runCmd.Flags().Duration("import-timeout", 0, "Give up on an import after this long (0 waits forever)")
	runCmd.Flags().Duration("launch-timeout", 0, "Give up on an instance after this long (0 waits forever)")
	runCmd.Flags().Int("max-concurrency", 0, "Max folders processed at once (0 is unbounded)")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	runCmd.Flags().Bool("fail-on-error", false, "Exit non-zero when any folder fails")

	viper.BindPFlag("asset-suffix", runCmd.Flags().Lookup("asset-suffix"))
	viper.BindPFlag("report-interval", runCmd.Flags().Lookup("report-interval"))
	viper.BindPFlag("import-timeout", runCmd.Flags().Lookup("import-timeout"))
	viper.BindPFlag("launch-timeout", runCmd.Flags().Lookup("launch-timeout"))
	viper.BindPFlag("max-concurrency", runCmd.Flags().Lookup("max-concurrency"))
	viper.BindPFlag("metrics-addr", runCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("fail-on-error", runCmd.Flags().Lookup("fail-on-error"))
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	validator := validate.NewValidator(cfg.AssetSuffix, cfg.MaxAssetsPerImport)
	in, err := resolveInputs(ctx, args, cfg.Bucket, cfg.InstanceType, validator, promptInputs)
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runID := ulid.Make().String()
	if err := repo.CreateRun(&db.Run{ID: runID, Bucket: in.Bucket, InstanceType: in.InstanceType}); err != nil {
		return errors.Wrap(err, "run record failed")
	}
	defer func() {
		if err := repo.FinishRun(runID); err != nil {
			slog.Warn("finish_run_failed", "run_id", runID, "error", err)
		}
	}()

	s3Client, err := storage.NewClient(ctx, in.Bucket, cfg.Region, cfg.AssetSuffix)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	ec2Client, err := compute.NewClient(ctx, cfg.Region, compute.Options{
		ImportPollInterval:   cfg.ImportPollInterval,
		InstancePollInterval: cfg.InstancePollInterval,
		ImportTimeout:        cfg.ImportTimeout,
		LaunchTimeout:        cfg.LaunchTimeout,
		Tags:                 map[string]string{"ManagedBy": "vmimport"},
	})
	if err != nil {
		return errors.Wrap(err, "EC2 client failed")
	}

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr)
		defer shutdown()
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	results := ledger.New()
	machine := workflow.NewMachine(ctx, repo, s3Client, ec2Client, ec2Client, validator, results)
	runner, err := machine.NewRunner(ctx, manager, runID, in.InstanceType)
	if err != nil {
		return err
	}

	slog.Info("run_started", "run_id", runID, "bucket", in.Bucket, "instance_type", in.InstanceType)

	orch := orchestrator.New(s3Client, runner, results, orchestrator.Config{
		InstanceType:   in.InstanceType,
		ReportInterval: cfg.ReportInterval,
		MaxConcurrency: cfg.MaxConcurrency,
		Out:            cmd.OutOrStdout(),
	})

	summary, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Done: %d folders, %d succeeded, %d skipped, %d failed\n",
		summary.Partitions, summary.Succeeded, summary.Skipped, summary.Failed)
	fmt.Fprintf(out, "Run ID: %s\n", runID)

	if cfg.FailOnError && summary.Failed > 0 {
		return fmt.Errorf("%d of %d folders failed", summary.Failed, summary.Partitions)
	}
	return nil
}

// serveMetrics exposes /metrics in the background and returns a function
// that stops the server.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("metrics_shutdown_failed", "error", err)
		}
	}
}
