// Package orchestrator fans out one group workflow per discovered
// partition and reports the shared results until all of them finish.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/ledger"
	"github.com/fly-io/vmimport/pkg/metrics"
	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/fly-io/vmimport/pkg/workflow"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// DefaultReportInterval is how often progress is printed.
const DefaultReportInterval = 300 * time.Second

// Discoverer finds the partitions of a bucket.
type Discoverer interface {
	DiscoverPartitions(ctx context.Context) ([]storage.Partition, error)
}

// Runner drives one partition's workflow to completion.
type Runner interface {
	Run(ctx context.Context, partition storage.Partition) (workflow.Outcome, error)
}

// Config tunes an Orchestrator. Zero values select defaults.
type Config struct {
	InstanceType   string
	ReportInterval time.Duration
	// MaxConcurrency bounds running workflows; 0 means unbounded.
	MaxConcurrency int
	Out            io.Writer
}

// Summary is the final tally of a run.
type Summary struct {
	Partitions int
	Succeeded  int
	Skipped    int
	Failed     int
	Images     []string
	Instances  []string
}

// Orchestrator runs every partition of a bucket concurrently.
type Orchestrator struct {
	discoverer Discoverer
	runner     Runner
	ledger     *ledger.Ledger
	cfg        Config
	set        *workflowSet
	out        io.Writer
}

// New creates an orchestrator. results must be the ledger the runner's
// workflows publish into.
func New(discoverer Discoverer, runner Runner, results *ledger.Ledger, cfg Config) *Orchestrator {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Orchestrator{
		discoverer: discoverer,
		runner:     runner,
		ledger:     results,
		cfg:        cfg,
		set:        newWorkflowSet(),
		out:        &lockedWriter{w: out},
	}
}

// Run discovers partitions once, starts a workflow for each and reports
// until every workflow has terminated. Only a discovery failure is
// returned as an error; workflow failures are counted in the Summary.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	partitions, err := o.discoverer.DiscoverPartitions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "discover partitions")
	}

	names := make([]string, 0, len(partitions))
	for _, p := range partitions {
		names = append(names, p.Prefix)
	}
	fmt.Fprintf(o.out, "Partitions: %s\n", strings.Join(names, ", "))
	slog.Info("partitions_discovered", "count", len(partitions))

	var sem *semaphore.Weighted
	if o.cfg.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	}

	// wake is signalled each time a workflow finishes
	wake := make(chan struct{}, 1)

	for _, p := range partitions {
		h := newHandle(p)
		o.set.add(h)
		go o.runOne(ctx, h, sem, wake)
	}

	summary := &Summary{Partitions: len(partitions)}
	o.report(ctx, wake, summary)

	snap := o.ledger.Snapshot()
	summary.Images = snap.Images
	summary.Instances = snap.Instances

	slog.Info("run_complete",
		"partitions", summary.Partitions,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (o *Orchestrator) runOne(ctx context.Context, h *handle, sem *semaphore.Weighted, wake chan<- struct{}) {
	outcome := workflow.OutcomeFailed
	var err error

	metrics.WorkflowStarted()
	defer func() {
		metrics.WorkflowFinished(string(outcome))
		h.finish(outcome, err)
		select {
		case wake <- struct{}{}:
		default:
		}
	}()

	if sem != nil {
		if err = sem.Acquire(ctx, 1); err != nil {
			slog.Error("workflow_not_started", "partition", h.partition.String(), "error", err)
			return
		}
		defer sem.Release(1)
	}

	fmt.Fprintf(o.out, "Starting workflow for %s with instance type %s\n", h.partition, o.cfg.InstanceType)

	var pc panics.Catcher
	pc.Try(func() {
		outcome, err = o.runner.Run(ctx, h.partition)
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	if err != nil {
		outcome = workflow.OutcomeFailed
		slog.Error("workflow_failed",
			"partition", h.partition.String(),
			"error_kind", errors.KindOf(err),
			"error", err,
		)
		fmt.Fprintf(o.out, "Workflow for %s failed: %v\n", h.partition, err)
	}
}

// report prints the ledger every interval and whenever a workflow ends,
// until the set is empty.
func (o *Orchestrator) report(ctx context.Context, wake <-chan struct{}, summary *Summary) {
	ticker := time.NewTicker(o.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		for _, h := range o.set.reap() {
			switch h.outcome {
			case workflow.OutcomeSucceeded:
				summary.Succeeded++
			case workflow.OutcomeSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
		}

		remaining := o.set.len()
		if remaining == 0 {
			o.printLedger(0)
			return
		}

		select {
		case <-ticker.C:
			o.printLedger(o.set.len())
		case <-wake:
		case <-ctx.Done():
			// Workflows observe ctx too; keep reaping until they return.
			slog.Warn("run_cancelled", "in_flight", remaining)
			ctx = context.Background()
		}
	}
}

func (o *Orchestrator) printLedger(inFlight int) {
	snap := o.ledger.Snapshot()
	fmt.Fprintf(o.out, "Image IDs: %s\n", strings.Join(snap.Images, ", "))
	fmt.Fprintf(o.out, "Instance IDs: %s\n", strings.Join(snap.Instances, ", "))
	fmt.Fprintf(o.out, "Workflows in flight: %d\n", inFlight)
}

// lockedWriter serializes writes so progress lines never interleave.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
