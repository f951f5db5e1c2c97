package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fly-io/vmimport/pkg/db"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/superfly/fsm"
)

// Runner starts one group import FSM per partition and waits for it.
type Runner struct {
	manager      *fsm.Manager
	start        fsm.Start[GroupRequest, GroupResponse]
	repo         *db.Repository
	runID        string
	instanceType string
}

// NewRunner registers m with manager and returns a Runner for one run.
func (m *Machine) NewRunner(ctx context.Context, manager *fsm.Manager, runID, instanceType string) (*Runner, error) {
	start, _, err := m.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Runner{
		manager:      manager,
		start:        start,
		repo:         m.repo,
		runID:        runID,
		instanceType: instanceType,
	}, nil
}

// Run drives the workflow of a single partition to its end. The returned
// error is non-nil only when the outcome is OutcomeFailed.
func (r *Runner) Run(ctx context.Context, partition storage.Partition) (Outcome, error) {
	req := &GroupRequest{
		RunID:        r.runID,
		Bucket:       partition.Bucket,
		Prefix:       partition.Prefix,
		InstanceType: r.instanceType,
	}
	resp := &GroupResponse{}

	id := r.runID + ":" + partition.Prefix
	version, err := r.start(ctx, id, fsm.NewRequest(req, resp))
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "FSM start failed")
	}
	slog.Debug("fsm_started", "partition", partition.String(), "version", version)

	waitErr := r.manager.Wait(ctx, version)

	g, err := r.repo.Get(r.runID, partition.Prefix)
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "failed to load group")
	}
	if g == nil {
		if waitErr != nil {
			return OutcomeFailed, errors.Wrap(waitErr, "FSM execution failed")
		}
		return OutcomeFailed, fmt.Errorf("no record for partition %s", partition)
	}

	switch g.Status {
	case db.StatusReady:
		return OutcomeSucceeded, nil
	case db.StatusSkipped:
		return OutcomeSkipped, nil
	case db.StatusFailed:
		msg := strings.TrimPrefix(g.ErrorMessage, g.ErrorKind+": ")
		return OutcomeFailed, errors.Newf(errors.Kind(g.ErrorKind), "", "%s", msg)
	}

	// The machine stopped before reaching a final state, usually because ctx ended.
	if waitErr == nil {
		waitErr = ctx.Err()
	}
	if waitErr == nil {
		waitErr = fmt.Errorf("workflow stopped in status %s", g.Status)
	}
	if err := r.repo.UpdateStatus(g.ID, db.StatusFailed, string(errors.KindOf(waitErr)), waitErr.Error()); err != nil {
		slog.Error("status_update_failed", "group_id", g.ID, "error", err)
	}
	return OutcomeFailed, waitErr
}
