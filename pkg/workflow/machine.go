// Package workflow implements the per-partition import pipeline as a
// finite state machine: list the partition's disks, submit an image
// import, wait for the image, launch an instance from it and wait for the
// instance to run. It is built on the superfly/fsm library.
package workflow

import (
	"context"

	"github.com/fly-io/vmimport/pkg/db"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/ledger"
	"github.com/fly-io/vmimport/pkg/validate"
	"github.com/superfly/fsm"
)

// Name is the registered name of the group import FSM.
const Name = "group-import"

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo      *db.Repository
	lister    AssetLister
	importer  Importer
	launcher  Launcher
	validator *validate.Validator
	ledger    *ledger.Ledger

	// base is the lifetime of the whole run. Transitions stop polling when
	// it is cancelled, whatever the fsm manager does with its own context.
	base context.Context
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	base context.Context,
	repo *db.Repository,
	lister AssetLister,
	importer Importer,
	launcher Launcher,
	validator *validate.Validator,
	results *ledger.Ledger,
) *Machine {
	return &Machine{
		repo:      repo,
		lister:    lister,
		importer:  importer,
		launcher:  launcher,
		validator: validator,
		ledger:    results,
		base:      base,
	}
}

// Register registers the group import FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[GroupRequest, GroupResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[GroupRequest, GroupResponse](manager, Name).
		Start(StateListAssets, m.handleListAssets).
		To(StateSubmitImport, m.handleSubmitImport).
		To(StateAwaitImport, m.handleAwaitImport).
		To(StateLaunchInstance, m.handleLaunchInstance).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// bind derives a context that ends when either ctx or the run ends.
func (m *Machine) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	if m.base == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(m.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
