package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fly-io/vmimport/pkg/compute"
	"github.com/fly-io/vmimport/pkg/db"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/metrics"
	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/superfly/fsm"
)

// Tag keys applied to launched instances.
const (
	TagRun       = "vmimport:run"
	TagPartition = "vmimport:partition"
)

// handleListAssets records the group and lists its disks. A partition with
// no disks is skipped: the remaining states become no-ops.
func (m *Machine) handleListAssets(ctx context.Context, req *fsm.Request[GroupRequest, GroupResponse]) (*fsm.Response[GroupResponse], error) {
	p := req.Msg.partition()
	slog.Info("fsm_state_list_assets", "partition", p.String())

	resp := req.W.Msg
	if resp == nil {
		resp = &GroupResponse{}
	}

	g, err := m.repo.Get(req.Msg.RunID, req.Msg.Prefix)
	if err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}
	if g == nil {
		g = &db.Group{RunID: req.Msg.RunID, Prefix: req.Msg.Prefix, Status: db.StatusListing}
		if err := m.repo.Create(g); err != nil {
			return nil, fsm.Abort(errors.Wrap(err, "failed to create group record"))
		}
	} else if err := m.repo.UpdateStatus(g.ID, db.StatusListing, "", ""); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to update status"))
	}
	resp.GroupID = g.ID

	ctx, cancel := m.bind(ctx)
	defer cancel()

	assets, err := m.lister.ListAssets(ctx, p)
	if err != nil {
		return m.fail(resp, req.Msg, StateListAssets, err)
	}

	if len(assets) == 0 {
		slog.Info("no_assets_found", "partition", p.String(), "action", "skip")
		resp.Skipped = true
		resp.Status = db.StatusSkipped
		if err := m.repo.UpdateStatus(g.ID, db.StatusSkipped, "", ""); err != nil {
			return nil, fsm.Abort(errors.Wrap(err, "failed to update status"))
		}
		return fsm.NewResponse(resp), nil
	}

	resp.Assets = make([]string, 0, len(assets))
	for _, a := range assets {
		resp.Assets = append(resp.Assets, a.Key)
	}
	slog.Info("assets_found", "partition", p.String(), "asset_count", len(assets), "keys", strings.Join(resp.Assets, ","))

	return fsm.NewResponse(resp), nil
}

// handleSubmitImport validates the disks and submits one import task
func (m *Machine) handleSubmitImport(ctx context.Context, req *fsm.Request[GroupRequest, GroupResponse]) (*fsm.Response[GroupResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Skipped {
		return fsm.NewResponse(resp), nil
	}

	p := req.Msg.partition()
	slog.Info("fsm_state_submit_import", "partition", p.String(), "asset_count", len(resp.Assets))

	if err := m.validator.ValidateAssets(resp.Assets); err != nil {
		return m.fail(resp, req.Msg, StateSubmitImport, errors.New(errors.KindImportSubmission, "validate_assets", err))
	}

	if err := m.repo.UpdateStatus(resp.GroupID, db.StatusImporting, "", ""); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to update status"))
	}

	ctx, cancel := m.bind(ctx)
	defer cancel()

	job, err := m.importer.SubmitImport(ctx, p, m.assets(req.Msg, resp))
	if err != nil {
		return m.fail(resp, req.Msg, StateSubmitImport, err)
	}
	resp.ImportTaskID = job.ID

	if err := m.updateGroup(req.Msg, func(g *db.Group) {
		g.AssetCount = len(resp.Assets)
		g.ImportTaskID = job.ID
	}); err != nil {
		return nil, fsm.Abort(err)
	}

	return fsm.NewResponse(resp), nil
}

// handleAwaitImport waits for the import task and publishes its image
func (m *Machine) handleAwaitImport(ctx context.Context, req *fsm.Request[GroupRequest, GroupResponse]) (*fsm.Response[GroupResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Skipped {
		return fsm.NewResponse(resp), nil
	}

	p := req.Msg.partition()
	slog.Info("fsm_state_await_import", "partition", p.String(), "import_task_id", resp.ImportTaskID)

	ctx, cancel := m.bind(ctx)
	defer cancel()

	job := &compute.ImportJob{
		ID:     resp.ImportTaskID,
		Assets: m.assets(req.Msg, resp),
		Status: compute.JobSubmitted,
	}

	started := time.Now()
	imageID, err := m.importer.AwaitImport(ctx, job)
	metrics.ObserveImport(time.Since(started))
	if err != nil {
		return m.fail(resp, req.Msg, StateAwaitImport, err)
	}

	resp.ImageID = imageID
	m.ledger.AddImage(job.ID, imageID)
	slog.Info("image_created", "partition", p.String(), "image_id", imageID)

	if err := m.updateGroup(req.Msg, func(g *db.Group) {
		g.Status = db.StatusLaunching
		g.ImageID = imageID
	}); err != nil {
		return nil, fsm.Abort(err)
	}

	return fsm.NewResponse(resp), nil
}

// handleLaunchInstance launches one instance from the image and publishes it
func (m *Machine) handleLaunchInstance(ctx context.Context, req *fsm.Request[GroupRequest, GroupResponse]) (*fsm.Response[GroupResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Skipped {
		return fsm.NewResponse(resp), nil
	}

	p := req.Msg.partition()
	slog.Info("fsm_state_launch_instance", "partition", p.String(), "image_id", resp.ImageID, "instance_type", req.Msg.InstanceType)

	ctx, cancel := m.bind(ctx)
	defer cancel()

	tags := map[string]string{
		TagRun:       req.Msg.RunID,
		TagPartition: req.Msg.Prefix,
		"Name":       "vmimport-" + strings.TrimSuffix(req.Msg.Prefix, storage.Delimiter),
	}

	started := time.Now()
	inst, err := m.launcher.LaunchFromImage(ctx, resp.ImageID, req.Msg.InstanceType, tags)
	if err != nil {
		if inst != nil && inst.ID != "" {
			// Keep the ID of the stuck instance so it can be found later
			resp.InstanceID = inst.ID
			_ = m.updateGroup(req.Msg, func(g *db.Group) { g.InstanceID = inst.ID })
		}
		return m.fail(resp, req.Msg, StateLaunchInstance, err)
	}
	metrics.ObserveLaunch(time.Since(started))

	resp.InstanceID = inst.ID
	m.ledger.AddInstance(resp.ImportTaskID, inst.ID)
	slog.Info("instance_launched", "partition", p.String(), "instance_id", inst.ID, "image_id", resp.ImageID)

	if err := m.updateGroup(req.Msg, func(g *db.Group) { g.InstanceID = inst.ID }); err != nil {
		return nil, fsm.Abort(err)
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the group as done
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[GroupRequest, GroupResponse]) (*fsm.Response[GroupResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Skipped {
		slog.Info("fsm_complete", "partition", req.Msg.partition().String(), "status", db.StatusSkipped)
		return fsm.NewResponse(resp), nil
	}

	if err := m.repo.UpdateStatus(resp.GroupID, db.StatusReady, "", ""); err != nil {
		slog.Error("status_update_failed", "group_id", resp.GroupID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to update status"))
	}
	resp.Status = db.StatusReady

	slog.Info("fsm_complete",
		"partition", req.Msg.partition().String(),
		"status", db.StatusReady,
		"image_id", resp.ImageID,
		"instance_id", resp.InstanceID,
	)

	return fsm.NewResponse(resp), nil
}

// fail logs and records err against the group and aborts the machine.
// Aborting skips fsm retries: a failed step ends this group only.
func (m *Machine) fail(resp *GroupResponse, req *GroupRequest, state string, err error) (*fsm.Response[GroupResponse], error) {
	kind := errors.KindOf(err)
	slog.Error("workflow_failed",
		"partition", req.partition().String(),
		"state", state,
		"error_kind", kind,
		"error", err,
	)

	resp.Status = db.StatusFailed
	resp.ErrorKind = string(kind)
	resp.ErrorMessage = err.Error()

	if resp.GroupID != 0 {
		if dbErr := m.repo.UpdateStatus(resp.GroupID, db.StatusFailed, string(kind), err.Error()); dbErr != nil {
			slog.Error("status_update_failed", "group_id", resp.GroupID, "error", dbErr)
		}
	}
	metrics.WorkflowFailed(string(kind))

	return nil, fsm.Abort(err)
}

func (m *Machine) assets(req *GroupRequest, resp *GroupResponse) []storage.Asset {
	assets := make([]storage.Asset, 0, len(resp.Assets))
	for _, key := range resp.Assets {
		assets = append(assets, storage.Asset{Bucket: req.Bucket, Key: key})
	}
	return assets
}

func (m *Machine) updateGroup(req *GroupRequest, mutate func(*db.Group)) error {
	g, err := m.repo.Get(req.RunID, req.Prefix)
	if err != nil {
		return errors.Wrap(err, "failed to load group")
	}
	if g == nil {
		return fmt.Errorf("group not found: %s", req.partition())
	}
	mutate(g)
	if err := m.repo.Update(g); err != nil {
		slog.Error("group_update_failed", "group_id", g.ID, "error", err)
		return errors.Wrap(err, "failed to update group")
	}
	return nil
}
