package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/vmimport/pkg/compute"
	"github.com/fly-io/vmimport/pkg/db"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/ledger"
	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/fly-io/vmimport/pkg/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

const testRun = "run-test"

type fakeLister struct {
	assets map[string][]string
	err    map[string]error
}

func (f *fakeLister) ListAssets(ctx context.Context, p storage.Partition) ([]storage.Asset, error) {
	if err := f.err[p.Prefix]; err != nil {
		return nil, err
	}
	out := []storage.Asset{}
	for _, key := range f.assets[p.Prefix] {
		out = append(out, storage.Asset{Bucket: p.Bucket, Key: key})
	}
	return out, nil
}

type fakeCompute struct {
	mu        sync.Mutex
	submitted map[string][]string
	launched  []string
	tags      map[string]string

	submitErr error
	awaitErr  error
	launchErr error
	launchID  string
}

func (f *fakeCompute) SubmitImport(ctx context.Context, p storage.Partition, assets []storage.Asset) (*compute.ImportJob, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted == nil {
		f.submitted = map[string][]string{}
	}
	for _, a := range assets {
		f.submitted[p.Prefix] = append(f.submitted[p.Prefix], a.Key)
	}
	return &compute.ImportJob{ID: "import-ami-" + p.Prefix[:1], Assets: assets, Status: compute.JobSubmitted}, nil
}

func (f *fakeCompute) AwaitImport(ctx context.Context, job *compute.ImportJob) (string, error) {
	if f.awaitErr != nil {
		return "", f.awaitErr
	}
	return "ami-" + job.ID[len(job.ID)-1:], nil
}

func (f *fakeCompute) LaunchFromImage(ctx context.Context, imageID, instanceType string, tags map[string]string) (*compute.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, imageID)
	f.tags = tags
	if f.launchErr != nil {
		return &compute.Instance{ID: f.launchID, ImageID: imageID, Status: compute.InstanceFailed}, f.launchErr
	}
	return &compute.Instance{ID: "i-" + imageID[len(imageID)-1:], ImageID: imageID, Status: compute.InstanceRunning}, nil
}

type harness struct {
	repo    *db.Repository
	ledger  *ledger.Ledger
	compute *fakeCompute
	runner  *Runner
}

func newHarness(t *testing.T, lister AssetLister, fc *fakeCompute) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.NewRepository(filepath.Join(dir, "vmimport.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.CreateRun(&db.Run{ID: testRun, Bucket: "vms", InstanceType: "t2.micro"}))

	manager, err := fsm.New(fsm.Config{DBPath: filepath.Join(dir, "fsm")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(5 * time.Second) })

	results := ledger.New()
	m := NewMachine(context.Background(), repo, lister, fc, fc, validate.NewValidator(".vmdk", 0), results)

	runner, err := m.NewRunner(context.Background(), manager, testRun, "t2.micro")
	require.NoError(t, err)

	return &harness{repo: repo, ledger: results, compute: fc, runner: runner}
}

func runCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunner_ImportsAndLaunches(t *testing.T) {
	lister := &fakeLister{assets: map[string][]string{
		"A/": {"A/disk1.vmdk", "A/disk2.vmdk"},
		"B/": {},
	}}
	h := newHarness(t, lister, &fakeCompute{})
	ctx := runCtx(t)

	outcome, err := h.runner.Run(ctx, storage.Partition{Bucket: "vms", Prefix: "A/"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome)

	outcome, err = h.runner.Run(ctx, storage.Partition{Bucket: "vms", Prefix: "B/"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	assert.Equal(t, []string{"A/disk1.vmdk", "A/disk2.vmdk"}, h.compute.submitted["A/"])
	assert.NotContains(t, h.compute.submitted, "B/")

	snap := h.ledger.Snapshot()
	assert.Equal(t, []string{"ami-A"}, snap.Images)
	assert.Equal(t, []string{"i-A"}, snap.Instances)

	assert.Equal(t, testRun, h.compute.tags[TagRun])
	assert.Equal(t, "A/", h.compute.tags[TagPartition])

	a, err := h.repo.Get(testRun, "A/")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, db.StatusReady, a.Status)
	assert.Equal(t, 2, a.AssetCount)
	assert.Equal(t, "import-ami-A", a.ImportTaskID)
	assert.Equal(t, "ami-A", a.ImageID)
	assert.Equal(t, "i-A", a.InstanceID)

	b, err := h.repo.Get(testRun, "B/")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, db.StatusSkipped, b.Status)
}

func TestRunner_ImportFailure(t *testing.T) {
	lister := &fakeLister{assets: map[string][]string{"A/": {"A/disk1.vmdk"}}}
	fc := &fakeCompute{awaitErr: errors.ImportFailed("describe_import_image_tasks", fmt.Errorf("task import-ami-A ended in state deleted"))}
	h := newHarness(t, lister, fc)

	outcome, err := h.runner.Run(runCtx(t), storage.Partition{Bucket: "vms", Prefix: "A/"})
	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)
	assert.Equal(t, errors.KindImportFailed, errors.KindOf(err))
	assert.Contains(t, err.Error(), "ended in state deleted")

	assert.Empty(t, h.ledger.Snapshot().Images)
	assert.Empty(t, h.ledger.Snapshot().Instances)
	assert.Empty(t, fc.launched)

	g, err := h.repo.Get(testRun, "A/")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, db.StatusFailed, g.Status)
	assert.Equal(t, string(errors.KindImportFailed), g.ErrorKind)
}

func TestRunner_LaunchFailureKeepsImage(t *testing.T) {
	lister := &fakeLister{assets: map[string][]string{"A/": {"A/disk1.vmdk"}}}
	fc := &fakeCompute{
		launchErr: errors.InstanceNotReady("describe_instances", fmt.Errorf("instance i-stuck is terminated")),
		launchID:  "i-stuck",
	}
	h := newHarness(t, lister, fc)

	outcome, err := h.runner.Run(runCtx(t), storage.Partition{Bucket: "vms", Prefix: "A/"})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, errors.KindInstanceNotReady, errors.KindOf(err))

	snap := h.ledger.Snapshot()
	assert.Equal(t, []string{"ami-A"}, snap.Images)
	assert.Empty(t, snap.Instances)

	g, err := h.repo.Get(testRun, "A/")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, db.StatusFailed, g.Status)
	assert.Equal(t, "ami-A", g.ImageID)
	assert.Equal(t, "i-stuck", g.InstanceID)
}

func TestRunner_ListingFailure(t *testing.T) {
	lister := &fakeLister{err: map[string]error{"A/": errors.StorageAccess("list_objects", fmt.Errorf("access denied"))}}
	h := newHarness(t, lister, &fakeCompute{})

	outcome, err := h.runner.Run(runCtx(t), storage.Partition{Bucket: "vms", Prefix: "A/"})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, errors.KindStorageAccess, errors.KindOf(err))
}

func TestRunner_RejectsInvalidAssets(t *testing.T) {
	lister := &fakeLister{assets: map[string][]string{"A/": {"A/disk1.qcow2"}}}
	fc := &fakeCompute{}
	h := newHarness(t, lister, fc)

	outcome, err := h.runner.Run(runCtx(t), storage.Partition{Bucket: "vms", Prefix: "A/"})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, errors.KindImportSubmission, errors.KindOf(err))
	assert.Empty(t, fc.submitted)
}

func TestRunner_ConcurrentPartitions(t *testing.T) {
	assets := map[string][]string{}
	prefixes := []string{"A/", "B/", "C/", "D/"}
	for _, p := range prefixes {
		assets[p] = []string{p + "root.vmdk"}
	}
	h := newHarness(t, &fakeLister{assets: assets}, &fakeCompute{})
	ctx := runCtx(t)

	var wg sync.WaitGroup
	for _, p := range prefixes {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			outcome, err := h.runner.Run(ctx, storage.Partition{Bucket: "vms", Prefix: prefix})
			assert.NoError(t, err)
			assert.Equal(t, OutcomeSucceeded, outcome)
		}(p)
	}
	wg.Wait()

	snap := h.ledger.Snapshot()
	sort.Strings(snap.Images)
	sort.Strings(snap.Instances)
	assert.Equal(t, []string{"ami-A", "ami-B", "ami-C", "ami-D"}, snap.Images)
	assert.Equal(t, []string{"i-A", "i-B", "i-C", "i-D"}, snap.Instances)
}
