package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/ledger"
	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/fly-io/vmimport/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDiscoverer struct {
	partitions []storage.Partition
	err        error
}

func (f *fakeDiscoverer) DiscoverPartitions(ctx context.Context) ([]storage.Partition, error) {
	return f.partitions, f.err
}

type fakeRunner struct {
	run func(ctx context.Context, p storage.Partition) (workflow.Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, p storage.Partition) (workflow.Outcome, error) {
	return f.run(ctx, p)
}

func partitions(prefixes ...string) []storage.Partition {
	out := make([]storage.Partition, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, storage.Partition{Bucket: "vms", Prefix: p})
	}
	return out
}

func TestRun_ReportsResults(t *testing.T) {
	results := ledger.New()
	runner := &fakeRunner{run: func(ctx context.Context, p storage.Partition) (workflow.Outcome, error) {
		if p.Prefix == "B/" {
			return workflow.OutcomeSkipped, nil
		}
		results.AddImage("import-"+p.Prefix, "ami-X")
		results.AddInstance("import-"+p.Prefix, "i-Y")
		return workflow.OutcomeSucceeded, nil
	}}

	var out bytes.Buffer
	o := New(&fakeDiscoverer{partitions: partitions("A/", "B/")}, runner, results, Config{
		InstanceType: "t2.micro",
		Out:          &out,
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Partitions)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, []string{"ami-X"}, summary.Images)
	assert.Equal(t, []string{"i-Y"}, summary.Instances)

	text := out.String()
	assert.Contains(t, text, "Partitions: A/, B/")
	assert.Contains(t, text, "Starting workflow for vms/A/ with instance type t2.micro")
	assert.Contains(t, text, "Image IDs: ami-X")
	assert.Contains(t, text, "Instance IDs: i-Y")
	assert.Contains(t, text, "Workflows in flight: 0")
	assert.Equal(t, 0, o.set.len())
}

func TestRun_NoPartitions(t *testing.T) {
	var out bytes.Buffer
	o := New(&fakeDiscoverer{}, &fakeRunner{}, ledger.New(), Config{Out: &out})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Partitions)
	assert.Empty(t, summary.Images)
	assert.Contains(t, out.String(), "Workflows in flight: 0")
}

func TestRun_DiscoveryFailure(t *testing.T) {
	discErr := errors.StorageAccess("list_objects", fmt.Errorf("access denied"))
	o := New(&fakeDiscoverer{err: discErr}, &fakeRunner{}, ledger.New(), Config{Out: &bytes.Buffer{}})

	summary, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Equal(t, errors.KindStorageAccess, errors.KindOf(err))
}

func TestRun_FailureIsIsolated(t *testing.T) {
	results := ledger.New()
	runner := &fakeRunner{run: func(ctx context.Context, p storage.Partition) (workflow.Outcome, error) {
		switch p.Prefix {
		case "bad/":
			return workflow.OutcomeFailed, errors.ImportFailed("describe_import_image_tasks", fmt.Errorf("deleted"))
		case "panic/":
			panic("boom")
		}
		results.AddImage(p.Prefix, "ami-"+p.Prefix[:1])
		results.AddInstance(p.Prefix, "i-"+p.Prefix[:1])
		return workflow.OutcomeSucceeded, nil
	}}

	var out bytes.Buffer
	o := New(&fakeDiscoverer{partitions: partitions("a/", "bad/", "panic/", "c/")}, runner, results, Config{Out: &out})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)

	sort.Strings(summary.Images)
	assert.Equal(t, []string{"ami-a", "ami-c"}, summary.Images)
	assert.Contains(t, out.String(), "Workflow for vms/bad/ failed")
	assert.Contains(t, out.String(), "Workflow for vms/panic/ failed")
}

func TestRun_ReportsPeriodically(t *testing.T) {
	release := make(chan struct{})
	results := ledger.New()
	runner := &fakeRunner{run: func(ctx context.Context, p storage.Partition) (workflow.Outcome, error) {
		if p.Prefix == "slow/" {
			<-release
		}
		results.AddImage(p.Prefix, "ami-"+p.Prefix[:1])
		return workflow.OutcomeSucceeded, nil
	}}

	var out bytes.Buffer
	o := New(&fakeDiscoverer{partitions: partitions("fast/", "slow/")}, runner, results, Config{
		ReportInterval: 5 * time.Millisecond,
		Out:            &out,
	})

	done := make(chan *Summary)
	go func() {
		s, _ := o.Run(context.Background())
		done <- s
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case s := <-done:
		assert.Equal(t, 2, s.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
	assert.Contains(t, out.String(), "Workflows in flight: 1")
}

func TestRun_BoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	runner := &fakeRunner{run: func(ctx context.Context, p storage.Partition) (workflow.Outcome, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return workflow.OutcomeSucceeded, nil
	}}

	o := New(&fakeDiscoverer{partitions: partitions("a/", "b/", "c/", "d/", "e/", "f/")}, runner, ledger.New(), Config{
		MaxConcurrency: 2,
		Out:            &bytes.Buffer{},
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_CancelStopsWorkflows(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, p storage.Partition) (workflow.Outcome, error) {
		<-ctx.Done()
		return workflow.OutcomeFailed, ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	o := New(&fakeDiscoverer{partitions: partitions("a/", "b/")}, runner, ledger.New(), Config{Out: &bytes.Buffer{}})

	time.AfterFunc(10*time.Millisecond, cancel)
	summary, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Failed)
}

func TestWorkflowSet_RemovesOnlyTerminated(t *testing.T) {
	set := newWorkflowSet()
	a := newHandle(storage.Partition{Prefix: "a/"})
	b := newHandle(storage.Partition{Prefix: "b/"})
	set.add(a)
	set.add(b)

	assert.Empty(t, set.reap())
	assert.Equal(t, 2, set.len())

	a.finish(workflow.OutcomeSucceeded, nil)
	reaped := set.reap()
	require.Len(t, reaped, 1)
	assert.Same(t, a, reaped[0])
	assert.Empty(t, set.reap())
	assert.Equal(t, 1, set.len())
}

func TestWorkflowSet_ConcurrentFinish(t *testing.T) {
	set := newWorkflowSet()
	handles := make([]*handle, 100)
	for i := range handles {
		handles[i] = newHandle(storage.Partition{Prefix: fmt.Sprintf("%d/", i)})
		set.add(handles[i])
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			h.finish(workflow.OutcomeSucceeded, nil)
		}(h)
	}

	seen := 0
	for seen < len(handles) {
		seen += len(set.reap())
	}
	wg.Wait()
	assert.Equal(t, len(handles), seen)
	assert.Equal(t, 0, set.len())
}
