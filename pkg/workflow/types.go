package workflow

import (
	"context"

	"github.com/fly-io/vmimport/pkg/compute"
	"github.com/fly-io/vmimport/pkg/storage"
)

// GroupRequest is the FSM input
type GroupRequest struct {
	RunID        string
	Bucket       string
	Prefix       string
	InstanceType string
}

func (r GroupRequest) partition() storage.Partition {
	return storage.Partition{Bucket: r.Bucket, Prefix: r.Prefix}
}

// GroupResponse is the FSM output (accumulated across transitions)
type GroupResponse struct {
	// From ListAssets
	GroupID int64
	Assets  []string
	Skipped bool

	// From SubmitImport / AwaitImport
	ImportTaskID string
	ImageID      string

	// From LaunchInstance
	InstanceID string

	// From Complete/Failed
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// State names
const (
	StateListAssets     = "list_assets"
	StateSubmitImport   = "submit_import"
	StateAwaitImport    = "await_import"
	StateLaunchInstance = "launch_instance"
	StateComplete       = "complete"
	StateFailed         = "failed"
)

// Outcome is how a group workflow ended.
type Outcome string

// Outcomes
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// AssetLister enumerates the convertible disks of a partition.
type AssetLister interface {
	ListAssets(ctx context.Context, partition storage.Partition) ([]storage.Asset, error)
}

// Importer turns a set of disks into a machine image.
type Importer interface {
	SubmitImport(ctx context.Context, partition storage.Partition, assets []storage.Asset) (*compute.ImportJob, error)
	AwaitImport(ctx context.Context, job *compute.ImportJob) (string, error)
}

// Launcher starts an instance from an image and waits for it to run.
type Launcher interface {
	LaunchFromImage(ctx context.Context, imageID, instanceType string, tags map[string]string) (*compute.Instance, error)
}
