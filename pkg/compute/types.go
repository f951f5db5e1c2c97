package compute

import "github.com/fly-io/vmimport/pkg/storage"

// JobStatus is the lifecycle of an import job as seen by this tool.
type JobStatus string

// Import job states
const (
	JobSubmitted JobStatus = "submitted"
	JobWaiting   JobStatus = "waiting"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ImportJob is one in-flight import-image task
type ImportJob struct {
	ID     string
	Assets []storage.Asset
	Status JobStatus

	// Set once the job is terminal
	ImageID       string
	ProviderState string
	StatusMessage string
}

// InstanceStatus is the lifecycle of a launched instance.
type InstanceStatus string

// Instance states
const (
	InstanceLaunching InstanceStatus = "launching"
	InstanceRunning   InstanceStatus = "running"
	InstanceFailed    InstanceStatus = "failed"
)

// Instance is a compute instance launched from an imported image
type Instance struct {
	ID      string
	ImageID string
	Status  InstanceStatus
}
