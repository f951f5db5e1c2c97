package compute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/fly-io/vmimport/pkg/validate"
)

// Provider-side import task states.
const (
	taskCompleted = "completed"
	taskDeleting  = "deleting"
	taskDeleted   = "deleted"
)

// SubmitImport submits one import-image task covering every asset of
// partition, one disk container per asset.
func (c *Client) SubmitImport(ctx context.Context, partition storage.Partition, assets []storage.Asset) (*ImportJob, error) {
	if len(assets) == 0 {
		return nil, errors.Newf(errors.KindImportSubmission, "import_image", "no assets for %s", partition)
	}

	containers := make([]ec2types.ImageDiskContainer, 0, len(assets))
	for i, asset := range assets {
		format, err := validate.DiskFormat(asset.Key)
		if err != nil {
			return nil, errors.ImportSubmission("import_image", err)
		}
		containers = append(containers, ec2types.ImageDiskContainer{
			Description: aws.String(fmt.Sprintf("disk %d of %s", i+1, partition)),
			Format:      aws.String(format),
			UserBucket: &ec2types.UserBucket{
				S3Bucket: aws.String(asset.Bucket),
				S3Key:    aws.String(asset.Key),
			},
		})
	}

	slog.Info("import_submit_start", "partition", partition.String(), "disk_count", len(containers))

	out, err := c.api.ImportImage(ctx, &ec2.ImportImageInput{
		Description:    aws.String("imported from " + partition.String()),
		DiskContainers: containers,
	})
	if err != nil {
		slog.Error("import_submit_failed", "partition", partition.String(), "error", err)
		return nil, errors.ImportSubmission("import_image", err)
	}

	taskID := aws.ToString(out.ImportTaskId)
	if taskID == "" {
		return nil, errors.Newf(errors.KindImportSubmission, "import_image", "no task id returned for %s", partition)
	}

	slog.Info("import_submitted", "partition", partition.String(), "import_task_id", taskID)

	return &ImportJob{
		ID:     taskID,
		Assets: assets,
		Status: JobSubmitted,
	}, nil
}

// AwaitImport polls job until the provider reports a terminal state and
// returns the produced image ID. Without Options.ImportTimeout it waits
// until the task ends or ctx is cancelled.
func (c *Client) AwaitImport(ctx context.Context, job *ImportJob) (string, error) {
	ctx, cancel := withDeadline(ctx, c.opts.ImportTimeout)
	defer cancel()

	slog.Info("import_wait_start", "import_task_id", job.ID, "interval", c.opts.ImportPollInterval)

	var failure error
	err := poll(ctx, c.opts.ImportPollInterval, func() (bool, error) {
		out, err := c.api.DescribeImportImageTasks(ctx, &ec2.DescribeImportImageTasksInput{
			ImportTaskIds: []string{job.ID},
		})
		if err != nil {
			return false, err
		}
		if len(out.ImportImageTasks) == 0 {
			slog.Debug("import_task_not_visible", "import_task_id", job.ID)
			job.Status = JobWaiting
			return false, nil
		}

		task := out.ImportImageTasks[0]
		state := aws.ToString(task.Status)
		job.ProviderState = state
		job.StatusMessage = aws.ToString(task.StatusMessage)

		switch {
		case state == taskCompleted:
			job.ImageID = aws.ToString(task.ImageId)
			if job.ImageID == "" {
				job.Status = JobFailed
				failure = fmt.Errorf("task %s completed without an image id", job.ID)
				return true, nil
			}
			job.Status = JobCompleted
			return true, nil
		case isFailedTaskState(state):
			job.Status = JobFailed
			failure = fmt.Errorf("task %s ended with status %q: %s", job.ID, state, job.StatusMessage)
			return true, nil
		default:
			job.Status = JobWaiting
			slog.Debug("import_progress", "import_task_id", job.ID, "status", state,
				"progress", aws.ToString(task.Progress), "message", job.StatusMessage)
			return false, nil
		}
	})
	if err != nil {
		job.Status = JobFailed
		slog.Error("import_wait_failed", "import_task_id", job.ID, "error", err)
		return "", errors.ImportFailed("describe_import_image_tasks", err)
	}
	if failure != nil {
		slog.Error("import_failed", "import_task_id", job.ID, "status", job.ProviderState, "message", job.StatusMessage)
		return "", errors.ImportFailed("import_image", failure)
	}

	slog.Info("import_complete", "import_task_id", job.ID, "image_id", job.ImageID)
	return job.ImageID, nil
}

func isFailedTaskState(state string) bool {
	switch strings.ToLower(state) {
	case taskDeleting, taskDeleted, "failed", "cancelled", "canceled", "error":
		return true
	}
	return false
}
