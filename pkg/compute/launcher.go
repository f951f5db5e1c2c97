package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/fly-io/vmimport/pkg/errors"
)

const errCodeInstanceNotFound = "InvalidInstanceID.NotFound"

// LaunchFromImage starts exactly one instance of instanceType from imageID
// and blocks until EC2 reports it running.
func (c *Client) LaunchFromImage(ctx context.Context, imageID, instanceType string, tags map[string]string) (*Instance, error) {
	slog.Info("launch_start", "image_id", imageID, "instance_type", instanceType)

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if spec := c.tagSpecification(tags); spec != nil {
		input.TagSpecifications = []ec2types.TagSpecification{*spec}
	}

	out, err := c.api.RunInstances(ctx, input)
	if err != nil {
		slog.Error("launch_failed", "image_id", imageID, "error", err)
		return nil, errors.Launch("run_instances", err)
	}
	if len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return nil, errors.Newf(errors.KindLaunch, "run_instances", "no instance returned for image %s", imageID)
	}

	inst := &Instance{
		ID:      aws.ToString(out.Instances[0].InstanceId),
		ImageID: imageID,
		Status:  InstanceLaunching,
	}
	slog.Info("launch_requested", "image_id", imageID, "instance_id", inst.ID)

	if err := c.awaitRunning(ctx, inst); err != nil {
		inst.Status = InstanceFailed
		return inst, err
	}

	inst.Status = InstanceRunning
	slog.Info("instance_running", "image_id", imageID, "instance_id", inst.ID)
	return inst, nil
}

func (c *Client) awaitRunning(ctx context.Context, inst *Instance) error {
	ctx, cancel := withDeadline(ctx, c.opts.LaunchTimeout)
	defer cancel()

	var failure error
	err := poll(ctx, c.opts.InstancePollInterval, func() (bool, error) {
		out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{inst.ID},
		})
		if err != nil {
			// Freshly launched instances are not always visible yet
			if isAPIErrorCode(err, errCodeInstanceNotFound) {
				slog.Debug("instance_not_visible", "instance_id", inst.ID)
				return false, nil
			}
			return false, err
		}

		state, reason := instanceState(out, inst.ID)
		switch state {
		case ec2types.InstanceStateNameRunning:
			return true, nil
		case ec2types.InstanceStateNameShuttingDown,
			ec2types.InstanceStateNameTerminated,
			ec2types.InstanceStateNameStopping,
			ec2types.InstanceStateNameStopped:
			failure = fmt.Errorf("instance %s reached state %q: %s", inst.ID, state, reason)
			return true, nil
		default:
			slog.Debug("instance_pending", "instance_id", inst.ID, "state", state)
			return false, nil
		}
	})
	if err != nil {
		slog.Error("instance_wait_failed", "instance_id", inst.ID, "error", err)
		return errors.InstanceNotReady("describe_instances", err)
	}
	if failure != nil {
		slog.Error("instance_not_ready", "instance_id", inst.ID, "error", failure)
		return errors.InstanceNotReady("describe_instances", failure)
	}
	return nil
}

// instanceState finds id in a DescribeInstances response.
func instanceState(out *ec2.DescribeInstancesOutput, id string) (ec2types.InstanceStateName, string) {
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) != id || i.State == nil {
				continue
			}
			var reason string
			if i.StateReason != nil {
				reason = aws.ToString(i.StateReason.Message)
			}
			return i.State.Name, reason
		}
	}
	return "", ""
}

func (c *Client) tagSpecification(extra map[string]string) *ec2types.TagSpecification {
	merged := make(map[string]string, len(c.opts.Tags)+len(extra))
	for k, v := range c.opts.Tags {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	spec := &ec2types.TagSpecification{ResourceType: ec2types.ResourceTypeInstance}
	for _, k := range keys {
		spec.Tags = append(spec.Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}
	return spec
}

func isAPIErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}
