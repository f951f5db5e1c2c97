// Package compute drives the EC2 side of an import: submitting
// import-image tasks, waiting for them to produce an image and launching
// an instance from the result.
package compute

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/fly-io/vmimport/pkg/errors"
)

// Default polling cadence. Import tasks take tens of minutes, so there is
// no point asking more often.
const (
	DefaultImportPollInterval   = 15 * time.Second
	DefaultInstancePollInterval = 15 * time.Second
)

// EC2API is the subset of *ec2.Client used here.
type EC2API interface {
	ImportImage(ctx context.Context, params *ec2.ImportImageInput, optFns ...func(*ec2.Options)) (*ec2.ImportImageOutput, error)
	DescribeImportImageTasks(ctx context.Context, params *ec2.DescribeImportImageTasksInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImportImageTasksOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Options tunes polling and deadlines. A zero timeout means wait for as
// long as it takes (or until the context is cancelled).
type Options struct {
	ImportPollInterval   time.Duration
	InstancePollInterval time.Duration
	ImportTimeout        time.Duration
	LaunchTimeout        time.Duration

	// Tags are applied to every launched instance
	Tags map[string]string
}

func (o Options) withDefaults() Options {
	if o.ImportPollInterval <= 0 {
		o.ImportPollInterval = DefaultImportPollInterval
	}
	if o.InstancePollInterval <= 0 {
		o.InstancePollInterval = DefaultInstancePollInterval
	}
	return o
}

// Client wraps EC2 image import and instance provisioning
type Client struct {
	api  EC2API
	opts Options
}

// NewClient creates an EC2 client using the default credential chain
func NewClient(ctx context.Context, region string, opts Options) (*Client, error) {
	slog.Info("ec2_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return NewClientWithAPI(ec2.NewFromConfig(cfg), opts), nil
}

// NewClientWithAPI builds a Client on top of an existing EC2API.
func NewClientWithAPI(api EC2API, opts Options) *Client {
	return &Client{api: api, opts: opts.withDefaults()}
}

// poll calls check immediately and then every interval until it reports
// done, returns an error, or ctx ends.
func poll(ctx context.Context, interval time.Duration, check func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// withDeadline applies d to ctx when d is positive.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
