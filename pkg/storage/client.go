package storage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/vmimport/pkg/errors"
)

// Delimiter separates partitions from the keys below them.
const Delimiter = "/"

// ListAPI is the subset of *s3.Client the storage layer needs.
type ListAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Partition is a top-level "folder" of a bucket: one group of disk images.
type Partition struct {
	Bucket string
	Prefix string
}

func (p Partition) String() string {
	return p.Bucket + "/" + p.Prefix
}

// Asset is an object key believed to hold convertible disk data.
type Asset struct {
	Bucket string
	Key    string
}

// Client provides S3 listing operations
type Client struct {
	api    ListAPI
	bucket string
	suffix string
}

// NewClient creates a new S3 client using the default credential chain
func NewClient(ctx context.Context, bucket, region, suffix string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("s3_client_created", "bucket", bucket)

	return NewClientWithAPI(s3.NewFromConfig(cfg), bucket, suffix), nil
}

// NewClientWithAPI builds a Client on top of an existing ListAPI.
func NewClientWithAPI(api ListAPI, bucket, suffix string) *Client {
	return &Client{
		api:    api,
		bucket: bucket,
		suffix: suffix,
	}
}

// Bucket returns the bucket this client lists.
func (c *Client) Bucket() string {
	return c.bucket
}

// DiscoverPartitions lists the top-level prefixes of the bucket, in the
// order the provider returns them.
func (c *Client) DiscoverPartitions(ctx context.Context) ([]Partition, error) {
	slog.Info("s3_discover_start", "bucket", c.bucket)

	var partitions []Partition
	err := c.listPages(ctx, "", func(page *s3.ListObjectsV2Output) {
		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil {
				partitions = append(partitions, Partition{Bucket: c.bucket, Prefix: *cp.Prefix})
			}
		}
	})
	if err != nil {
		return nil, err
	}

	slog.Info("s3_discover_complete", "bucket", c.bucket, "partition_count", len(partitions))
	return partitions, nil
}

// ListAssets lists the keys directly below partition whose name ends with
// the configured suffix. No match is an empty result, not an error.
func (c *Client) ListAssets(ctx context.Context, partition Partition) ([]Asset, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", partition.Prefix, "suffix", c.suffix)

	assets := []Asset{}
	err := c.listPages(ctx, partition.Prefix, func(page *s3.ListObjectsV2Output) {
		for _, obj := range page.Contents {
			if obj.Key != nil && strings.HasSuffix(*obj.Key, c.suffix) {
				assets = append(assets, Asset{Bucket: c.bucket, Key: *obj.Key})
			}
		}
	})
	if err != nil {
		return nil, err
	}

	slog.Info("s3_list_complete", "prefix", partition.Prefix, "asset_count", len(assets))
	return assets, nil
}

// listPages walks a delimited listing, following continuation tokens until
// the provider reports no more results. An empty page, or a truncated page
// without a token, also ends the walk.
func (c *Client) listPages(ctx context.Context, prefix string, visit func(*s3.ListObjectsV2Output)) error {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Delimiter: aws.String(Delimiter),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	for pageNum := 1; ; pageNum++ {
		page, err := c.api.ListObjectsV2(ctx, input)
		if err != nil {
			slog.Error("s3_list_failed", "bucket", c.bucket, "prefix", prefix, "page", pageNum, "error", err)
			return errors.StorageAccess("list_objects", err)
		}

		if len(page.Contents) == 0 && len(page.CommonPrefixes) == 0 {
			slog.Debug("s3_list_empty_page", "prefix", prefix, "page", pageNum)
			return nil
		}

		visit(page)

		if !aws.ToBool(page.IsTruncated) {
			return nil
		}

		token := aws.ToString(page.NextContinuationToken)
		if token == "" {
			slog.Warn("s3_list_missing_token", "prefix", prefix, "page", pageNum)
			return nil
		}
		input.ContinuationToken = aws.String(token)
	}
}
