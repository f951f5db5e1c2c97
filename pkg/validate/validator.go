package validate

import (
	"fmt"
	"log/slog"
	"net"
	"path"
	"regexp"
	"strings"
)

// Limits imposed by S3 and EC2.
const (
	MaxKeyLength    = 1024
	minBucketLength = 3
	maxBucketLength = 63
)

var (
	bucketRegex       = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)
	instanceTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z0-9]+$`)
)

// diskFormats maps a key extension to the import-image disk format.
var diskFormats = map[string]string{
	".vmdk": "vmdk",
	".vhd":  "vhd",
	".vhdx": "vhdx",
	".ova":  "ova",
	".raw":  "raw",
	".img":  "raw",
}

// Validator checks user input and asset sets before they reach AWS
type Validator struct {
	suffix    string
	maxAssets int
}

// NewValidator creates a validator for assets ending in suffix. maxAssets
// caps the disks of a single import; 0 means no cap.
func NewValidator(suffix string, maxAssets int) *Validator {
	slog.Info("validator_init", "suffix", suffix, "max_assets", maxAssets)

	return &Validator{
		suffix:    suffix,
		maxAssets: maxAssets,
	}
}

// ValidateBucket applies the S3 bucket naming rules
func (v *Validator) ValidateBucket(name string) error {
	if len(name) < minBucketLength || len(name) > maxBucketLength {
		return fmt.Errorf("validate: bucket name %q must be %d-%d characters", name, minBucketLength, maxBucketLength)
	}
	if !bucketRegex.MatchString(name) {
		return fmt.Errorf("validate: bucket name %q has invalid characters", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("validate: bucket name %q contains adjacent periods", name)
	}
	if net.ParseIP(name) != nil {
		return fmt.Errorf("validate: bucket name %q is formatted as an IP address", name)
	}
	return nil
}

// ValidateInstanceType checks the family.size shape of an EC2 instance type
func (v *Validator) ValidateInstanceType(instanceType string) error {
	if !instanceTypeRegex.MatchString(instanceType) {
		return fmt.Errorf("validate: instance type %q is not of the form family.size", instanceType)
	}
	return nil
}

// ValidateAssets checks the keys of one import request
func (v *Validator) ValidateAssets(keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("validate: import needs at least one disk")
	}
	if v.maxAssets > 0 && len(keys) > v.maxAssets {
		slog.Error("validate_asset_count_exceeded", "count", len(keys), "max", v.maxAssets)
		return fmt.Errorf("validate: %d disks exceeds max %d per import", len(keys), v.maxAssets)
	}

	for _, key := range keys {
		if len(key) > MaxKeyLength {
			return fmt.Errorf("validate: key longer than %d bytes: %.40s...", MaxKeyLength, key)
		}
		if !strings.HasSuffix(key, v.suffix) {
			return fmt.Errorf("validate: key %q does not end in %q", key, v.suffix)
		}
		if _, err := DiskFormat(key); err != nil {
			return err
		}
	}
	return nil
}

// DiskFormat returns the import format for key, derived from its extension.
func DiskFormat(key string) (string, error) {
	format, ok := diskFormats[path.Ext(key)]
	if !ok {
		return "", fmt.Errorf("validate: unsupported disk format for %q", key)
	}
	return format, nil
}
