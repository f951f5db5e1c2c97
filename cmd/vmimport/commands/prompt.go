package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/fly-io/vmimport/pkg/validate"
	"github.com/mattn/go-isatty"
)

// inputs are the two values a run cannot start without
type inputs struct {
	Bucket       string
	InstanceType string
}

// askFunc fills in the empty fields of in
type askFunc func(ctx context.Context, in *inputs) error

// resolveInputs takes the bucket and instance type from args, then from
// configuration, and prompts only for what is still missing.
func resolveInputs(ctx context.Context, args []string, bucket, instanceType string, v *validate.Validator, ask askFunc) (inputs, error) {
	in := inputs{Bucket: bucket, InstanceType: instanceType}
	if len(args) > 0 {
		in.Bucket = args[0]
	}
	if len(args) > 1 {
		in.InstanceType = args[1]
	}

	if in.Bucket == "" || in.InstanceType == "" {
		if err := ask(ctx, &in); err != nil {
			return inputs{}, err
		}
	}

	if err := v.ValidateBucket(in.Bucket); err != nil {
		return inputs{}, err
	}
	if err := v.ValidateInstanceType(in.InstanceType); err != nil {
		return inputs{}, err
	}
	return in, nil
}

// promptInputs asks for missing values with huh. Without a terminal the
// form falls back to accessible mode, which reads plain lines from stdin.
func promptInputs(ctx context.Context, in *inputs) error {
	v := validate.NewValidator("", 0)

	var fields []huh.Field
	if in.Bucket == "" {
		fields = append(fields, huh.NewInput().
			Title("S3 bucket").
			Description("Bucket holding one folder of disk images per VM").
			Value(&in.Bucket).
			Validate(v.ValidateBucket))
	}
	if in.InstanceType == "" {
		fields = append(fields, huh.NewInput().
			Title("Instance type").
			Description("EC2 instance type to launch from each image").
			Placeholder("t2.micro").
			Value(&in.InstanceType).
			Validate(v.ValidateInstanceType))
	}

	form := huh.NewForm(huh.NewGroup(fields...)).
		WithAccessible(!isTerminal())

	if err := form.RunWithContext(ctx); err != nil {
		return fmt.Errorf("prompt canceled: %w", err)
	}
	return nil
}

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}
