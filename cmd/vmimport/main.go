package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/vmimport/cmd/vmimport/commands"
)

func main() {
	// Structured logs go to stderr so stdout carries only progress output
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
