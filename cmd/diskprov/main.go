package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/diskprov/cmd/diskprov/commands"
)

func main() {
	// Replaced by the configured logger once flags and config are read
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
