package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"promptwatch/internal/cli"
)

const defaultServerURL = "http://127.0.0.1:8787"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	baseURL := os.Getenv("PROMPTWATCH_SERVER")
	if baseURL == "" {
		baseURL = defaultServerURL
	}
	runner := cli.NewRunner(baseURL, os.Stdout, os.Stderr)
	os.Exit(runner.Run(ctx, os.Args[1:]))
}
