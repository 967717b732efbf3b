// Command provision builds and drives the DAO provisioning plan: token,
// timelock treasury and governor creation, treasury funding, role wiring and
// the deployer's final admin renouncement.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charity-dao/provisioner/internal/config"
	"github.com/charity-dao/provisioner/internal/report"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := config.RuntimeFromEnv()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid runtime config", "error", err)
		os.Exit(report.ExitInvalid)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: rt.LogLevel}))

	root := newRootCmd(rt, logger, os.Stdout)
	root.SetArgs(os.Args[1:])
	err = root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err, logger))
}

func exitCode(err error, logger *slog.Logger) int {
	if err == nil {
		return report.ExitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			logger.Error("provisioning failed", "error", exit.err)
		}
		return exit.code
	}
	logger.Error("provisioning failed", "error", err)
	if config.IsInvalid(err) {
		return report.ExitInvalid
	}
	return report.ExitFailed
}
