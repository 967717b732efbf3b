package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charity-dao/provisioner/internal/execution/executor"
	"github.com/charity-dao/provisioner/internal/platform/env"
)

// State backends for the run journal.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Runtime holds the process settings read from the environment.
type Runtime struct {
	MaxParallel  int
	Retry        executor.RetryPolicy
	LedgerRPS    float64
	LedgerBurst  int
	LogLevel     slog.Level
	StateBackend string
	StatePath    string
	LedgerPath   string
	ReportPath   string
}

func RuntimeFromEnv() (Runtime, error) {
	def := executor.DefaultRetryPolicy()
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	maxParallel, err := env.Int("PROVISION_MAX_PARALLEL", 4)
	collect(err)
	maxAttempts, err := env.Int("PROVISION_MAX_ATTEMPTS", def.MaxAttempts)
	collect(err)
	initial, err := env.Duration("PROVISION_BACKOFF_INITIAL", def.InitialBackoff)
	collect(err)
	maxBackoff, err := env.Duration("PROVISION_BACKOFF_MAX", def.MaxBackoff)
	collect(err)
	multiplier, err := env.Float("PROVISION_BACKOFF_MULTIPLIER", def.Multiplier)
	collect(err)
	rps, err := env.Float("PROVISION_LEDGER_RPS", 10)
	collect(err)
	burst, err := env.Int("PROVISION_LEDGER_BURST", 4)
	collect(err)
	level, err := env.LogLevel("PROVISION_LOG_LEVEL", slog.LevelInfo)
	collect(err)
	if len(errs) > 0 {
		return Runtime{}, &InvalidError{Issues: issues(errs)}
	}

	cfg := Runtime{
		MaxParallel: maxParallel,
		Retry: executor.RetryPolicy{
			MaxAttempts:    maxAttempts,
			InitialBackoff: initial,
			MaxBackoff:     maxBackoff,
			Multiplier:     multiplier,
		},
		LedgerRPS:    rps,
		LedgerBurst:  burst,
		LogLevel:     level,
		StateBackend: strings.ToLower(strings.TrimSpace(env.String("PROVISION_STATE_BACKEND", BackendSQLite))),
		StatePath:    env.String("PROVISION_STATE_PATH", "provision-state.db"),
		LedgerPath:   env.String("PROVISION_LEDGER_STATE", "ledger-state.json"),
		ReportPath:   env.String("PROVISION_REPORT_PATH", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

func (c Runtime) Validate() error {
	errs := &InvalidError{}
	if c.MaxParallel < 1 {
		errs.Add("PROVISION_MAX_PARALLEL must be >= 1")
	}
	if err := c.Retry.Validate(); err != nil {
		errs.Add(fmt.Sprintf("retry policy: %v", err))
	}
	if c.LedgerRPS <= 0 {
		errs.Add("PROVISION_LEDGER_RPS must be positive")
	}
	if c.LedgerBurst < 1 {
		errs.Add("PROVISION_LEDGER_BURST must be >= 1")
	}
	switch c.StateBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.StatePath) == "" {
			errs.Add("PROVISION_STATE_PATH is required for the sqlite backend")
		}
	case BackendPostgres, BackendMemory:
	default:
		errs.Add(fmt.Sprintf("PROVISION_STATE_BACKEND unsupported: %q", c.StateBackend))
	}
	return errs.OrNil()
}

// SQLiteBusyTimeout is how long the local journal waits on a locked database.
const SQLiteBusyTimeout = 5 * time.Second

func issues(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}
