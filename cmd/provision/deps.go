package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/charity-dao/provisioner/internal/app"
	"github.com/charity-dao/provisioner/internal/config"
	"github.com/charity-dao/provisioner/internal/execution/executor"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/ledger"
	"github.com/charity-dao/provisioner/internal/ledger/simulated"
	"github.com/charity-dao/provisioner/internal/platform/auditlog"
	"github.com/charity-dao/provisioner/internal/platform/objectstore"
	"github.com/charity-dao/provisioner/internal/platform/postgres"
	sqlitedb "github.com/charity-dao/provisioner/internal/platform/sqlite"
	"github.com/charity-dao/provisioner/internal/repo"
	"github.com/charity-dao/provisioner/internal/repo/memory"
	pgrepo "github.com/charity-dao/provisioner/internal/repo/postgres"
	sqliterepo "github.com/charity-dao/provisioner/internal/repo/sqlite"
	"github.com/charity-dao/provisioner/internal/service/provisioning"
	"github.com/charity-dao/provisioner/internal/verify"
)

const auditActor = "provisioner"

// deps owns every process-level resource a command needs.
type deps struct {
	rt     config.Runtime
	logger *slog.Logger

	store    repo.Store
	audit    provisioning.AuditSink
	ledger   *simulated.Ledger
	client   ledger.Client
	uploader *objectstore.MinioStore
	db       *sql.DB
}

func openDeps(ctx context.Context, rt config.Runtime, logger *slog.Logger) (*deps, error) {
	d := &deps{rt: rt, logger: logger}
	if err := d.openStore(ctx); err != nil {
		d.close()
		return nil, err
	}

	l, err := simulated.Load(rt.LedgerPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("starting with an empty ledger", "path", rt.LedgerPath)
		l = simulated.New()
	case err != nil:
		d.close()
		return nil, fmt.Errorf("load ledger state: %w", err)
	}
	l.PersistTo(rt.LedgerPath)
	d.ledger = l
	d.client = ledger.RateLimited(l, rate.NewLimiter(rate.Limit(rt.LedgerRPS), rt.LedgerBurst))

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		d.close()
		return nil, &config.InvalidError{Issues: []string{fmt.Sprintf("report bucket: %v", err)}}
	}
	if storeCfg.Enabled() {
		uploader, err := objectstore.NewMinioStore(storeCfg)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("report bucket: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = uploader.EnsureBucket(startupCtx)
		cancel()
		if err != nil {
			logger.Warn("report bucket unavailable; reports will not be published", "error", err)
		} else {
			d.uploader = uploader
		}
	}
	return d, nil
}

func (d *deps) openStore(ctx context.Context) error {
	switch d.rt.StateBackend {
	case config.BackendMemory:
		d.store = memory.New()
		d.logger.Warn("run state is kept in memory and lost on exit")

	case config.BackendSQLite:
		db, err := sqlitedb.Open(ctx, sqlitedb.Config{Path: d.rt.StatePath, BusyTimeout: config.SQLiteBusyTimeout})
		if err != nil {
			return fmt.Errorf("open run state: %w", err)
		}
		d.db = db
		store := sqliterepo.New(db)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		d.store = store

	case config.BackendPostgres:
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return &config.InvalidError{Issues: []string{fmt.Sprintf("database: %v", err)}}
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("open run state: %w", err)
		}
		d.db = db
		if err := pgrepo.Migrate(ctx, db); err != nil {
			return err
		}
		if err := auditlog.Migrate(ctx, db); err != nil {
			return err
		}
		d.store = pgrepo.NewStore(db)
		d.audit = auditlog.Recorder{DB: db, Actor: auditActor}

	default:
		return &config.InvalidError{Issues: []string{fmt.Sprintf("unsupported state backend %q", d.rt.StateBackend)}}
	}
	return nil
}

// workflow wires the executor, orchestrator and verifier for deployer.
func (d *deps) workflow(deployer string, maxParallel int, reportPath string) (*app.Workflow, error) {
	exec, err := executor.New(d.client, d.store, executor.Options{
		Policy:   d.rt.Retry,
		Deployer: deployer,
		Logger:   d.logger,
	})
	if err != nil {
		return nil, err
	}
	if maxParallel <= 0 {
		maxParallel = d.rt.MaxParallel
	}
	svc, err := provisioning.New(d.store, exec, provisioning.Options{
		MaxParallel: maxParallel,
		Logger:      d.logger,
		Audit:       d.audit,
	})
	if err != nil {
		return nil, err
	}
	w := &app.Workflow{
		Runs:       svc,
		Verifier:   verify.New(d.client, d.logger),
		ReportPath: reportPath,
		Logger:     d.logger,
	}
	if d.uploader != nil {
		w.Uploader = d.uploader
	}
	return w, nil
}

// persistedPlan loads the plan stored with runID, or with the latest run when
// runID is empty.
func (d *deps) persistedPlan(ctx context.Context, runID string) (string, plan.Plan, error) {
	var (
		run repo.RunRecord
		err error
	)
	if runID == "" {
		run, err = d.store.LatestRun(ctx)
	} else {
		run, err = d.store.GetRun(ctx, runID)
	}
	if err != nil {
		return "", plan.Plan{}, fmt.Errorf("load run %q: %w", runID, err)
	}
	p, err := plan.Unmarshal(run.Plan)
	if err != nil {
		return "", plan.Plan{}, fmt.Errorf("load run %s: %w", run.ID, err)
	}
	return run.ID, p, nil
}

func (d *deps) close() {
	if d.db != nil {
		_ = d.db.Close()
	}
}
