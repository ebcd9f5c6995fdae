// Package app assembles the control plane from its configuration: the
// repository and signal queue backend, the compiler, the resolver, the
// scheduler worker, the admission controller and the run actions service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/animus-labs/animus-orchestrator/internal/admission"
	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/platform/auditlog"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/platform/objectstore"
	"github.com/animus-labs/animus-orchestrator/internal/platform/postgres"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memstore"
	repopg "github.com/animus-labs/animus-orchestrator/internal/repo/postgres"
	"github.com/animus-labs/animus-orchestrator/internal/resolver"
	"github.com/animus-labs/animus-orchestrator/internal/scheduler"
	"github.com/animus-labs/animus-orchestrator/internal/service/runs"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
	"github.com/animus-labs/animus-orchestrator/internal/versions"
)

const checkTimeout = 750 * time.Millisecond

// ErrUnavailable marks failures to reach a configured backend.
var ErrUnavailable = errors.New("backend unavailable")

// Backend is the persistence side of the control plane.
type Backend struct {
	Store repo.Store
	Queue signals.Queue
	// Auditor is nil when the store keeps no audit trail.
	Auditor runs.Auditor
	Objects versions.ObjectChecker
	Checks  []httpserver.ReadinessCheck

	db *sql.DB
}

// Memory builds an in-process backend over store.
func Memory(store *memstore.Store) *Backend {
	return &Backend{Store: store, Queue: signals.NewChannelQueue()}
}

// OpenBackend connects the configured store and artifact store.
func OpenBackend(ctx context.Context, cfg Config) (*Backend, error) {
	var b *Backend
	switch cfg.Store {
	case StoreMemory:
		b = Memory(memstore.New())
	case StorePostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("%w: database: %v", ErrUnavailable, err)
		}
		if cfg.EnsureSchema {
			if err := repopg.EnsureSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		b = &Backend{
			Store:   repopg.NewStore(db),
			Queue:   repopg.NewOutbox(db),
			Auditor: auditlog.NewRecorder(db),
			db:      db,
		}
		b.Checks = append(b.Checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, checkTimeout)
			},
		})
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.ArtifactStore == ArtifactStoreMinIO {
		client, err := objectstore.NewMinIOClient(cfg.Objects)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("%w: object store: %v", ErrUnavailable, err)
		}
		if err := objectstore.EnsureBucket(ctx, client, cfg.Objects); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		b.Objects = objectstore.NewArtifacts(client, cfg.Objects)
		b.Checks = append(b.Checks, bucketCheck(client, cfg.Objects))
	}
	return b, nil
}

func bucketCheck(client *minio.Client, cfg objectstore.Config) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{
		Name: "minio",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			return objectstore.CheckBucket(checkCtx, client, cfg)
		},
	}
}

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// App is the wired control plane.
type App struct {
	Backend    *Backend
	Compiler   *compiler.Compiler
	Resolver   *resolver.Resolver
	Manager    *scheduler.Manager
	Worker     *scheduler.Worker
	Controller *admission.Controller
	Runs       *runs.Service
	Registry   *prometheus.Registry
}

// New wires every component over b. The returned App owns no goroutines until Start.
func New(cfg Config, b *Backend, logger *slog.Logger) (*App, error) {
	if b == nil || b.Store == nil || b.Queue == nil {
		return nil, errors.New("backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := compiler.New(cfg.Compiler, b.Store, b.Store)
	var versionResolver resolver.VersionResolver
	if vr := versions.New(b.Store, b.Store, b.Objects, cfg.Resolver.ArtifactsRoot); vr != nil {
		versionResolver = vr
	}
	res := resolver.New(cfg.Resolver, b.Store, c, versionResolver, nil, logger)
	manager := scheduler.NewManager(b.Store, res, b.Queue, logger)
	worker := scheduler.NewWorker(cfg.Worker, manager, b.Queue, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	controller := admission.New(cfg.Admission, b.Store, b.Queue, reg, logger)
	service := runs.New(b.Store, c, b.Queue, b.Auditor, logger)

	if c == nil || res == nil || manager == nil || worker == nil || controller == nil || service == nil {
		return nil, errors.New("incomplete control plane wiring")
	}
	return &App{
		Backend:    b,
		Compiler:   c,
		Resolver:   res,
		Manager:    manager,
		Worker:     worker,
		Controller: controller,
		Runs:       service,
		Registry:   reg,
	}, nil
}

// Start runs the scheduler worker and the admission controller until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Worker.Start(ctx)
	a.Controller.Start(ctx)
}
