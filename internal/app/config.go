package app

import (
	"errors"
	"fmt"

	"github.com/animus-labs/animus-orchestrator/internal/admission"
	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/platform/objectstore"
	"github.com/animus-labs/animus-orchestrator/internal/platform/postgres"
	"github.com/animus-labs/animus-orchestrator/internal/resolver"
	"github.com/animus-labs/animus-orchestrator/internal/scheduler"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
)

type ArtifactStoreKind string

const (
	ArtifactStoreDisabled ArtifactStoreKind = "disabled"
	ArtifactStoreMinIO    ArtifactStoreKind = "minio"
)

// Config is the complete environment-derived configuration of a control plane process.
type Config struct {
	Store         StoreKind
	EnsureSchema  bool
	ArtifactStore ArtifactStoreKind

	Postgres  postgres.Config
	Objects   objectstore.Config
	Compiler  compiler.Config
	Resolver  resolver.Config
	Worker    scheduler.WorkerConfig
	Admission admission.Config
}

func ConfigFromEnv() (Config, error) {
	ensure, err := env.Bool("ANIMUS_ENSURE_SCHEMA", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Store:         StoreKind(env.String("ANIMUS_STORE", string(StorePostgres))),
		EnsureSchema:  ensure,
		ArtifactStore: ArtifactStoreKind(env.String("ANIMUS_ARTIFACT_STORE", string(ArtifactStoreDisabled))),
	}
	if cfg.Store == StorePostgres {
		if cfg.Postgres, err = postgres.ConfigFromEnv(); err != nil {
			return Config{}, fmt.Errorf("database: %w", err)
		}
	}
	if cfg.ArtifactStore == ArtifactStoreMinIO {
		if cfg.Objects, err = objectstore.ConfigFromEnv(); err != nil {
			return Config{}, fmt.Errorf("object store: %w", err)
		}
	}
	if cfg.Compiler, err = compiler.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("compiler: %w", err)
	}
	if cfg.Resolver, err = resolver.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("resolver: %w", err)
	}
	if cfg.Worker, err = scheduler.WorkerConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("worker: %w", err)
	}
	if cfg.Admission, err = admission.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("admission: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if err := c.Postgres.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("ANIMUS_STORE: unknown store %q", c.Store))
	}
	switch c.ArtifactStore {
	case ArtifactStoreDisabled:
	case ArtifactStoreMinIO:
		if err := c.Objects.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("ANIMUS_ARTIFACT_STORE: unknown artifact store %q", c.ArtifactStore))
	}
	return errors.Join(errs...)
}
