package resolver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

// defaultCacheNamespace seeds fingerprints of runs whose project id is not a uuid.
var defaultCacheNamespace = uuid.MustParse("6f1d3c1e-2b8e-4d6b-9a63-5b1b0f3c9e21")

type Config struct {
	CacheNamespace  uuid.UUID
	DefaultCacheTTL time.Duration
	ArtifactsRoot   string
	// Connections lists the connection names runs may reference. Empty allows any.
	Connections []string
}

func ConfigFromEnv() (Config, error) {
	namespace := defaultCacheNamespace
	if raw := strings.TrimSpace(env.String("ANIMUS_CACHE_NAMESPACE", "")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ANIMUS_CACHE_NAMESPACE: %w", err)
		}
		namespace = parsed
	}
	ttl, err := env.Duration("ANIMUS_CACHE_TTL", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		CacheNamespace:  namespace,
		DefaultCacheTTL: ttl,
		ArtifactsRoot:   env.String("ANIMUS_ARTIFACTS_ROOT", "/artifacts"),
		Connections:     env.List("ANIMUS_CONNECTIONS", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.CacheNamespace == uuid.Nil {
		return errors.New("ANIMUS_CACHE_NAMESPACE must not be the nil uuid")
	}
	if c.DefaultCacheTTL < 0 {
		return errors.New("ANIMUS_CACHE_TTL must be >= 0")
	}
	if strings.TrimSpace(c.ArtifactsRoot) == "" {
		return errors.New("ANIMUS_ARTIFACTS_ROOT is required")
	}
	return nil
}

// DefaultConfig is the configuration used when nothing is set in the environment.
func DefaultConfig() Config {
	return Config{CacheNamespace: defaultCacheNamespace, ArtifactsRoot: "/artifacts"}
}
