package compiler

import (
	"fmt"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

// Config holds the allow-set managed runs are checked against. Empty sets allow everything.
type Config struct {
	AllowedKinds    []domain.RunKind
	AllowedRuntimes []domain.Runtime
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{}
	for _, kind := range env.List("ANIMUS_ALLOWED_KINDS", nil) {
		cfg.AllowedKinds = append(cfg.AllowedKinds, domain.RunKind(kind))
	}
	for _, runtime := range env.List("ANIMUS_ALLOWED_RUNTIMES", nil) {
		cfg.AllowedRuntimes = append(cfg.AllowedRuntimes, domain.Runtime(runtime))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for _, kind := range c.AllowedKinds {
		switch kind {
		case domain.RunKindJob, domain.RunKindService, domain.RunKindDAG, domain.RunKindMatrix,
			domain.RunKindSchedule, domain.RunKindTuner, domain.RunKindNotifier, domain.RunKindCleaner:
		default:
			return fmt.Errorf("ANIMUS_ALLOWED_KINDS: unknown kind %q", kind)
		}
	}
	return nil
}
