package admission

import (
	"errors"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

type Config struct {
	Interval          time.Duration
	MaxConcurrency    int
	MaxStopBatch      int
	MaxDeleteItems    int
	DeletionGrace     time.Duration
	CheckInterval     time.Duration
	ScheduleLookahead time.Duration
	StoppingHeartbeat time.Duration
	// PrepareRetryGrace is how long a compilable run may sit untouched before
	// prepare is published for it again.
	PrepareRetryGrace time.Duration
	MaxRetryBatch     int
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		MaxConcurrency:    50,
		MaxStopBatch:      100,
		MaxDeleteItems:    200,
		DeletionGrace:     80 * time.Second,
		CheckInterval:     time.Hour,
		ScheduleLookahead: 3 * time.Second,
		StoppingHeartbeat: 30 * time.Minute,
		PrepareRetryGrace: 2 * time.Minute,
		MaxRetryBatch:     100,
	}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	var cfg Config
	var err error
	if cfg.Interval, err = env.Duration("ANIMUS_ADMISSION_INTERVAL", def.Interval); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrency, err = env.Int("ANIMUS_MAX_CONCURRENCY", def.MaxConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.MaxStopBatch, err = env.Int("ANIMUS_ADMISSION_MAX_STOP_BATCH", def.MaxStopBatch); err != nil {
		return Config{}, err
	}
	if cfg.MaxDeleteItems, err = env.Int("ANIMUS_ADMISSION_MAX_DELETE_ITEMS", def.MaxDeleteItems); err != nil {
		return Config{}, err
	}
	if cfg.DeletionGrace, err = env.Duration("ANIMUS_ADMISSION_DELETION_GRACE", def.DeletionGrace); err != nil {
		return Config{}, err
	}
	if cfg.CheckInterval, err = env.Duration("ANIMUS_ADMISSION_CHECK_INTERVAL", def.CheckInterval); err != nil {
		return Config{}, err
	}
	if cfg.ScheduleLookahead, err = env.Duration("ANIMUS_ADMISSION_SCHEDULE_LOOKAHEAD", def.ScheduleLookahead); err != nil {
		return Config{}, err
	}
	if cfg.StoppingHeartbeat, err = env.Duration("ANIMUS_ADMISSION_STOPPING_HEARTBEAT", def.StoppingHeartbeat); err != nil {
		return Config{}, err
	}
	if cfg.PrepareRetryGrace, err = env.Duration("ANIMUS_ADMISSION_PREPARE_RETRY_GRACE", def.PrepareRetryGrace); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetryBatch, err = env.Int("ANIMUS_ADMISSION_MAX_RETRY_BATCH", def.MaxRetryBatch); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("ANIMUS_ADMISSION_INTERVAL must be positive"))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("ANIMUS_MAX_CONCURRENCY must be positive"))
	}
	if c.MaxStopBatch <= 0 {
		errs = append(errs, errors.New("ANIMUS_ADMISSION_MAX_STOP_BATCH must be positive"))
	}
	if c.MaxDeleteItems <= 0 {
		errs = append(errs, errors.New("ANIMUS_ADMISSION_MAX_DELETE_ITEMS must be positive"))
	}
	if c.MaxRetryBatch <= 0 {
		errs = append(errs, errors.New("ANIMUS_ADMISSION_MAX_RETRY_BATCH must be positive"))
	}
	if c.DeletionGrace < 0 || c.CheckInterval <= 0 || c.ScheduleLookahead < 0 || c.StoppingHeartbeat <= 0 || c.PrepareRetryGrace < 0 {
		errs = append(errs, errors.New("admission durations must not be negative"))
	}
	return errors.Join(errs...)
}
