// Package cli implements animusctl, the operator command line for run control actions.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-orchestrator/internal/app"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/platform/requestid"
	"github.com/animus-labs/animus-orchestrator/internal/service/runs"
)

const service = "animusctl"

// Opener connects to the control plane. The returned closer releases the backend.
type Opener func(ctx context.Context, logger *slog.Logger) (*app.App, io.Closer, error)

// Execute runs animusctl against the backend configured in the environment.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return NewRootCommand(OpenFromEnv).ExecuteContext(ctx)
}

// OpenFromEnv wires the control plane from ANIMUS_* and DATABASE_* variables.
func OpenFromEnv(ctx context.Context, logger *slog.Logger) (*app.App, io.Closer, error) {
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return a, backend, nil
}

type options struct {
	open      Opener
	actor     string
	requestID string
	output    string
}

func (o *options) info() runs.AuditInfo {
	id := requestid.Sanitize(o.requestID)
	if id == "" {
		id = requestid.New()
	}
	return runs.AuditInfo{Actor: o.actor, RequestID: id, Service: service}
}

// withApp opens the control plane for the duration of fn.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	if o.actor == "" {
		return errors.New("--actor is required")
	}
	switch o.output {
	case outputTable, outputJSON, outputYAML:
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
	logger := newLogger(cmd.ErrOrStderr())
	a, closer, err := o.open(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	return fn(cmd.Context(), a)
}

func newLogger(w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	if raw := env.String("ANIMUS_LOG_LEVEL", ""); raw != "" {
		_ = level.UnmarshalText([]byte(raw))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})).With("service", service)
}

// NewRootCommand builds the command tree over open.
func NewRootCommand(open Opener) *cobra.Command {
	o := &options{open: open}

	cmd := &cobra.Command{
		Use:   "animusctl",
		Short: "Control runs managed by the Animus orchestrator",
		Long: `Control runs managed by the Animus orchestrator.

Commands write to the configured store and publish scheduler signals; the
scheduler process picks them up asynchronously.

Examples:
  animusctl create --project p1 -f train.yaml
  animusctl list --project p1 --status running
  animusctl approve 7c1e...`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&o.actor, "actor", os.Getenv("USER"), "Actor recorded on audit events")
	flags.StringVar(&o.requestID, "request-id", "", "Correlation id recorded on audit events")
	flags.StringVarP(&o.output, "output", "o", outputTable, "Output format: table, json or yaml")

	cmd.AddCommand(
		newCreateCommand(o),
		newGetCommand(o),
		newListCommand(o),
		newTransitionCommand(o),
		newActionCommand(o, "stop", "Stop a run and its pipeline children", actionStop),
		newActionCommand(o, "approve", "Approve a run waiting for approval or upload", actionApprove),
		newActionCommand(o, "invalidate", "Clear a run's cache state so it is not reused", actionInvalidate),
		newCloneCommand(o, "restart", "Restart a run as a new run"),
		newCloneCommand(o, "copy", "Copy a run into a new run"),
		newCloneCommand(o, "resume", "Resume a done run in place"),
		newTransferCommand(o),
		newDeleteCommand(o),
	)
	return cmd
}
