package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-orchestrator/internal/app"
	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type action func(ctx context.Context, a *app.App, o *options, runID string) (domain.Run, error)

func actionStop(ctx context.Context, a *app.App, o *options, runID string) (domain.Run, error) {
	return a.Runs.Stop(ctx, o.info(), runID)
}

func actionApprove(ctx context.Context, a *app.App, o *options, runID string) (domain.Run, error) {
	return a.Runs.Approve(ctx, o.info(), runID)
}

func actionInvalidate(ctx context.Context, a *app.App, o *options, runID string) (domain.Run, error) {
	return a.Runs.Invalidate(ctx, o.info(), runID)
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func newCreateCommand(o *options) *cobra.Command {
	var (
		projectID    string
		file         string
		overrideFile string
		strategy     string
		spec         compiler.Spec
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Compile a specification and submit it as a new run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if spec.Content, err = readInput(cmd, file); err != nil {
				return err
			}
			if spec.Override, err = readInput(cmd, overrideFile); err != nil {
				return err
			}
			if spec.Strategy, err = compiler.ParsePatchStrategy(strategy); err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				run, err := a.Runs.Create(ctx, o.info(), spec, compiler.Context{ProjectID: projectID})
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), o.output, run)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project id the run belongs to")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Specification file, - for stdin")
	cmd.Flags().StringVar(&overrideFile, "override", "", "Override document merged into the specification")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Override patch strategy: replace, isnull, post_merge or pre_merge")
	cmd.Flags().StringVar(&spec.Name, "name", "", "Run name, defaults to the specification name")
	cmd.Flags().StringVar(&spec.Description, "description", "", "Run description")
	cmd.Flags().StringSliceVar(&spec.Tags, "tag", nil, "Run tag, repeatable")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newGetCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				run, err := a.Backend.Store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), o.output, run)
			})
		},
	}
}

func newListCommand(o *options) *cobra.Command {
	var (
		filter   repo.RunFilter
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range statuses {
				status := domain.NormalizeStatus(raw)
				if status == "" {
					return domain.NewValidationError("unknown status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			if filter.Limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				found, err := a.Backend.Store.FindRuns(ctx, filter)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), o.output, found)
			})
		},
	}
	cmd.Flags().StringVar(&filter.ProjectID, "project", "", "Only runs of this project")
	cmd.Flags().StringVar(&filter.PipelineID, "pipeline", "", "Only children of this pipeline")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only runs in these statuses")
	cmd.Flags().StringVar(&filter.OrderBy, "order", "-created_at", "Sort column, prefix with - for descending")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of runs")
	return cmd
}

func newTransitionCommand(o *options) *cobra.Command {
	var (
		status  string
		reason  string
		message string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "transition <run-id>",
		Short: "Apply a status condition to a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				run, changed, err := a.Runs.Transition(ctx, o.info(), args[0], domain.Status(status), reason, message, force)
				if err != nil {
					return err
				}
				if !changed {
					fmt.Fprintf(cmd.ErrOrStderr(), "condition %s not applied to run %s in status %s\n", status, run.ID, run.Status)
				}
				return printRun(cmd.OutOrStdout(), o.output, run)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Target status")
	cmd.Flags().StringVar(&reason, "reason", "", "Condition reason")
	cmd.Flags().StringVar(&message, "message", "", "Condition message")
	cmd.Flags().BoolVar(&force, "force", false, "Apply even when the transition is not allowed from the current status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newActionCommand(o *options, name, short string, fn action) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				run, err := fn(ctx, a, o, args[0])
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), o.output, run)
			})
		},
	}
}

func newCloneCommand(o *options, name, short string) *cobra.Command {
	var (
		file         string
		overrideFile string
		strategy     string
		opts         compiler.CloneOptions
	)
	cmd := &cobra.Command{
		Use:   name + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Content, err = readInput(cmd, file); err != nil {
				return err
			}
			opts.Recompile = len(opts.Content) > 0
			if opts.Override, err = readInput(cmd, overrideFile); err != nil {
				return err
			}
			if opts.Strategy, err = compiler.ParsePatchStrategy(strategy); err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var run domain.Run
				var err error
				switch name {
				case "restart":
					run, err = a.Runs.Restart(ctx, o.info(), args[0], opts)
				case "copy":
					run, err = a.Runs.Copy(ctx, o.info(), args[0], opts)
				default:
					run, err = a.Runs.Resume(ctx, o.info(), args[0], opts)
				}
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), o.output, run)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Replacement specification, - for stdin")
	cmd.Flags().StringVar(&overrideFile, "override", "", "Override document merged into the specification")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Override patch strategy")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Name of the new run")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "Tag of the new run, repeatable")
	return cmd
}

func newTransferCommand(o *options) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "transfer <run-id>",
		Short: "Move a run and its children to another project of the same owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				run, err := a.Runs.Transfer(ctx, o.info(), args[0], strings.TrimSpace(projectID))
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), o.output, run)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "to", "", "Destination project id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newDeleteCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Mark a run and its children for deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Runs.Delete(ctx, o.info(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "run %s marked for deletion\n", args[0])
				return err
			})
		},
	}
}
