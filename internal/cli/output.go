package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type runView struct {
	ID           string     `json:"id" yaml:"id"`
	ProjectID    string     `json:"project_id" yaml:"project_id"`
	Name         string     `json:"name,omitempty" yaml:"name,omitempty"`
	Kind         string     `json:"kind" yaml:"kind"`
	Runtime      string     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Status       string     `json:"status" yaml:"status"`
	Pending      string     `json:"pending,omitempty" yaml:"pending,omitempty"`
	LiveState    string     `json:"live_state,omitempty" yaml:"live_state,omitempty"`
	CloningKind  string     `json:"cloning_kind,omitempty" yaml:"cloning_kind,omitempty"`
	OriginalID   string     `json:"original_id,omitempty" yaml:"original_id,omitempty"`
	PipelineID   string     `json:"pipeline_id,omitempty" yaml:"pipeline_id,omitempty"`
	ControllerID string     `json:"controller_id,omitempty" yaml:"controller_id,omitempty"`
	Tags         []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Message      string     `json:"message,omitempty" yaml:"message,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Duration     int64      `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func viewOf(run domain.Run) runView {
	v := runView{
		ID:           run.ID,
		ProjectID:    run.ProjectID,
		Name:         run.Name,
		Kind:         string(run.Kind),
		Runtime:      string(run.Runtime),
		Status:       string(run.Status),
		Pending:      string(run.Pending),
		LiveState:    string(run.LiveState),
		CloningKind:  string(run.CloningKind),
		OriginalID:   run.OriginalID,
		PipelineID:   run.PipelineID,
		ControllerID: run.ControllerID,
		Tags:         run.Tags,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Duration:     run.Duration,
	}
	if cond, ok := run.LatestCondition(); ok {
		v.Message = cond.Message
	}
	return v
}

func printRun(w io.Writer, format string, run domain.Run) error {
	v := viewOf(run)
	return render(w, format, v, []runView{v})
}

func printRuns(w io.Writer, format string, found []domain.Run) error {
	views := make([]runView, 0, len(found))
	for _, run := range found {
		views = append(views, viewOf(run))
	}
	return render(w, format, views, views)
}

func render(w io.Writer, format string, body any, rows []runView) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(body)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(body); err != nil {
			return err
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATUS\tPENDING\tCREATED")
	for _, v := range rows {
		pending := v.Pending
		if pending == "" {
			pending = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Kind, v.Status, pending, humanize.Time(v.CreatedAt))
	}
	return tw.Flush()
}
