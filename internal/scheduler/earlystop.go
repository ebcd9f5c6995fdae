package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

const (
	reasonEarlyStoppingFailure = "EarlyStoppingFailure"
	reasonEarlyStoppingMetric  = "EarlyStoppingMetric"

	earlyStopMessage = "Pipeline met an early stopping condition."
)

// earlyStop evaluates the pipeline's policies against its children and
// returns the reason of the first policy that triggers.
func earlyStop(policies []domain.EarlyStopping, children []domain.Run) (string, bool) {
	if len(children) == 0 {
		return "", false
	}
	percent, hasFailure := math.Inf(1), false
	for _, p := range policies {
		if p.Kind == domain.EarlyStoppingFailure {
			percent, hasFailure = math.Min(percent, p.Percent), true
		}
	}
	if hasFailure {
		failed := 0
		for _, child := range children {
			if child.Status.IsFailed() {
				failed++
			}
		}
		if failed > 0 && float64(failed)/float64(len(children)) >= percent/100 {
			return reasonEarlyStoppingFailure, true
		}
	}
	for _, p := range policies {
		if p.Kind != domain.EarlyStoppingMetric || p.Metric == "" {
			continue
		}
		for _, child := range children {
			value, ok := metricValue(child.Outputs, p.Metric)
			if !ok {
				continue
			}
			if p.Optimization == "minimize" && value <= p.Value {
				return reasonEarlyStoppingMetric, true
			}
			if p.Optimization != "minimize" && value >= p.Value {
				return reasonEarlyStoppingMetric, true
			}
		}
	}
	return "", false
}

func metricValue(outputs domain.Metadata, metric string) (float64, bool) {
	switch v := outputs[metric].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// stopEarly moves the pipeline to stopping when one of its early stopping
// policies triggers, then stops the remaining children.
func (m *Manager) stopEarly(ctx context.Context, pipeline domain.Run, children []domain.Run) error {
	compiled, err := domain.DecodeContent(pipeline.Content)
	if err != nil {
		m.log("early stopping skipped", "run_id", pipeline.ID, "error", err)
		return nil
	}
	reason, ok := earlyStop(compiled.EarlyStoppingPolicies(), children)
	if !ok {
		return nil
	}
	if _, err := m.transition(ctx, &pipeline, domain.StatusStopping, reason, earlyStopMessage); err != nil {
		return fmt.Errorf("early stop pipeline: %w", err)
	}
	return m.Stop(ctx, pipeline.ID)
}
