// Package executor runs workflow definitions as layered DAGs: independent
// steps execute concurrently on a bounded pool, dependent steps see the
// outputs of everything upstream, and the first failure cancels the run.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/internal/connectors"
	"github.com/meridianhq/meridian/internal/dag"
	"github.com/meridianhq/meridian/internal/db"
	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/workflow"
)

const defaultPoolWidth = 4

// StepRecorder persists per-step execution rows. Best effort; the executor
// never fails a run because a record could not be written.
type StepRecorder interface {
	RecordStep(ctx context.Context, step *db.ExecutionStep)
}

// StepUpdate is delivered to Run.OnStep after each step completes.
type StepUpdate struct {
	StepID   string
	Platform string
	Tool     string
	Success  bool
	Error    string
	Duration time.Duration
}

// Run carries the per-invocation context of a workflow execution.
type Run struct {
	RunID       string
	TenantID    string
	UserID      string
	Inputs      map[string]any
	Credentials map[string]connectors.Credentials
	OnStep      func(StepUpdate)
}

// Result is the assembled outcome of a completed run.
type Result struct {
	Output   any
	Steps    map[string]any
	Duration time.Duration
}

// StepError identifies which step failed a run.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor executes workflow definitions through the connector registry.
type Executor struct {
	registry *connectors.Registry
	recorder StepRecorder
	logger   *zap.Logger
	width    int
}

// Option configures an Executor.
type Option func(*Executor)

// WithPoolWidth bounds how many steps of one layer run concurrently.
func WithPoolWidth(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.width = n
		}
	}
}

func New(registry *connectors.Registry, recorder StepRecorder, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		recorder: recorder,
		logger:   logger,
		width:    defaultPoolWidth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every step of def in dependency order and assembles the
// output per def.Output. The first failing step cancels in-flight siblings
// and skips all remaining layers.
func (e *Executor) Execute(ctx context.Context, def *workflow.Definition, run Run) (*Result, error) {
	deps := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		deps[step.ID] = step.DependsOn
	}
	graph, err := dag.Build(deps)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", def.Name, err)
	}
	layers, err := graph.Layers()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", def.Name, err)
	}

	start := time.Now()
	stepOutputs := make(map[string]any, len(def.Steps))

	for _, layer := range layers {
		// Steps within a layer cannot reference each other, so they all
		// interpolate against the same snapshot.
		snapshot := map[string]any{
			"inputs": run.Inputs,
			"steps":  stepOutputs,
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.width)
		for _, stepID := range layer {
			step := def.StepByID(stepID)
			if step == nil {
				return nil, fmt.Errorf("workflow %s: unknown step %q", def.Name, stepID)
			}
			g.Go(func() error {
				output, err := e.runStep(gctx, step, run, snapshot)
				if err != nil {
					return &StepError{StepID: step.ID, Err: err}
				}
				mu.Lock()
				stepOutputs[step.ID] = output
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			metrics.RecordWorkflow(def.Name, "failed", time.Since(start).Seconds())
			return nil, err
		}
	}

	elapsed := time.Since(start)
	metrics.RecordWorkflow(def.Name, "ok", elapsed.Seconds())

	output, err := assembleOutput(def, stepOutputs)
	if err != nil {
		return nil, err
	}
	return &Result{Output: output, Steps: stepOutputs, Duration: elapsed}, nil
}

func (e *Executor) runStep(ctx context.Context, step *workflow.Step, run Run, snapshot map[string]any) (any, error) {
	started := time.Now()

	output, err := e.callStep(ctx, step, run, snapshot)

	elapsed := time.Since(started)
	status := "ok"
	errMsg := ""
	if err != nil {
		status = "failed"
		errMsg = err.Error()
	}
	metrics.RecordStep(step.Platform, step.Tool, status, elapsed.Seconds())
	e.recordStep(ctx, step, run, started, elapsed, errMsg)

	if run.OnStep != nil {
		run.OnStep(StepUpdate{
			StepID:   step.ID,
			Platform: step.Platform,
			Tool:     step.Tool,
			Success:  err == nil,
			Error:    errMsg,
			Duration: elapsed,
		})
	}

	e.logger.Debug("workflow step finished",
		zap.String("run_id", run.RunID),
		zap.String("step_id", step.ID),
		zap.String("platform", step.Platform),
		zap.String("tool", step.Tool),
		zap.String("status", status),
		zap.Duration("duration", elapsed))
	return output, err
}

func (e *Executor) callStep(ctx context.Context, step *workflow.Step, run Run, snapshot map[string]any) (any, error) {
	params, err := interpolate(step.Params, snapshot)
	if err != nil {
		return nil, err
	}

	result, err := e.registry.Execute(ctx, step.Platform, step.Tool, params, run.Credentials[step.Platform])
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("%s.%s: %s", step.Platform, step.Tool, result.Error)
	}

	data, err := applyTransform(step.Transform, result.Data)
	if err != nil {
		return nil, err
	}
	return applyAggregate(step.Aggregate, data)
}

func (e *Executor) recordStep(ctx context.Context, step *workflow.Step, run Run, started time.Time, elapsed time.Duration, errMsg string) {
	if e.recorder == nil {
		return
	}
	row := &db.ExecutionStep{
		ID:         uuid.New(),
		RunID:      run.RunID,
		StepID:     step.ID,
		Platform:   step.Platform,
		Tool:       step.Tool,
		Success:    errMsg == "",
		DurationMs: elapsed.Milliseconds(),
		StartedAt:  started,
	}
	completed := started.Add(elapsed)
	row.CompletedAt = &completed
	if errMsg != "" {
		row.ErrorMessage = &errMsg
	}
	e.recorder.RecordStep(ctx, row)
}

// assembleOutput shapes the final response. Table output projects columns
// from the last step's rows, unified_view stitches named sections from step
// outputs, and the default is the raw step-output map.
func assembleOutput(def *workflow.Definition, stepOutputs map[string]any) (any, error) {
	spec := def.Output
	if spec == nil || spec.Format == workflow.FormatRaw {
		return stepOutputs, nil
	}

	switch spec.Format {
	case workflow.FormatTable:
		last := def.Steps[len(def.Steps)-1]
		rows := asRows(stepOutputs[last.ID])
		projected := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			item, ok := row.(map[string]any)
			if !ok {
				continue
			}
			cells := make(map[string]any, len(spec.Columns))
			for _, col := range spec.Columns {
				cells[col] = item[col]
			}
			projected = append(projected, cells)
		}
		return map[string]any{
			"format":  "table",
			"columns": spec.Columns,
			"rows":    projected,
		}, nil

	case workflow.FormatUnifiedView:
		sections := make([]map[string]any, 0, len(spec.Sections))
		for _, section := range spec.Sections {
			data, ok := stepOutputs[section.Step]
			if !ok {
				return nil, fmt.Errorf("output section %q references unknown step %q", section.Title, section.Step)
			}
			sections = append(sections, map[string]any{
				"title": section.Title,
				"step":  section.Step,
				"data":  data,
			})
		}
		return map[string]any{
			"format":   "unified_view",
			"sections": sections,
		}, nil

	default:
		return nil, fmt.Errorf("unknown output format %q", spec.Format)
	}
}
