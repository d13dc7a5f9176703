package cli

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"voxprov/internal/core"
	"voxprov/internal/metrics"
	"voxprov/internal/pipeline"
	"voxprov/internal/state"
)

// logObserver reports step progress to the structured log.
type logObserver struct {
	logger *zap.Logger
}

func (o logObserver) OnStepStart(index int, step core.Step) {
	o.logger.Info("step started",
		zap.Int("index", index),
		zap.String("step", step.Name),
		zap.String("kind", step.Kind),
		zap.String("op", step.Describe()))
}

func (o logObserver) OnStepTerminal(index int, step core.Step, st pipeline.StepState, res *core.RunResult, elapsed time.Duration) {
	fields := []zap.Field{
		zap.Int("index", index),
		zap.String("step", step.Name),
		zap.String("state", string(st)),
		zap.Duration("elapsed", elapsed),
	}
	if res != nil {
		fields = append(fields, zap.String("key", res.Key.Short()))
		if res.Entries > 0 {
			fields = append(fields, zap.Int("entries", res.Entries))
		}
	}
	switch st {
	case pipeline.StepFailed:
		if res != nil {
			fields = append(fields, zap.Int("exit_code", res.ExitCode))
		}
		o.logger.Error("step failed", fields...)
	case pipeline.StepSkipped:
		o.logger.Warn("step skipped", fields...)
	default:
		o.logger.Info("step finished", fields...)
	}
}

// metricsObserver counts terminal steps.
type metricsObserver struct{}

func (metricsObserver) OnStepStart(int, core.Step) {}

func (metricsObserver) OnStepTerminal(_ int, step core.Step, st pipeline.StepState, _ *core.RunResult, elapsed time.Duration) {
	metrics.RecordStep(step.Kind, string(st), elapsed)
}

// stepCollector accumulates the records persisted in steps.json.
type stepCollector struct {
	mu      sync.Mutex
	records map[int]state.StepRecord
}

func newStepCollector() *stepCollector {
	return &stepCollector{records: map[int]state.StepRecord{}}
}

func (c *stepCollector) OnStepStart(int, core.Step) {}

func (c *stepCollector) OnStepTerminal(index int, step core.Step, st pipeline.StepState, res *core.RunResult, elapsed time.Duration) {
	rec := state.StepRecord{
		Index:      index,
		Name:       step.Name,
		Kind:       step.Kind,
		State:      string(st),
		DurationMS: elapsed.Milliseconds(),
	}
	if res != nil {
		rec.Key = res.Key.String()
		rec.ExitCode = res.ExitCode
	}
	c.mu.Lock()
	c.records[index] = rec
	c.mu.Unlock()
}

// Records returns the collected records in step order.
func (c *stepCollector) Records() []state.StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]state.StepRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
