package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nstogner/sectoragent/pkg/domain"
)

// Recorder publishes execution metrics to an OpenTelemetry meter.
type Recorder struct {
	executions  metric.Int64Counter
	tokens      metric.Int64Counter
	toolCalls   metric.Int64Counter
	ragHits     metric.Int64Counter
	duration    metric.Float64Histogram
	llmDuration metric.Float64Histogram
	ragDuration metric.Float64Histogram
}

// NewRecorder creates the instruments on meter. A nil meter uses the global
// provider.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter("sectoragent/agent")
	}
	var (
		r   Recorder
		err error
	)
	if r.executions, err = meter.Int64Counter("agent.executions"); err != nil {
		return nil, fmt.Errorf("executions counter: %w", err)
	}
	if r.tokens, err = meter.Int64Counter("agent.tokens"); err != nil {
		return nil, fmt.Errorf("tokens counter: %w", err)
	}
	if r.toolCalls, err = meter.Int64Counter("agent.tool.calls"); err != nil {
		return nil, fmt.Errorf("tool calls counter: %w", err)
	}
	if r.ragHits, err = meter.Int64Counter("agent.rag.hits"); err != nil {
		return nil, fmt.Errorf("rag hits counter: %w", err)
	}
	if r.duration, err = meter.Float64Histogram("agent.execution.duration", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("execution histogram: %w", err)
	}
	if r.llmDuration, err = meter.Float64Histogram("agent.llm.duration", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("llm histogram: %w", err)
	}
	if r.ragDuration, err = meter.Float64Histogram("agent.rag.duration", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("rag histogram: %w", err)
	}
	return &r, nil
}

// RecordExecution records one finished turn.
func (r *Recorder) RecordExecution(ctx context.Context, m domain.AgentMetrics) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("sector", m.Sector),
		attribute.Bool("success", m.IsSuccessful),
	)
	r.executions.Add(ctx, 1, attrs)
	r.duration.Record(ctx, m.TotalExecutionTimeMs, attrs)
	r.llmDuration.Record(ctx, m.LLMExecutionTimeMs, attrs)
	r.ragDuration.Record(ctx, m.RAGSearchTimeMs, attrs)
	r.tokens.Add(ctx, int64(m.InputTokens), metric.WithAttributes(attribute.String("direction", "input")))
	r.tokens.Add(ctx, int64(m.OutputTokens), metric.WithAttributes(attribute.String("direction", "output")))
	if m.RAGHitRate {
		r.ragHits.Add(ctx, 1, attrs)
	}
}

// RecordToolCall records one tool invocation.
func (r *Recorder) RecordToolCall(ctx context.Context, name string, success bool) {
	if r == nil {
		return
	}
	r.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", name),
		attribute.Bool("success", success),
	))
}
