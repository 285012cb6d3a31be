// Package agent runs conversational turns: it retrieves context, calls the
// language model, keeps the conversation memory current and assembles the
// metrics record for every execution.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/sectoragent/pkg/domain"
	"github.com/nstogner/sectoragent/pkg/memory"
	"github.com/nstogner/sectoragent/pkg/metrics"
	"github.com/nstogner/sectoragent/pkg/model"
	"github.com/nstogner/sectoragent/pkg/retrieval"
	"github.com/nstogner/sectoragent/pkg/tools"
)

// DefaultSystemPrompt is used when neither the conversation nor the config
// sets one.
const DefaultSystemPrompt = "You are an intelligent and helpful assistant. " +
	"Answer the user's questions clearly, concisely and accurately. " +
	"Use the available tools when necessary to obtain up-to-date information."

// maxEnrichmentSnippets caps how many retrieved snippets are added to the input.
const maxEnrichmentSnippets = 3

// ErrClosed is reported by turns started after Close.
var ErrClosed = errors.New("agent is closed")

// Config holds the tunables of an Agent. Zero values select the defaults.
type Config struct {
	Name            string
	Model           string
	SystemPrompt    string
	Temperature     float64
	MaxTokens       int
	TopK            int
	// Threshold is the minimum retrieval score. nil selects
	// retrieval.DefaultThreshold; a zero value accepts every result.
	Threshold       *float64
	Namespace       string
	ContextMessages int
	// MaxToolRounds bounds the tool calls the model may request in one turn.
	MaxToolRounds int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "sectoragent"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.TopK <= 0 {
		c.TopK = retrieval.DefaultTopK
	}
	if c.Threshold == nil {
		t := retrieval.DefaultThreshold
		c.Threshold = &t
	}
	if c.Namespace == "" {
		c.Namespace = retrieval.DefaultNamespace
	}
	if c.ContextMessages <= 0 {
		c.ContextMessages = memory.DefaultContextMessages
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 3
	}
	return c
}

// Deps are the collaborators of an Agent. Memory and Provider are required.
type Deps struct {
	Memory    *memory.Store
	Provider  model.Provider
	Retriever retrieval.Gateway
	Tools     *tools.Registry
	Recorder  *metrics.Recorder
	Logger    *slog.Logger
}

// Agent executes turns. A single Agent serves many conversations
// concurrently; Status reports the state of the most recent transition.
type Agent struct {
	cfg       Config
	memory    *memory.Store
	provider  model.Provider
	retriever retrieval.Gateway
	tools     *tools.Registry
	recorder  *metrics.Recorder
	logger    *slog.Logger

	mu     sync.Mutex
	status domain.AgentStatus
	closed bool
}

// New creates an Agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Memory == nil {
		return nil, errors.New("agent: memory store is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("agent: model provider is required")
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if t := *cfg.Threshold; t < 0 || t > 1 {
		return nil, fmt.Errorf("agent: threshold %v outside [0,1]", t)
	}
	return &Agent{
		cfg:       cfg,
		memory:    deps.Memory,
		provider:  deps.Provider,
		retriever: deps.Retriever,
		tools:     deps.Tools,
		recorder:  deps.Recorder,
		logger:    deps.Logger.With("agent", cfg.Name),
		status:    domain.StatusIdle,
	}, nil
}

// ExecuteRequest is the input of one turn.
type ExecuteRequest struct {
	ConversationID int64
	UserInput      string
	// UserMessageID is the durable id of the user message, if persisted.
	UserMessageID int64
	// SystemPrompt overrides the configured system prompt when set.
	SystemPrompt string
	// UseTools lets the model request tool calls during the turn.
	UseTools bool
	Sector   string
	UserID   int64
}

// ExecutionResult is the outcome of one turn. Failed turns are reported
// with Success=false and a human-readable Response.
type ExecutionResult struct {
	Success         bool                `json:"success"`
	Response        string              `json:"response"`
	ExecutionID     string              `json:"execution_id"`
	ExecutionTimeMs float64             `json:"execution_time_ms"`
	TokensUsed      int                 `json:"tokens_used"`
	InputTokens     int                 `json:"input_tokens"`
	OutputTokens    int                 `json:"output_tokens"`
	ToolCalls       []domain.ToolCall   `json:"tool_calls,omitempty"`
	Metrics         domain.AgentMetrics `json:"metrics"`
	Metadata        map[string]any      `json:"metadata"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Execute runs one turn. It never panics and never returns an error: every
// failure is reported in the result.
func (a *Agent) Execute(ctx context.Context, req ExecuteRequest) (res ExecutionResult) {
	start := time.Now()
	m := metrics.Measurements{
		ConversationID: req.ConversationID,
		ExecutionID:    uuid.NewString(),
		UserInput:      req.UserInput,
		InputText:      req.UserInput,
		Sector:         req.Sector,
		UserID:         req.UserID,
		Timestamp:      start,
	}
	log := a.logger.With("conversationID", req.ConversationID, "executionID", m.ExecutionID)

	defer func() {
		if v := recover(); v != nil {
			log.Error("Agent execution panicked", "panic", v)
			res = a.fail(ctx, &m, start, fmt.Errorf("unexpected fault: %v", v))
		}
	}()

	if a.isClosed() {
		return a.fail(ctx, &m, start, ErrClosed)
	}

	a.setStatus(domain.StatusThinking)
	history := a.memory.Context(req.ConversationID, a.cfg.ContextMessages)
	a.memory.AddEntry(req.ConversationID, domain.RoleUser, req.UserInput, memory.WithEntryID(req.UserMessageID))

	results, elapsed := a.retrieve(ctx, req.UserInput, log)
	m.Retrieval = elapsed
	m.RAG = metrics.SummarizeRetrieval(req.UserInput, *a.cfg.Threshold, results)
	if err := ctx.Err(); err != nil {
		return a.fail(ctx, &m, start, fmt.Errorf("cancelled during retrieval: %w", err))
	}

	input := Enrich(req.UserInput, results)
	m.InputText = input

	a.setStatus(domain.StatusExecuting)
	response, err := a.generate(ctx, req, history, input, &m)
	if err != nil {
		log.Error("Generation failed", "error", err)
		return a.fail(ctx, &m, start, err)
	}
	if err := ctx.Err(); err != nil {
		return a.fail(ctx, &m, start, fmt.Errorf("cancelled during generation: %w", err))
	}

	a.memory.AddEntry(req.ConversationID, domain.RoleAssistant, response,
		memory.WithMetadata(map[string]any{"execution_id": m.ExecutionID}))

	m.Response = response
	m.OutputText = response
	m.Total = time.Since(start)
	rec := metrics.Assemble(m)
	a.recorder.RecordExecution(ctx, rec)
	a.setStatus(domain.StatusIdle)

	log.Info("Agent execution finished",
		"durationMs", rec.TotalExecutionTimeMs,
		"tokens", rec.TotalTokens,
		"ragResults", rec.RAGResultsCount,
		"toolCalls", rec.ToolCallsCount)
	return newResult(true, response, rec, m.ToolCalls)
}

func (a *Agent) retrieve(ctx context.Context, query string, log *slog.Logger) ([]domain.SearchResult, time.Duration) {
	if a.retriever == nil {
		return nil, 0
	}
	start := time.Now()
	out := retrieval.Run(ctx, a.retriever, retrieval.Query{
		Text:      query,
		TopK:      a.cfg.TopK,
		Threshold: *a.cfg.Threshold,
		Namespace: a.cfg.Namespace,
	})
	elapsed := time.Since(start)
	if out.Err != nil {
		log.Warn("Retrieval unavailable, continuing without context", "error", out.Err)
	}
	return out.OrEmpty(), elapsed
}

// generate calls the model, running any tool calls it requests when the
// turn allows them.
func (a *Agent) generate(ctx context.Context, req ExecuteRequest, history, input string, m *metrics.Measurements) (string, error) {
	system := req.SystemPrompt
	if system == "" {
		system = a.cfg.SystemPrompt
	}
	if req.UseTools {
		system += "\n\n" + toolInstructions(a.tools.Definitions())
	}

	prompt := input
	for round := 0; ; round++ {
		llmStart := time.Now()
		response, err := a.provider.Generate(ctx, model.Request{
			Model:        a.cfg.Model,
			SystemPrompt: system,
			Context:      history,
			Input:        prompt,
			Temperature:  a.cfg.Temperature,
			MaxTokens:    a.cfg.MaxTokens,
		})
		m.LLM += time.Since(llmStart)
		if err != nil {
			return "", fmt.Errorf("generation failed: %w", err)
		}
		if !req.UseTools || round >= a.cfg.MaxToolRounds {
			return response, nil
		}
		name, toolInput, ok := parseToolCall(response)
		if !ok {
			return response, nil
		}

		a.setStatus(domain.StatusToolCalling)
		toolStart := time.Now()
		success, output := a.tools.Execute(ctx, name, toolInput)
		m.Tools += time.Since(toolStart)
		m.ToolCalls = append(m.ToolCalls, domain.ToolCall{Name: name, Input: toolInput, Success: success, Output: output})
		a.recorder.RecordToolCall(ctx, name, success)
		a.setStatus(domain.StatusExecuting)

		prompt = fmt.Sprintf("%s\n\nTool %s returned (success=%t):\n%s", prompt, name, success, output)
	}
}

func (a *Agent) fail(ctx context.Context, m *metrics.Measurements, start time.Time, err error) ExecutionResult {
	a.setStatus(domain.StatusError)
	m.Err = err
	m.Total = time.Since(start)
	rec := metrics.Assemble(*m)
	a.recorder.RecordExecution(ctx, rec)
	return newResult(false, "Error executing agent: "+err.Error(), rec, m.ToolCalls)
}

func newResult(success bool, response string, rec domain.AgentMetrics, calls []domain.ToolCall) ExecutionResult {
	return ExecutionResult{
		Success:         success,
		Response:        response,
		ExecutionID:     rec.ExecutionID,
		ExecutionTimeMs: rec.TotalExecutionTimeMs,
		TokensUsed:      rec.TotalTokens,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		ToolCalls:       calls,
		Metrics:         rec,
		Metadata: map[string]any{
			"metrics":      rec,
			"execution_id": rec.ExecutionID,
		},
		Timestamp: rec.Timestamp,
	}
}

// Enrich prefixes input with at most the top three snippets. With no
// results the input is returned unchanged.
func Enrich(input string, results []domain.SearchResult) string {
	if len(results) == 0 {
		return input
	}
	var sb strings.Builder
	sb.WriteString("Relevant context:\n")
	for i, r := range results[:min(len(results), maxEnrichmentSnippets)] {
		fmt.Fprintf(&sb, "[%d] (score %.2f) %s\n", i+1, r.Score, r.Content)
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(input)
	return sb.String()
}

// ProcessToolCall runs one tool outside of a turn.
func (a *Agent) ProcessToolCall(ctx context.Context, name string, input map[string]any) (success bool, output string) {
	a.setStatus(domain.StatusToolCalling)
	defer func() {
		if v := recover(); v != nil {
			a.logger.Error("Tool call panicked", "tool", name, "panic", v)
			a.setStatus(domain.StatusError)
			success, output = false, fmt.Sprintf("Error: tool %s failed: %v", name, v)
		}
	}()

	success, output = a.tools.Execute(ctx, name, input)
	a.recorder.RecordToolCall(ctx, name, success)
	a.setStatus(domain.StatusIdle)
	return success, output
}

// Status returns the current status.
func (a *Agent) Status() domain.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s domain.AgentStatus) {
	a.mu.Lock()
	prev := a.status
	a.status = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Debug("Agent status changed", "from", prev, "to", s)
	}
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Info describes the agent.
type Info struct {
	Name     string             `json:"name"`
	Status   domain.AgentStatus `json:"status"`
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Tools    []string           `json:"tools"`
}

// Info returns a snapshot of the agent's configuration and status.
func (a *Agent) Info() Info {
	return Info{
		Name:     a.cfg.Name,
		Status:   a.Status(),
		Provider: a.provider.Name(),
		Model:    a.cfg.Model,
		Tools:    a.tools.Names(),
	}
}

// SystemPrompt returns the configured system prompt.
func (a *Agent) SystemPrompt() string { return a.cfg.SystemPrompt }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *tools.Registry { return a.tools }

// Close stops the agent from accepting new turns.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	a.status = domain.StatusIdle
	a.mu.Unlock()
	a.logger.Info("Agent closed")
	return nil
}
