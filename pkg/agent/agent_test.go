package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/nstogner/sectoragent/pkg/domain"
	"github.com/nstogner/sectoragent/pkg/memory"
	"github.com/nstogner/sectoragent/pkg/metrics"
	"github.com/nstogner/sectoragent/pkg/model"
	"github.com/nstogner/sectoragent/pkg/retrieval"
	"github.com/nstogner/sectoragent/pkg/tools"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []model.Request
	respond  func(req model.Request, call int) (string, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, req model.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.respond == nil {
		return "The food sector represents a large share of the economy.", nil
	}
	return f.respond(req, call)
}

func (f *fakeProvider) lastRequest() model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeGateway struct {
	results []domain.SearchResult
	err     error
	onCall  func()
}

func (g *fakeGateway) Search(context.Context, retrieval.Query) ([]domain.SearchResult, error) {
	if g.onCall != nil {
		g.onCall()
	}
	return g.results, g.err
}

// recordingGateway keeps the last query it was asked.
type recordingGateway struct {
	results []domain.SearchResult
	last    retrieval.Query
}

func (g *recordingGateway) Search(_ context.Context, q retrieval.Query) ([]domain.SearchResult, error) {
	g.last = q
	return g.results, nil
}

func threshold(v float64) *float64 { return &v }

func newTestAgent(t *testing.T, p model.Provider, g retrieval.Gateway, ts ...tools.Tool) (*Agent, *memory.Store) {
	t.Helper()
	mem := memory.New()
	rec, err := metrics.NewRecorder(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	a, err := New(Config{Model: "test-model"}, Deps{
		Memory:    mem,
		Provider:  p,
		Retriever: g,
		Tools:     tools.NewRegistry(ts...),
		Recorder:  rec,
	})
	require.NoError(t, err)
	return a, mem
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{Provider: &fakeProvider{}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Memory: memory.New()})
	assert.Error(t, err)
	_, err = New(Config{Threshold: threshold(1.5)}, Deps{Memory: memory.New(), Provider: &fakeProvider{}})
	assert.Error(t, err)
}

func TestExecuteWithNoRetrievalResults(t *testing.T) {
	p := &fakeProvider{}
	a, mem := newTestAgent(t, p, &fakeGateway{})

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 42, UserInput: "What is the food sector?", Sector: "food"})
	require.True(t, res.Success, res.Response)
	assert.NotEmpty(t, res.Response)
	assert.False(t, res.Metrics.RAGHitRate)
	assert.Equal(t, 0, res.Metrics.RAGResultsCount)
	assert.Equal(t, 0, res.Metrics.ToolCallsCount)
	assert.Equal(t, "food", res.Metrics.Sector)

	// The raw input reaches the model unmodified.
	assert.Equal(t, "What is the food sector?", p.lastRequest().Input)
	assert.Equal(t, DefaultSystemPrompt, p.lastRequest().SystemPrompt)

	assert.Equal(t, res.Metrics.InputTokens+res.Metrics.OutputTokens, res.Metrics.TotalTokens)
	assert.Equal(t, res.TokensUsed, res.Metrics.TotalTokens)
	assert.Equal(t, metrics.EstimateTokens("What is the food sector?"), res.InputTokens)
	assert.Equal(t, res.ExecutionID, res.Metadata["execution_id"])
	assert.Equal(t, domain.StatusIdle, a.Status())

	history := mem.History(42, 0, true)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)
	assert.Equal(t, res.ExecutionID, history[1].Metadata["execution_id"])
}

func TestExecuteEnrichesWithTopSnippets(t *testing.T) {
	p := &fakeProvider{}
	g := &fakeGateway{results: []domain.SearchResult{
		{ID: "1", Content: "alpha", Score: 0.95},
		{ID: "2", Content: "beta", Score: 0.9},
		{ID: "3", Content: "gamma", Score: 0.8},
		{ID: "4", Content: "delta", Score: 0.75},
	}}
	a, _ := newTestAgent(t, p, g)

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 1, UserInput: "tell me"})
	require.True(t, res.Success)

	want := "Relevant context:\n[1] (score 0.95) alpha\n[2] (score 0.90) beta\n[3] (score 0.80) gamma\n\nQuestion: tell me"
	assert.Equal(t, want, p.lastRequest().Input)
	assert.Equal(t, 4, res.Metrics.RAGResultsCount)
	assert.True(t, res.Metrics.RAGHitRate)
	assert.InDelta(t, 0.95, res.Metrics.RAGTopChunkScore, 1e-9)
	assert.InDelta(t, 0.85, res.Metrics.RAGAverageScore, 1e-9)
	assert.Equal(t, metrics.EstimateTokens(want), res.InputTokens)
}

func TestExecuteUsesHistoryBeforeCurrentInput(t *testing.T) {
	p := &fakeProvider{}
	a, _ := newTestAgent(t, p, nil)
	ctx := context.Background()

	a.Execute(ctx, ExecuteRequest{ConversationID: 3, UserInput: "first"})
	assert.Empty(t, p.lastRequest().Context)

	a.Execute(ctx, ExecuteRequest{ConversationID: 3, UserInput: "second", SystemPrompt: "Be brief."})
	got := p.lastRequest()
	assert.True(t, strings.HasPrefix(got.Context, "Previous conversation history:\nUser: first\nAssistant: "), got.Context)
	assert.NotContains(t, got.Context, "second")
	assert.Equal(t, "Be brief.", got.SystemPrompt)
}

func TestExecuteRetrievalFailureIsNotFatal(t *testing.T) {
	a, _ := newTestAgent(t, &fakeProvider{}, &fakeGateway{err: errors.New("index timeout")})

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 5, UserInput: "hello"})
	require.True(t, res.Success)
	assert.False(t, res.Metrics.RAGHitRate)
	assert.Equal(t, 0, res.Metrics.RAGResultsCount)
	assert.Zero(t, res.Metrics.RAGTopChunkScore)
}

func TestExecuteGenerationFailure(t *testing.T) {
	p := &fakeProvider{respond: func(model.Request, int) (string, error) {
		return "", errors.New("quota exceeded")
	}}
	a, mem := newTestAgent(t, p, &fakeGateway{})

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 6, UserInput: "hello"})
	assert.False(t, res.Success)
	assert.False(t, res.Metrics.IsSuccessful)
	assert.Contains(t, res.Response, "quota exceeded")
	assert.Contains(t, res.Metrics.ErrorMessage, "quota exceeded")
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, 0.0)
	assert.Equal(t, domain.StatusError, a.Status())

	history := mem.History(6, 0, true)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleUser, history[0].Role)
}

func TestExecuteRecoversPanics(t *testing.T) {
	p := &fakeProvider{respond: func(model.Request, int) (string, error) {
		panic("provider bug")
	}}
	a, _ := newTestAgent(t, p, nil)

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 7, UserInput: "hello"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Response, "provider bug")
	assert.Equal(t, domain.StatusError, a.Status())
}

func TestExecuteCancelledDuringRetrieval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &fakeGateway{onCall: cancel}
	p := &fakeProvider{}
	a, mem := newTestAgent(t, p, g)

	res := a.Execute(ctx, ExecuteRequest{ConversationID: 8, UserInput: "hello"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Response, "cancel")
	assert.Equal(t, domain.StatusError, a.Status())
	assert.Len(t, mem.History(8, 0, true), 1)
	assert.Empty(t, p.requests)
}

func TestExecuteCancelledDuringGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{respond: func(model.Request, int) (string, error) {
		cancel()
		return "", context.Canceled
	}}
	a, mem := newTestAgent(t, p, &fakeGateway{})

	res := a.Execute(ctx, ExecuteRequest{ConversationID: 9, UserInput: "hello"})
	assert.False(t, res.Success)
	assert.Equal(t, domain.StatusError, a.Status())
	assert.Len(t, mem.History(9, 0, true), 1)
}

func TestExecuteCancelledWhileProviderReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{respond: func(model.Request, int) (string, error) {
		cancel()
		return "late answer", nil
	}}
	a, mem := newTestAgent(t, p, &fakeGateway{})

	res := a.Execute(ctx, ExecuteRequest{ConversationID: 10, UserInput: "hello"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Response, "cancelled during generation")
	assert.Equal(t, domain.StatusError, a.Status())
	history := mem.History(10, 0, true)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleUser, history[0].Role)
}

func TestDefaultThreshold(t *testing.T) {
	g := &recordingGateway{results: []domain.SearchResult{{ID: "1", Content: "weak match", Score: 0.2}}}
	a, err := New(Config{}, Deps{Memory: memory.New(), Provider: &fakeProvider{}, Retriever: g})
	require.NoError(t, err)

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 11, UserInput: "hello"})
	require.True(t, res.Success, res.Response)
	assert.Equal(t, retrieval.DefaultThreshold, g.last.Threshold)
	assert.Equal(t, 0, res.Metrics.RAGResultsCount)
	assert.False(t, res.Metrics.RAGHitRate)

	// An explicit zero accepts every result.
	g = &recordingGateway{results: []domain.SearchResult{{ID: "1", Content: "weak match", Score: 0.2}}}
	a, err = New(Config{Threshold: threshold(0)}, Deps{Memory: memory.New(), Provider: &fakeProvider{}, Retriever: g})
	require.NoError(t, err)
	res = a.Execute(context.Background(), ExecuteRequest{ConversationID: 12, UserInput: "hello"})
	require.True(t, res.Success, res.Response)
	assert.Equal(t, 0.0, g.last.Threshold)
	assert.Equal(t, 1, res.Metrics.RAGResultsCount)
	assert.True(t, res.Metrics.RAGHitRate)
}

func TestExecuteWithToolCalls(t *testing.T) {
	p := &fakeProvider{respond: func(req model.Request, call int) (string, error) {
		if call == 1 {
			return `TOOL_CALL: calculator {"expression": "6 * 7"}`, nil
		}
		return "The answer is 42.", nil
	}}
	a, _ := newTestAgent(t, p, nil, tools.Calculator{})

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 10, UserInput: "what is 6 times 7?", UseTools: true})
	require.True(t, res.Success, res.Response)
	assert.Equal(t, "The answer is 42.", res.Response)
	assert.Equal(t, 1, res.Metrics.ToolCallsCount)
	assert.Equal(t, []string{"calculator"}, res.Metrics.ToolCallsNames)
	assert.Equal(t, 1.0, res.Metrics.ToolCallsSuccessRate)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "42", res.ToolCalls[0].Output)

	last := p.lastRequest()
	assert.Contains(t, last.Input, "Tool calculator returned (success=true):\n42")
	assert.Contains(t, last.SystemPrompt, "calculator")
}

func TestExecuteIgnoresToolCallsWhenDisabled(t *testing.T) {
	p := &fakeProvider{respond: func(model.Request, int) (string, error) {
		return `TOOL_CALL: calculator {"expression": "1+1"}`, nil
	}}
	a, _ := newTestAgent(t, p, nil, tools.Calculator{})

	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 11, UserInput: "hi"})
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Metrics.ToolCallsCount)
	assert.Len(t, p.requests, 1)
}

func TestProcessToolCall(t *testing.T) {
	a, _ := newTestAgent(t, &fakeProvider{}, nil, tools.Calculator{})
	ctx := context.Background()

	ok, out := a.ProcessToolCall(ctx, "calculator", map[string]any{"expression": "2 + 2"})
	assert.True(t, ok)
	assert.Equal(t, "4", out)
	assert.Equal(t, domain.StatusIdle, a.Status())

	ok, out = a.ProcessToolCall(ctx, "nope", nil)
	assert.False(t, ok)
	assert.Contains(t, out, tools.ErrToolNotFound.Error())
	assert.Equal(t, domain.StatusIdle, a.Status())
}

func TestInfoAndClose(t *testing.T) {
	a, _ := newTestAgent(t, &fakeProvider{}, nil, tools.Calculator{})
	info := a.Info()
	assert.Equal(t, "sectoragent", info.Name)
	assert.Equal(t, "fake", info.Provider)
	assert.Equal(t, "test-model", info.Model)
	assert.Equal(t, []string{"calculator"}, info.Tools)
	assert.Equal(t, domain.StatusIdle, info.Status)

	require.NoError(t, a.Close())
	res := a.Execute(context.Background(), ExecuteRequest{ConversationID: 1, UserInput: "hi"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Response, ErrClosed.Error())
}

func TestConcurrentExecutions(t *testing.T) {
	a, mem := newTestAgent(t, &fakeProvider{}, &fakeGateway{})
	var wg sync.WaitGroup
	for i := int64(1); i <= 10; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			res := a.Execute(context.Background(), ExecuteRequest{ConversationID: id, UserInput: "hello"})
			assert.True(t, res.Success)
		}(i)
	}
	wg.Wait()
	for i := int64(1); i <= 10; i++ {
		assert.Len(t, mem.History(i, 0, true), 2)
	}
	assert.Equal(t, domain.StatusIdle, a.Status())
}

func TestParseToolCall(t *testing.T) {
	name, input, ok := parseToolCall("  TOOL_CALL: vector_search {\"query\": \"retail\"}\n")
	require.True(t, ok)
	assert.Equal(t, "vector_search", name)
	assert.Equal(t, map[string]any{"query": "retail"}, input)

	name, input, ok = parseToolCall("TOOL_CALL: ping")
	require.True(t, ok)
	assert.Equal(t, "ping", name)
	assert.Empty(t, input)

	_, _, ok = parseToolCall("TOOL_CALL: calculator {broken")
	assert.False(t, ok)
	_, _, ok = parseToolCall("Just an answer.")
	assert.False(t, ok)
}

func TestEnrich(t *testing.T) {
	assert.Equal(t, "raw", Enrich("raw", nil))
	got := Enrich("q", []domain.SearchResult{{Content: "only", Score: 0.7}})
	assert.Equal(t, "Relevant context:\n[1] (score 0.70) only\n\nQuestion: q", got)
}
