// Package metrics assembles per-execution AgentMetrics records and exports
// them as OpenTelemetry instruments.
package metrics

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/nstogner/sectoragent/pkg/domain"
)

// tokensPerWord is the estimation ratio used instead of a real tokenizer.
const tokensPerWord = 1.3

// EstimateTokens approximates the token count of text as its whitespace
// separated word count times 1.3, rounded half to even.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.RoundToEven(float64(words) * tokensPerWord))
}

// Retrieval summarises one retrieval call.
type Retrieval struct {
	Query        string
	Threshold    float64
	ResultsCount int
	AverageScore float64
	TopScore     float64
}

// HitRate is true iff at least one result was returned and the best one
// met the threshold.
func (r Retrieval) HitRate() bool {
	return r.ResultsCount > 0 && r.TopScore >= r.Threshold
}

// SummarizeRetrieval computes the retrieval summary over results.
func SummarizeRetrieval(query string, threshold float64, results []domain.SearchResult) Retrieval {
	r := Retrieval{Query: query, Threshold: threshold, ResultsCount: len(results)}
	if len(results) == 0 {
		return r
	}
	var sum float64
	for _, res := range results {
		sum += res.Score
		r.TopScore = max(r.TopScore, res.Score)
	}
	r.AverageScore = sum / float64(len(results))
	return r
}

// Measurements are the raw values gathered while running one turn.
type Measurements struct {
	ConversationID int64
	ExecutionID    string
	UserInput      string
	Response       string

	Total     time.Duration
	LLM       time.Duration
	Retrieval time.Duration
	Tools     time.Duration

	// InputText and OutputText are the texts whose tokens are estimated.
	InputText  string
	OutputText string

	ToolCalls []domain.ToolCall
	RAG       Retrieval

	Err error

	Sector    string
	UserID    int64
	Timestamp time.Time
}

// Assemble builds the immutable metrics record for m. Durations are clamped
// to zero and scores to [0,1].
func Assemble(m Measurements) domain.AgentMetrics {
	in, out := EstimateTokens(m.InputText), EstimateTokens(m.OutputText)

	names := make([]string, 0, len(m.ToolCalls))
	var succeeded int
	for _, c := range m.ToolCalls {
		names = append(names, c.Name)
		if c.Success {
			succeeded++
		}
	}
	var successRate float64
	if len(m.ToolCalls) > 0 {
		successRate = float64(succeeded) / float64(len(m.ToolCalls))
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	rec := domain.AgentMetrics{
		ConversationID: m.ConversationID,
		ExecutionID:    m.ExecutionID,
		UserInput:      m.UserInput,
		Response:       m.Response,

		TotalExecutionTimeMs: millis(m.Total),
		LLMExecutionTimeMs:   millis(m.LLM),
		RAGSearchTimeMs:      millis(m.Retrieval),
		ToolExecutionTimeMs:  millis(m.Tools),

		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,

		ToolCallsCount:       len(m.ToolCalls),
		ToolCallsNames:       slices.Clip(names),
		ToolCallsSuccessRate: successRate,

		RAGQuery:         m.RAG.Query,
		RAGResultsCount:  max(m.RAG.ResultsCount, 0),
		RAGAverageScore:  unit(m.RAG.AverageScore),
		RAGTopChunkScore: unit(m.RAG.TopScore),
		RAGHitRate:       m.RAG.HitRate(),

		IsSuccessful: m.Err == nil,

		Sector:    m.Sector,
		UserID:    m.UserID,
		Timestamp: ts.UTC(),
	}
	if m.Err != nil {
		rec.ErrorMessage = m.Err.Error()
	}
	return rec
}

func millis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func unit(v float64) float64 {
	return min(max(v, 0), 1)
}
