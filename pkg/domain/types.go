package domain

import "time"

// ConversationEntry is one role-tagged message held by the in-memory
// conversation store. Entries are never mutated after creation.
type ConversationEntry struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata"`
}

// Conversation is a user's conversation with the agent. The in-memory view
// and the durable row share this shape.
type Conversation struct {
	ID           int64              `json:"id"`
	UserID       int64              `json:"user_id"`
	Title        string             `json:"title"`
	Sector       string             `json:"sector,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// User is an authenticated caller of the API.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a durable conversation message.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AgentMetrics is the snapshot of a single agent execution.
type AgentMetrics struct {
	ID             int64  `json:"id,omitempty"`
	ConversationID int64  `json:"conversation_id"`
	ExecutionID    string `json:"execution_id"`
	UserInput      string `json:"user_input"`
	Response       string `json:"response"`

	TotalExecutionTimeMs float64 `json:"total_execution_time_ms"`
	LLMExecutionTimeMs   float64 `json:"llm_execution_time_ms"`
	RAGSearchTimeMs      float64 `json:"rag_search_time_ms"`
	ToolExecutionTimeMs  float64 `json:"tool_execution_time_ms"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	ToolCallsCount       int      `json:"tool_calls_count"`
	ToolCallsNames       []string `json:"tool_calls_names"`
	ToolCallsSuccessRate float64  `json:"tool_calls_success_rate"`

	RAGQuery         string  `json:"rag_query"`
	RAGResultsCount  int     `json:"rag_results_count"`
	RAGAverageScore  float64 `json:"rag_average_score"`
	RAGTopChunkScore float64 `json:"rag_top_chunk_score"`
	RAGHitRate       bool    `json:"rag_hit_rate"`

	IsSuccessful bool   `json:"is_successful"`
	ErrorMessage string `json:"error_message,omitempty"`

	Sector    string    `json:"sector,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsage aggregates a user's consumption over a time window.
type TokenUsage struct {
	UserID               int64     `json:"user_id"`
	Since                time.Time `json:"since"`
	TotalTokens          int       `json:"total_tokens"`
	InputTokens          int       `json:"input_tokens"`
	OutputTokens         int       `json:"output_tokens"`
	Executions           int       `json:"executions"`
	SuccessfulExecutions int       `json:"successful_executions"`
	AvgExecutionTimeMs   float64   `json:"avg_execution_time_ms"`
}

// SearchResult is a ranked snippet returned by the retrieval index.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"` // 0-1, higher is closer
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Document is a unit of content indexed for retrieval.
type Document struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToolCall records a single tool invocation.
type ToolCall struct {
	Name    string         `json:"name"`
	Input   map[string]any `json:"input"`
	Success bool           `json:"success"`
	Output  string         `json:"output"`
}
