package store

import (
	"context"
	"errors"
	"time"

	"github.com/nstogner/sectoragent/pkg/domain"
)

// ErrNotFound is wrapped by lookups on rows that do not exist.
var ErrNotFound = errors.New("not found")

// UserStore manages user records.
type UserStore interface {
	// UpsertUser inserts the user or updates the existing row with the same
	// ID. A zero ID assigns a new one.
	UpsertUser(ctx context.Context, u *domain.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id int64) (*domain.User, error)
}

// ConversationStore manages durable conversations.
type ConversationStore interface {
	// CreateConversation persists a new conversation and sets its ID and
	// timestamps.
	CreateConversation(ctx context.Context, c *domain.Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id int64) (*domain.Conversation, error)

	// ListUserConversations returns the user's conversations, most recently
	// updated first. If limit > 0, returns at most that many.
	ListUserConversations(ctx context.Context, userID int64, limit int) ([]domain.Conversation, error)

	// UpdateConversationStatus changes the lifecycle status.
	UpdateConversationStatus(ctx context.Context, id int64, status domain.ConversationStatus) error

	// TouchConversation refreshes updated_at.
	TouchConversation(ctx context.Context, id int64) error
}

// MessageStore manages the append-only messages of conversations.
type MessageStore interface {
	// AppendMessage persists a message, sets its ID and notifies subscribers.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// GetMessages returns the conversation's messages in chronological order.
	// If limit > 0, returns only the most recent limit messages.
	GetMessages(ctx context.Context, conversationID int64, limit int) ([]domain.Message, error)

	// GetMessagesAfter returns messages with an ID greater than afterID.
	GetMessagesAfter(ctx context.Context, conversationID, afterID int64) ([]domain.Message, error)

	// CountMessages returns the number of messages in a conversation.
	CountMessages(ctx context.Context, conversationID int64) (int, error)

	// Subscribe returns a channel that emits conversation IDs whenever a
	// message is appended, and a func that ends the subscription.
	Subscribe() (<-chan int64, func())
}

// MetricsStore persists per-execution metrics.
type MetricsStore interface {
	RecordMetrics(ctx context.Context, m *domain.AgentMetrics) error

	// ListConversationMetrics returns the conversation's records, newest first.
	ListConversationMetrics(ctx context.Context, conversationID int64, limit int) ([]domain.AgentMetrics, error)

	// UserTokenUsage aggregates the user's executions since the given time.
	UserTokenUsage(ctx context.Context, userID int64, since time.Time) (*domain.TokenUsage, error)
}

// Counts are the row counts reported by health checks.
type Counts struct {
	Users         int `json:"users"`
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Executions    int `json:"executions"`
}

// HealthStore reports on the database itself.
type HealthStore interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (Counts, error)

	// ReadOnlyQuery runs a single SELECT and returns at most limit rows.
	ReadOnlyQuery(ctx context.Context, query string, limit int) ([]map[string]any, error)
}

// Store is the full persistence gateway.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
	MetricsStore
	HealthStore
	Close() error
}
