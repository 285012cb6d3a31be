package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/sectoragent/pkg/domain"
	"github.com/nstogner/sectoragent/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB

	mu          sync.RWMutex
	subscribers map[int]chan int64
	nextSub     int
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, subscribers: make(map[int]chan int64)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		sector TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS agent_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		execution_id TEXT NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		user_input TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		total_execution_time_ms REAL NOT NULL DEFAULT 0,
		llm_execution_time_ms REAL NOT NULL DEFAULT 0,
		rag_search_time_ms REAL NOT NULL DEFAULT 0,
		tool_execution_time_ms REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		tool_calls_count INTEGER NOT NULL DEFAULT 0,
		tool_calls_names TEXT NOT NULL DEFAULT '[]',
		tool_calls_success_rate REAL NOT NULL DEFAULT 0,
		rag_query TEXT NOT NULL DEFAULT '',
		rag_results_count INTEGER NOT NULL DEFAULT 0,
		rag_average_score REAL NOT NULL DEFAULT 0,
		rag_top_chunk_score REAL NOT NULL DEFAULT 0,
		rag_hit_rate BOOLEAN NOT NULL DEFAULT 0,
		is_successful BOOLEAN NOT NULL DEFAULT 1,
		error_message TEXT NOT NULL DEFAULT '',
		sector TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_conversation ON agent_metrics(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_metrics_user ON agent_metrics(user_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, store.ErrNotFound)
}

// --- UserStore ---

func (s *Store) UpsertUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.ID == 0 {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO users (email, full_name, is_active, created_at) VALUES (?, ?, ?, ?)`,
			u.Email, u.FullName, u.IsActive, u.CreatedAt,
		)
		if err != nil {
			return err
		}
		u.ID, err = result.LastInsertId()
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, is_active, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, full_name=excluded.full_name, is_active=excluded.is_active`,
		u.ID, u.Email, u.FullName, u.IsActive, u.CreatedAt,
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u := &domain.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, full_name, is_active, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	return u, err
}

// --- ConversationStore ---

const conversationColumns = `id, user_id, title, sector, system_prompt, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Sector, &c.SystemPrompt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.ConversationActive
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, sector, system_prompt, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Title, c.Sector, c.SystemPrompt, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	c.ID, err = result.LastInsertId()
	return err
}

func (s *Store) GetConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListUserConversations(ctx context.Context, userID int64, limit int) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) UpdateConversationStatus(ctx context.Context, id int64, status domain.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid conversation status %q", status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status=?, updated_at=? WHERE id=?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("conversation", id)
	}
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("conversation", id)
	}
	return nil
}

// --- MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	metadata, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, metadata, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	if m.ID, err = result.LastInsertId(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at=? WHERE id=?`, m.CreatedAt, m.ConversationID); err != nil {
		return err
	}

	// Notify subscribers.
	s.notifySubscribers(m.ConversationID)
	return nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID int64, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, metadata, created_at
		FROM messages WHERE conversation_id=? ORDER BY id ASC`
	args := []any{conversationID}

	if limit > 0 {
		// Subquery to get only the last N messages in ASC order.
		query = `SELECT id, conversation_id, role, content, metadata, created_at FROM (
			SELECT id, conversation_id, role, content, metadata, created_at
			FROM messages WHERE conversation_id=? ORDER BY id DESC LIMIT ?
		) sub ORDER BY id ASC`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *Store) GetMessagesAfter(ctx context.Context, conversationID, afterID int64) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, conversation_id, role, content, metadata, created_at
		 FROM messages WHERE conversation_id=? AND id > ? ORDER BY id ASC`,
		conversationID, afterID,
	)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m        domain.Message
			metadata string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, fmt.Errorf("message %d metadata: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) CountMessages(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id=?`, conversationID).Scan(&n)
	return n, err
}

func (s *Store) Subscribe() (<-chan int64, func()) {
	ch := make(chan int64, 64)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notifySubscribers(conversationID int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- conversationID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

func encodeMetadata(md map[string]any) (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, err
	}
	return md, nil
}

// --- MetricsStore ---

const metricsColumns = `id, conversation_id, execution_id, user_id, user_input, response,
	total_execution_time_ms, llm_execution_time_ms, rag_search_time_ms, tool_execution_time_ms,
	input_tokens, output_tokens, total_tokens,
	tool_calls_count, tool_calls_names, tool_calls_success_rate,
	rag_query, rag_results_count, rag_average_score, rag_top_chunk_score, rag_hit_rate,
	is_successful, error_message, sector, timestamp`

func (s *Store) RecordMetrics(ctx context.Context, m *domain.AgentMetrics) error {
	names := m.ToolCallsNames
	if names == nil {
		names = []string{}
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode tool names: %w", err)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_metrics (`+strings.TrimPrefix(metricsColumns, "id, ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.ExecutionID, m.UserID, m.UserInput, m.Response,
		m.TotalExecutionTimeMs, m.LLMExecutionTimeMs, m.RAGSearchTimeMs, m.ToolExecutionTimeMs,
		m.InputTokens, m.OutputTokens, m.TotalTokens,
		m.ToolCallsCount, string(namesJSON), m.ToolCallsSuccessRate,
		m.RAGQuery, m.RAGResultsCount, m.RAGAverageScore, m.RAGTopChunkScore, m.RAGHitRate,
		m.IsSuccessful, m.ErrorMessage, m.Sector, m.Timestamp.UTC(),
	)
	if err != nil {
		return err
	}
	m.ID, err = result.LastInsertId()
	return err
}

func (s *Store) ListConversationMetrics(ctx context.Context, conversationID int64, limit int) ([]domain.AgentMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM agent_metrics WHERE conversation_id=? ORDER BY timestamp DESC, id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AgentMetrics
	for rows.Next() {
		var (
			m     domain.AgentMetrics
			names string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ExecutionID, &m.UserID, &m.UserInput, &m.Response,
			&m.TotalExecutionTimeMs, &m.LLMExecutionTimeMs, &m.RAGSearchTimeMs, &m.ToolExecutionTimeMs,
			&m.InputTokens, &m.OutputTokens, &m.TotalTokens,
			&m.ToolCallsCount, &names, &m.ToolCallsSuccessRate,
			&m.RAGQuery, &m.RAGResultsCount, &m.RAGAverageScore, &m.RAGTopChunkScore, &m.RAGHitRate,
			&m.IsSuccessful, &m.ErrorMessage, &m.Sector, &m.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(names), &m.ToolCallsNames); err != nil {
			return nil, fmt.Errorf("metrics %d tool names: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UserTokenUsage(ctx context.Context, userID int64, since time.Time) (*domain.TokenUsage, error) {
	u := &domain.TokenUsage{UserID: userID, Since: since.UTC()}
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COUNT(*), COALESCE(SUM(is_successful), 0), COALESCE(AVG(total_execution_time_ms), 0)
		 FROM agent_metrics WHERE user_id=? AND timestamp >= ?`,
		userID, since.UTC(),
	).Scan(&u.TotalTokens, &u.InputTokens, &u.OutputTokens, &u.Executions, &u.SuccessfulExecutions, &u.AvgExecutionTimeMs)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// --- HealthStore ---

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	for _, q := range []struct {
		table string
		dest  *int
	}{
		{"users", &c.Users},
		{"conversations", &c.Conversations},
		{"messages", &c.Messages},
		{"agent_metrics", &c.Executions},
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table).Scan(q.dest); err != nil {
			return store.Counts{}, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return c, nil
}

// ReadOnlyQuery runs query on a connection with query_only enabled, so the
// engine rejects any write.
func (s *Store) ReadOnlyQuery(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil, errors.New("empty query")
	}
	if first := strings.ToUpper(fields[0]); first != "SELECT" && first != "WITH" {
		return nil, errors.New("only SELECT statements are allowed")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
		return nil, err
	}
	defer conn.ExecContext(context.Background(), `PRAGMA query_only = OFF`)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() && (limit <= 0 || len(out) < limit) {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
