// Package memory keeps a bounded, in-process view of recent conversation
// turns. It is a best-effort cache in front of durable storage: lookups on
// unknown conversations return empty results instead of errors.
package memory

import (
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nstogner/sectoragent/pkg/domain"
)

const (
	// DefaultMaxSize is the number of entries retained per conversation.
	DefaultMaxSize = 50
	// DefaultRetentionDays is the age after which the janitor prunes entries.
	DefaultRetentionDays = 30
	// DefaultContextMessages is the window used by Context when n <= 0.
	DefaultContextMessages = 10
)

// Store holds one FIFO-bounded entry sequence per conversation.
type Store struct {
	maxSize       int
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger

	mu   sync.RWMutex
	logs map[int64]*conversationLog

	views sync.Map // int64 -> *conversationView
}

// conversationLog is mutated only while mu is held. A removed log has been
// dropped from the store and must not receive further appends.
type conversationLog struct {
	mu      sync.Mutex
	entries []domain.ConversationEntry
	removed bool
}

type conversationView struct {
	mu   sync.Mutex
	conv domain.Conversation
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize sets the per-conversation entry cap. Values below 1 keep the default.
func WithMaxSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithRetentionDays sets the age used by Prune. Zero disables pruning.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		if days >= 0 {
			s.retentionDays = days
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		maxSize:       DefaultMaxSize,
		retentionDays: DefaultRetentionDays,
		now:           time.Now,
		logger:        slog.Default(),
		logs:          make(map[int64]*conversationLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// MaxSize returns the per-conversation entry cap.
func (s *Store) MaxSize() int { return s.maxSize }

// RetentionDays returns the configured retention period.
func (s *Store) RetentionDays() int { return s.retentionDays }

// EntryOption sets optional fields on a new entry.
type EntryOption func(*domain.ConversationEntry)

// WithEntryID sets the entry id, usually the durable message id. Ids <= 0
// are stored as -1.
func WithEntryID(id int64) EntryOption {
	return func(e *domain.ConversationEntry) {
		if id > 0 {
			e.ID = id
		}
	}
}

// WithMetadata attaches a copy of md to the entry.
func WithMetadata(md map[string]any) EntryOption {
	return func(e *domain.ConversationEntry) {
		if md != nil {
			e.Metadata = maps.Clone(md)
		}
	}
}

// AddEntry appends an entry stamped with the current time. When the
// conversation holds more than MaxSize entries the oldest one is evicted.
func (s *Store) AddEntry(conversationID int64, role domain.Role, content string, opts ...EntryOption) domain.ConversationEntry {
	e := domain.ConversationEntry{
		ID:             -1,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       map[string]any{},
	}
	for _, opt := range opts {
		opt(&e)
	}

	for {
		log := s.getOrCreateLog(conversationID)
		log.mu.Lock()
		if log.removed {
			// Cleared concurrently; retry against the fresh log.
			log.mu.Unlock()
			continue
		}
		e.Timestamp = s.now().UTC()
		if n := len(log.entries); n > 0 && e.Timestamp.Before(log.entries[n-1].Timestamp) {
			e.Timestamp = log.entries[n-1].Timestamp
		}
		log.entries = append(log.entries, e)
		if over := len(log.entries) - s.maxSize; over > 0 {
			n := copy(log.entries, log.entries[over:])
			clear(log.entries[n:])
			log.entries = log.entries[:n]
		}
		log.mu.Unlock()
		break
	}

	s.touch(conversationID, e.Timestamp)
	s.logger.Debug("Memory entry added", "conversationID", conversationID, "role", role)
	return cloneEntry(e)
}

// History returns the conversation's entries in chronological order. System
// entries are dropped unless includeSystem is set; limit > 0 keeps only the
// most recent limit entries.
func (s *Store) History(conversationID int64, limit int, includeSystem bool) []domain.ConversationEntry {
	entries := s.snapshot(conversationID)
	if !includeSystem {
		entries = slices.DeleteFunc(entries, func(e domain.ConversationEntry) bool {
			return e.Role == domain.RoleSystem
		})
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Context renders the most recent n entries as a transcript block. It
// returns "" when the conversation has no history.
func (s *Store) Context(conversationID int64, n int) string {
	if n <= 0 {
		n = DefaultContextMessages
	}
	entries := s.History(conversationID, n, true)
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation history:\n")
	for _, e := range entries {
		sb.WriteString(roleLabel(e.Role))
		sb.WriteString(": ")
		sb.WriteString(e.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func roleLabel(r domain.Role) string {
	switch r {
	case domain.RoleUser:
		return "User"
	case domain.RoleSystem:
		return "System"
	default:
		return "Assistant"
	}
}

// Clear drops the conversation's entries and reports whether it had any
// in-memory sequence.
func (s *Store) Clear(conversationID int64) bool {
	s.mu.Lock()
	log, ok := s.logs[conversationID]
	if ok {
		delete(s.logs, conversationID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	log.mu.Lock()
	log.removed = true
	log.entries = nil
	log.mu.Unlock()

	s.logger.Info("Conversation memory cleared", "conversationID", conversationID)
	return true
}

// Search returns entries whose content contains keyword, ignoring case. A
// non-empty role restricts matches to that role.
func (s *Store) Search(conversationID int64, keyword string, role domain.Role) []domain.ConversationEntry {
	needle := strings.ToLower(keyword)
	entries := s.snapshot(conversationID)
	return slices.DeleteFunc(entries, func(e domain.ConversationEntry) bool {
		if role != "" && e.Role != role {
			return true
		}
		return !strings.Contains(strings.ToLower(e.Content), needle)
	})
}

// OldestEntries returns entries older than now minus days.
func (s *Store) OldestEntries(conversationID int64, days int) []domain.ConversationEntry {
	cutoff := s.cutoff(days)
	entries := s.snapshot(conversationID)
	return slices.DeleteFunc(entries, func(e domain.ConversationEntry) bool {
		return !e.Timestamp.Before(cutoff)
	})
}

// CleanupOldEntries removes the entries OldestEntries would return and
// reports how many were removed.
func (s *Store) CleanupOldEntries(conversationID int64, days int) int {
	log := s.getLog(conversationID)
	if log == nil {
		return 0
	}
	cutoff := s.cutoff(days)

	log.mu.Lock()
	before := len(log.entries)
	log.entries = slices.DeleteFunc(log.entries, func(e domain.ConversationEntry) bool {
		return e.Timestamp.Before(cutoff)
	})
	removed := before - len(log.entries)
	log.mu.Unlock()

	if removed > 0 {
		s.logger.Info("Old memory entries removed", "conversationID", conversationID, "removed", removed)
	}
	return removed
}

func (s *Store) cutoff(days int) time.Time {
	return s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// MemoryStats summarises the whole store.
type MemoryStats struct {
	TotalConversations int           `json:"total_conversations"`
	TotalEntries       int           `json:"total_entries"`
	MaxMemorySize      int           `json:"max_memory_size"`
	RetentionDays      int           `json:"retention_days"`
	PerConversation    map[int64]int `json:"per_conversation_entry_counts"`
}

// MemoryStats reports entry counts for every conversation in memory.
func (s *Store) MemoryStats() MemoryStats {
	stats := MemoryStats{
		MaxMemorySize:   s.maxSize,
		RetentionDays:   s.retentionDays,
		PerConversation: make(map[int64]int),
	}
	s.mu.RLock()
	logs := maps.Clone(s.logs)
	s.mu.RUnlock()

	for id, log := range logs {
		log.mu.Lock()
		n := len(log.entries)
		log.mu.Unlock()
		stats.PerConversation[id] = n
		stats.TotalEntries += n
	}
	stats.TotalConversations = len(logs)
	return stats
}

// ConversationIDs returns the ids with an in-memory sequence, ascending.
func (s *Store) ConversationIDs() []int64 {
	s.mu.RLock()
	ids := slices.Collect(maps.Keys(s.logs))
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// RegisterConversation records the conversation's metadata. Timestamps the
// caller leaves zero are filled from the clock.
func (s *Store) RegisterConversation(c domain.Conversation) {
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = domain.ConversationActive
	}
	v, _ := s.views.LoadOrStore(c.ID, &conversationView{})
	view := v.(*conversationView)
	view.mu.Lock()
	view.conv = c
	view.mu.Unlock()
}

// Conversation returns the in-memory view of a conversation.
func (s *Store) Conversation(conversationID int64) (domain.Conversation, bool) {
	v, ok := s.views.Load(conversationID)
	if !ok {
		return domain.Conversation{}, false
	}
	view := v.(*conversationView)
	view.mu.Lock()
	defer view.mu.Unlock()
	return view.conv, true
}

// touch refreshes UpdatedAt, creating a minimal view on first reference.
func (s *Store) touch(conversationID int64, at time.Time) {
	v, _ := s.views.LoadOrStore(conversationID, &conversationView{})
	view := v.(*conversationView)
	view.mu.Lock()
	defer view.mu.Unlock()
	if view.conv.CreatedAt.IsZero() {
		view.conv = domain.Conversation{
			ID:        conversationID,
			Status:    domain.ConversationActive,
			CreatedAt: at,
		}
	}
	if at.After(view.conv.UpdatedAt) {
		view.conv.UpdatedAt = at
	}
}

func (s *Store) getLog(conversationID int64) *conversationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[conversationID]
}

func (s *Store) getOrCreateLog(conversationID int64) *conversationLog {
	if log := s.getLog(conversationID); log != nil {
		return log
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.logs[conversationID]; ok {
		return log
	}
	log := &conversationLog{}
	s.logs[conversationID] = log
	return log
}

// snapshot copies the conversation's entries so callers never alias the
// live sequence.
func (s *Store) snapshot(conversationID int64) []domain.ConversationEntry {
	log := s.getLog(conversationID)
	if log == nil {
		return []domain.ConversationEntry{}
	}
	log.mu.Lock()
	entries := make([]domain.ConversationEntry, len(log.entries))
	for i, e := range log.entries {
		entries[i] = cloneEntry(e)
	}
	log.mu.Unlock()
	return entries
}

func cloneEntry(e domain.ConversationEntry) domain.ConversationEntry {
	e.Metadata = maps.Clone(e.Metadata)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e
}
