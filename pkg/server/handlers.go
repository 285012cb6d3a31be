package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nstogner/sectoragent/pkg/auth"
	"github.com/nstogner/sectoragent/pkg/domain"
	"github.com/nstogner/sectoragent/pkg/memory"
	"github.com/nstogner/sectoragent/pkg/retrieval"
	"github.com/nstogner/sectoragent/pkg/store"
)

var errIndexUnavailable = errors.New("retrieval index not configured")

// principal returns the authenticated caller. Routes are registered behind
// the auth middleware so the lookup only fails on a wiring bug.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// ownedConversation loads the {id} conversation and checks that the caller
// owns it. Conversations of other users are reported as not found.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request, id int64) (*domain.Conversation, bool) {
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return nil, false
	}
	if conv.UserID != principal(r).UserID {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("conversation %d: %w", id, store.ErrNotFound))
		return nil, false
	}
	return conv, true
}

func (s *Server) pathConversation(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return nil, false
	}
	return s.ownedConversation(w, r, id)
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := s.agent.Info()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   s.opts.Version,
		"provider":  info.Provider,
		"model":     info.Model,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, fmt.Errorf("database unavailable: %w", err))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy", "database": "connected"})
}

func (s *Server) handleHealthSystem(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := map[string]any{
		"status":       "healthy",
		"database":     counts,
		"memory":       s.memory.MemoryStats(),
		"agent_status": s.agent.Status(),
	}
	if s.index != nil {
		resp["documents"] = s.index.Stats()
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// --- Conversations ---

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string `json:"title"`
		Sector       string `json:"sector"`
		SystemPrompt string `json:"system_prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = "New conversation"
	}

	conv := &domain.Conversation{
		UserID:       principal(r).UserID,
		Title:        req.Title,
		Sector:       req.Sector,
		SystemPrompt: req.SystemPrompt,
		Status:       domain.ConversationActive,
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.memory.RegisterConversation(*conv)
	s.jsonResponse(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	convs, err := s.store.ListUserConversations(r.Context(), principal(r).UserID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), conv.ID, 0)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	s.jsonResponse(w, http.StatusOK, struct {
		*domain.Conversation
		Messages []domain.Message `json:"messages"`
	}{conv, msgs})
}

func (s *Server) handleUpdateConversationStatus(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	var req struct {
		Status domain.ConversationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if !req.Status.Valid() {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", req.Status))
		return
	}
	if err := s.store.UpdateConversationStatus(r.Context(), conv.ID, req.Status); err != nil {
		s.storeError(w, err)
		return
	}
	updated, err := s.store.GetConversation(r.Context(), conv.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.memory.RegisterConversation(*updated)
	s.jsonResponse(w, http.StatusOK, updated)
}

// --- Turns ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID int64  `json:"conversation_id"`
		Message        string `json:"message"`
		UseTools       bool   `json:"use_tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	conv, ok := s.ownedConversation(w, r, req.ConversationID)
	if !ok {
		return
	}
	if conv.Status != domain.ConversationActive {
		s.errorResponse(w, http.StatusConflict, fmt.Errorf("conversation is %s", conv.Status))
		return
	}

	t, err := s.runTurn(r.Context(), principal(r), conv, req.Message, req.UseTools)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	res := t.Result
	if !res.Success {
		s.logger.Error("API Error", "status", http.StatusInternalServerError, "executionID", res.ExecutionID, "error", res.Metrics.ErrorMessage)
		s.jsonResponse(w, http.StatusInternalServerError, map[string]any{
			"error":        res.Response,
			"execution_id": res.ExecutionID,
			"metrics":      res.Metrics,
		})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"message_id":        t.AssistantMessage.ID,
		"conversation_id":   conv.ID,
		"response":          res.Response,
		"execution_time_ms": res.ExecutionTimeMs,
		"tokens_used":       res.TokensUsed,
		"tool_calls":        res.ToolCalls,
		"metrics":           res.Metrics,
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.agent.Info())
}

// --- Metrics ---

func (s *Server) handleConversationMetrics(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.store.ListConversationMetrics(r.Context(), conv.ID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []domain.AgentMetrics{}
	}
	s.jsonResponse(w, http.StatusOK, records)
}

func (s *Server) handleUserMetrics(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 30)
	if err != nil || days < 1 {
		s.errorResponse(w, http.StatusBadRequest, errors.New("days must be a positive integer"))
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	usage, err := s.store.UserTokenUsage(r.Context(), principal(r).UserID, since)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, usage)
}

// --- Memory ---

func (s *Server) handleMemoryHistory(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	includeSystem, err := boolQuery(r, "include_system", true)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	entries := s.memory.History(conv.ID, limit, includeSystem)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"total":           len(entries),
		"history":         entries,
	})
}

func (s *Server) handleMemoryContext(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	n, err := intQuery(r, "num_messages", memory.DefaultContextMessages)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"context":         s.memory.Context(conv.ID, n),
	})
}

func (s *Server) handleMemoryStatistics(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, s.memory.Statistics(conv.ID))
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	role := domain.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid role %q", role))
		return
	}
	entries := s.memory.Search(conv.ID, q, role)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"query":           q,
		"total":           len(entries),
		"results":         entries,
	})
}

func (s *Server) handleMemoryExport(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	format := memory.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = memory.FormatJSON
	}
	data, err := s.memory.Export(conv.ID, format)
	if errors.Is(err, memory.ErrUnsupportedFormat) {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	} else if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	switch format {
	case memory.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case memory.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="conversation-%d.%s"`, conv.ID, format))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(data))
}

func (s *Server) retentionDays(r *http.Request) (int, error) {
	days, err := intQuery(r, "days", s.memory.RetentionDays())
	if err != nil {
		return 0, err
	}
	if days < 0 {
		return 0, errors.New("days must not be negative")
	}
	return days, nil
}

func (s *Server) handleMemoryOldest(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	days, err := s.retentionDays(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	entries := s.memory.OldestEntries(conv.ID, days)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"days":            days,
		"total":           len(entries),
		"entries":         entries,
	})
}

func (s *Server) handleMemoryCleanup(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	days, err := s.retentionDays(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	removed := s.memory.CleanupOldEntries(conv.ID, days)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"days":            days,
		"removed":         removed,
	})
}

func (s *Server) handleMemoryClear(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"cleared":         s.memory.Clear(conv.ID),
	})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.memory.MemoryStats())
}

// --- Tools ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.agent.Tools().Definitions())
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	success, output := s.agent.ProcessToolCall(r.Context(), name, req.Input)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"tool":    name,
		"success": success,
		"output":  output,
	})
}

// --- Documents ---

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errIndexUnavailable)
		return
	}
	var req struct {
		Documents []domain.Document `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Documents) == 0 {
		s.errorResponse(w, http.StatusBadRequest, errors.New("documents is required"))
		return
	}
	for i, d := range req.Documents {
		if strings.TrimSpace(d.Content) == "" {
			s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("documents[%d]: content is required", i))
			return
		}
	}
	if err := s.index.Add(r.Context(), req.Documents...); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	ids := make([]string, len(req.Documents))
	for i, d := range req.Documents {
		ids[i] = d.ID
	}
	s.jsonResponse(w, http.StatusCreated, map[string]any{"added": len(ids), "ids": ids})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errIndexUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := s.index.Delete(r.Context(), r.URL.Query().Get("namespace"), id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errIndexUnavailable)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	topK, err := intQuery(r, "top_k", retrieval.DefaultTopK)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	threshold, err := floatQuery(r, "threshold", retrieval.DefaultThreshold)
	if err != nil || threshold < 0 || threshold > 1 {
		s.errorResponse(w, http.StatusBadRequest, errors.New("threshold must be within [0,1]"))
		return
	}
	query := retrieval.Query{
		Text:      q,
		TopK:      topK,
		Threshold: threshold,
		Namespace: r.URL.Query().Get("namespace"),
	}
	if sector := r.URL.Query().Get("sector"); sector != "" {
		query.Filter = map[string]string{"sector": sector}
	}

	out := retrieval.Run(r.Context(), s.index, query)
	if out.Err != nil {
		s.errorResponse(w, http.StatusInternalServerError, out.Err)
		return
	}
	results := out.Results
	if results == nil {
		results = []domain.SearchResult{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"query":   q,
		"total":   len(results),
		"results": results,
	})
}

func (s *Server) handleDocumentStats(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errIndexUnavailable)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.index.Stats())
}
