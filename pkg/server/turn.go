package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nstogner/sectoragent/pkg/agent"
	"github.com/nstogner/sectoragent/pkg/auth"
	"github.com/nstogner/sectoragent/pkg/domain"
	"github.com/nstogner/sectoragent/pkg/memory"
)

// turn is one executed and persisted exchange.
type turn struct {
	UserMessage      *domain.Message
	AssistantMessage *domain.Message // nil when the turn failed
	Result           agent.ExecutionResult
}

// runTurn persists the user message, runs the agent and persists the
// assistant reply and the metrics. The returned error covers persistence
// only; agent failures are reported in turn.Result.
func (s *Server) runTurn(ctx context.Context, p auth.Principal, conv *domain.Conversation, content string, useTools bool) (*turn, error) {
	if err := s.hydrateMemory(ctx, conv); err != nil {
		return nil, err
	}

	userMsg := &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        content,
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("saving user message: %w", err)
	}

	res := s.agent.Execute(ctx, agent.ExecuteRequest{
		ConversationID: conv.ID,
		UserInput:      content,
		UserMessageID:  userMsg.ID,
		SystemPrompt:   s.systemPrompt(ctx, p, conv),
		UseTools:       useTools,
		Sector:         conv.Sector,
		UserID:         p.UserID,
	})

	rec := res.Metrics
	if err := s.store.RecordMetrics(ctx, &rec); err != nil {
		s.logger.Error("Failed to save metrics", "conversationID", conv.ID, "executionID", res.ExecutionID, "error", err)
	}

	t := &turn{UserMessage: userMsg, Result: res}
	if !res.Success {
		return t, nil
	}

	t.AssistantMessage = &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        res.Response,
		Metadata: map[string]any{
			"tokens":            res.TokensUsed,
			"execution_time_ms": res.ExecutionTimeMs,
			"execution_id":      res.ExecutionID,
		},
	}
	if err := s.store.AppendMessage(ctx, t.AssistantMessage); err != nil {
		return nil, fmt.Errorf("saving assistant message: %w", err)
	}
	return t, nil
}

// hydrateMemory loads the recent durable history of a conversation the
// memory store has not seen since the process started. Concurrent callers
// for the same conversation wait for a single load.
func (s *Server) hydrateMemory(ctx context.Context, conv *domain.Conversation) error {
	_, err, _ := s.hydration.Do(strconv.FormatInt(conv.ID, 10), func() (any, error) {
		if _, ok := s.memory.Conversation(conv.ID); ok {
			return nil, nil
		}
		msgs, err := s.store.GetMessages(ctx, conv.ID, s.memory.MaxSize())
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
		s.memory.RegisterConversation(*conv)
		if len(s.memory.History(conv.ID, 1, true)) > 0 {
			return nil, nil
		}
		for _, m := range msgs {
			s.memory.AddEntry(conv.ID, m.Role, m.Content, memory.WithEntryID(m.ID), memory.WithMetadata(m.Metadata))
		}
		if len(msgs) > 0 {
			s.logger.Debug("Memory hydrated from storage", "conversationID", conv.ID, "messages", len(msgs))
		}
		return nil, nil
	})
	return err
}

// systemPrompt is the conversation's prompt, or the agent's, followed by a
// block describing the caller.
func (s *Server) systemPrompt(ctx context.Context, p auth.Principal, conv *domain.Conversation) string {
	base := conv.SystemPrompt
	if base == "" {
		base = s.agent.SystemPrompt()
	}

	name, email := p.FullName, p.Email
	var since string
	if u, err := s.store.GetUser(ctx, p.UserID); err == nil {
		if u.FullName != "" {
			name = u.FullName
		}
		if u.Email != "" {
			email = u.Email
		}
		since = u.CreatedAt.Format("2006-01-02")
	}
	sector := conv.Sector
	if sector == "" {
		sector = "not specified"
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nUser context:\n")
	if name != "" {
		fmt.Fprintf(&sb, "- Name: %s\n", name)
	}
	fmt.Fprintf(&sb, "- Email: %s\n", email)
	if since != "" {
		fmt.Fprintf(&sb, "- User since: %s\n", since)
	}
	fmt.Fprintf(&sb, "- Sector of interest: %s\n", sector)
	return sb.String()
}
