package memory

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/nstogner/sectoragent/pkg/domain"
)

// Statistics summarises one conversation's in-memory history.
type Statistics struct {
	ConversationID            int64      `json:"conversation_id"`
	TotalMessages             int        `json:"total_messages"`
	UserMessages              int        `json:"user_messages"`
	AssistantMessages         int        `json:"assistant_messages"`
	TotalCharacters           int        `json:"total_characters"`
	AvgUserMessageLength      float64    `json:"avg_user_message_length"`
	AvgAssistantMessageLength float64    `json:"avg_assistant_message_length"`
	FirstMessageTimestamp     *time.Time `json:"first_message_timestamp,omitempty"`
	LastMessageTimestamp      *time.Time `json:"last_message_timestamp,omitempty"`
}

// Statistics computes counts and average lengths in a single pass. Lengths
// are measured in characters, not bytes.
func (s *Store) Statistics(conversationID int64) Statistics {
	entries := s.snapshot(conversationID)
	stats := Statistics{ConversationID: conversationID, TotalMessages: len(entries)}

	var userChars, assistantChars int
	for _, e := range entries {
		n := utf8.RuneCountInString(e.Content)
		stats.TotalCharacters += n
		switch e.Role {
		case domain.RoleUser:
			stats.UserMessages++
			userChars += n
		case domain.RoleAssistant:
			stats.AssistantMessages++
			assistantChars += n
		}
	}

	stats.AvgUserMessageLength = average(userChars, stats.UserMessages)
	stats.AvgAssistantMessageLength = average(assistantChars, stats.AssistantMessages)
	if len(entries) > 0 {
		first, last := entries[0].Timestamp, entries[len(entries)-1].Timestamp
		stats.FirstMessageTimestamp = &first
		stats.LastMessageTimestamp = &last
	}
	return stats
}

// average returns total/count rounded to 2 decimals, or 0 for an empty set.
func average(total, count int) float64 {
	if count == 0 {
		return 0
	}
	return math.Round(float64(total)/float64(count)*100) / 100
}
