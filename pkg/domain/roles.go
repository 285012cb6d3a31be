package domain

// Role defines the sender of a conversation entry.
type Role string

const (
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model/assistant.
	RoleAssistant Role = "assistant"
	// RoleSystem indicates a system-level message (e.g. a prompt injected by the host).
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a durable conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationClosed   ConversationStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationArchived, ConversationClosed:
		return true
	}
	return false
}

// AgentStatus is the single observable state of an agent instance.
type AgentStatus string

const (
	StatusIdle        AgentStatus = "idle"
	StatusThinking    AgentStatus = "thinking"
	StatusExecuting   AgentStatus = "executing"
	StatusToolCalling AgentStatus = "tool_calling"
	StatusError       AgentStatus = "error"
)
