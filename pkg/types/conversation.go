// Package types defines core data structures for persona chat
package types

import "time"

// ConversationRole represents the role of a message sender
type ConversationRole string

const (
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
)

// Turn is a single message in a persona transcript
type Turn struct {
	Role    ConversationRole `json:"role"`
	Content string           `json:"content"`
}

// UserTurn builds a turn authored by the user
func UserTurn(content string) Turn {
	return Turn{Role: ConversationRoleUser, Content: content}
}

// AssistantTurn builds a turn authored by the persona
func AssistantTurn(content string) Turn {
	return Turn{Role: ConversationRoleAssistant, Content: content}
}

// TurnRecord is one persisted user/assistant exchange
type TurnRecord struct {
	ID          int64     `json:"id" db:"id"`
	Character   string    `json:"character" db:"character"`
	UserMessage string    `json:"user_message" db:"user_message"`
	BotReply    string    `json:"bot_reply" db:"bot_reply"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// TranscriptRecord is one persisted full-transcript snapshot
type TranscriptRecord struct {
	ID           int64     `json:"id" db:"id"`
	Character    string    `json:"character" db:"character"`
	Conversation []Turn    `json:"conversation" db:"conversation"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}

// FlushMarker tracks how much of a transcript has been durably snapshotted
type FlushMarker struct {
	PersonaKey        string `json:"persona_key"`
	LastFlushedLength int    `json:"last_flushed_length"`
}
