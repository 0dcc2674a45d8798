package calllog

import (
	"context"
	"time"
)

// Entry is one journaled call: the conversation transcript and its summary.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Transcript     string    `json:"transcript"`
	Summary        string    `json:"summary"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves call journal entries.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
