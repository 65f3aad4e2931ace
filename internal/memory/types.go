package memory

import (
	"context"
	"strings"
	"time"
)

// FactRecord stores one durable fact about a user, captured through the
// assistant's saveMemory tool.
type FactRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves long-term user facts.
type Store interface {
	SaveFact(ctx context.Context, record FactRecord) error
	RecentFacts(ctx context.Context, userID string, limit int) ([]FactRecord, error)
	Close() error
}

// RenderContext formats facts as a bullet list for splicing into a system
// instruction. Empty input renders to the empty string.
func RenderContext(facts []FactRecord) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range facts {
		b.WriteString("- ")
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
