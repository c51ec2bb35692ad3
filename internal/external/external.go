// Package external holds the contracts this subsystem needs from the rest of
// the platform. Identity, snippet storage and scoring rules all live in other
// services; we consume them through these interfaces and trust their answers.
package external

import "context"

// Snippet is the read-only view of a stored snippet used for run/rerun.
type Snippet struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// SnippetStore fetches snippets by id. This subsystem never writes snippets.
type SnippetStore interface {
	GetSnippet(ctx context.Context, id string) (*Snippet, error)
}

// Scoring awards gamification points for an action. Invoked at most once per
// terminal execution, gated on the reconciler winning the terminal write.
type Scoring interface {
	Award(ctx context.Context, userID, actionKind string) error
}

// Analytics records an execution outcome event.
type Analytics interface {
	Record(ctx context.Context, userID string, snippetID *string, language string, durationMs int, outcome string) error
}
