// Package engine defines the conversation-engine collaborator: the
// opaque, possibly slow operation that produces an agent's next turn.
package engine

import (
	"context"
)

// Turn is the result of one agent turn.
type Turn struct {
	// Content is the agent's response text.
	Content string
	// TokensUsed is the total token count the turn consumed.
	TokensUsed int
}

// Engine produces agent turns. Implementations may block and may fail;
// callers must treat every call as a suspension point and never hold
// registry or pool locks across it.
type Engine interface {
	CreateTurn(ctx context.Context, sessionID string, input string) (*Turn, error)
}
