package engine

import (
	"context"
	"strings"
)

// EchoEngine is a deterministic Engine for tests and offline runs. It
// echoes the input back and charges one token per whitespace-separated
// word.
type EchoEngine struct{}

// NewEchoEngine creates a deterministic echo engine.
func NewEchoEngine() *EchoEngine { return &EchoEngine{} }

func (e *EchoEngine) CreateTurn(ctx context.Context, sessionID string, input string) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Turn{
		Content:    "echo: " + input,
		TokensUsed: len(strings.Fields(input)) + 1,
	}, nil
}
