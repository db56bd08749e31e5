package session

import (
	"context"
	"errors"
)

// Storage errors.
var (
	// ErrSnapshotNotFound is returned when no snapshot exists for a session.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("snapshot store is closed")
)

// SnapshotStore persists terminal session snapshots. Implementations
// must be safe for concurrent use.
type SnapshotStore interface {
	// SaveSnapshot stores a terminal snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LoadSnapshot retrieves a snapshot by session ID.
	// Returns ErrSnapshotNotFound if it doesn't exist.
	LoadSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)

	// ListSnapshots returns snapshots for an agent, newest first.
	ListSnapshots(ctx context.Context, agentID string, limit int) ([]*Snapshot, error)

	// Close releases resources held by the store.
	Close() error
}
