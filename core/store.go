package core

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a session, message or artifact does not exist.
var ErrNotFound = errors.New("not found")

// Store persists sessions and session messages. Implementations must be safe
// for concurrent use and must return copies, never internal references.
type Store interface {
	// WriteSession inserts or replaces a session snapshot.
	WriteSession(ctx context.Context, s *Session) error
	// ReadSession returns the session or ErrNotFound.
	ReadSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns all sessions ordered by creation time.
	ListSessions(ctx context.Context) ([]*Session, error)

	// WriteMessage inserts or replaces a message.
	WriteMessage(ctx context.Context, m SessionMessage) error
	// ReadPendingMessages returns pending messages ordered by timestamp.
	ReadPendingMessages(ctx context.Context) ([]SessionMessage, error)
	// MarkProcessed flips a message to processed. Marking an already
	// processed message is not an error.
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// ListMessages returns every message sent from or to sessionID ordered
	// by timestamp. An empty sessionID lists all messages.
	ListMessages(ctx context.Context, sessionID string) ([]SessionMessage, error)

	// Clear removes every session, message and artifact.
	Clear(ctx context.Context) error
}

// Initializer is implemented by stores that need per-project setup before use
// (creating directories, schemas, metadata).
type Initializer interface {
	Init(ctx context.Context, projectDir string) error
}

// MessageWatcher is implemented by stores that can signal newly written
// messages. The returned channel receives a value whenever new messages may
// be pending; it is closed when ctx is done.
type MessageWatcher interface {
	WatchMessages(ctx context.Context) (<-chan struct{}, error)
}

// MessagePurger is implemented by stores that can delete old processed messages.
type MessagePurger interface {
	// PurgeMessages deletes processed messages with a timestamp before cutoff
	// and returns how many were removed.
	PurgeMessages(ctx context.Context, cutoff time.Time) (int, error)
}

// ArtifactStore persists opaque artifacts scoped by session identifier.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, sessionID, name string, data []byte) error
	GetArtifact(ctx context.Context, sessionID, name string) ([]byte, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]string, error)
	DeleteArtifact(ctx context.Context, sessionID, name string) error
}
