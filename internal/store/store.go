// Package store persists conversations and design artifacts. The
// execution pipeline depends only on the ChatStore and ArtifactStore
// interfaces; the SQLite implementation lives alongside them.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session, artifact or message
	// does not exist.
	ErrNotFound = errors.New("store: not found")
)

// ChatMessage is one persisted conversation entry.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionFields carries the mutable session attributes an update may
// set. Nil fields are left unchanged.
type SessionFields struct {
	Title          *string
	Stage          *string
	BlueprintReady *bool
}

// ChatStore persists conversation sessions and their ordered messages.
type ChatStore interface {
	// GetMessages returns a session's messages in sequence order.
	GetMessages(ctx context.Context, sessionID string) ([]ChatMessage, error)
	// AddMessage appends a message; Sequence and ID are assigned by
	// the store when zero-valued.
	AddMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error)
	// NextSequenceNumber returns the sequence the next message in
	// the session will receive.
	NextSequenceNumber(ctx context.Context, sessionID string) (int, error)
	// UpdateSession applies the non-nil fields to the session,
	// creating it if absent.
	UpdateSession(ctx context.Context, sessionID string, fields SessionFields) error
}

// Artifact is a named output of the design pipeline (a blueprint, a
// firmware listing, a verification report). Content lives in versions.
type Artifact struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // blueprint, firmware, verification
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactVersion is one immutable revision of an artifact. Exactly
// one of Content or ContentJSON is set.
type ArtifactVersion struct {
	ID            string    `json:"id"`
	ArtifactID    string    `json:"artifact_id"`
	VersionNumber int       `json:"version_number"`
	Content       string    `json:"content,omitempty"`
	ContentJSON   string    `json:"content_json,omitempty"`
	ChangeSummary string    `json:"change_summary,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ArtifactStore persists artifacts and their versions.
type ArtifactStore interface {
	// CreateArtifact records a new artifact and returns its id.
	CreateArtifact(ctx context.Context, a Artifact) (string, error)
	// CreateVersion appends a revision. A zero VersionNumber is
	// assigned the next number for the artifact.
	CreateVersion(ctx context.Context, v ArtifactVersion) (ArtifactVersion, error)
	// LatestVersion returns the newest revision of an artifact.
	LatestVersion(ctx context.Context, artifactID string) (ArtifactVersion, error)
}
