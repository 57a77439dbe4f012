package journey

import (
	"context"
	"time"
)

// Store abstracts journey-state persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession persists a brand-new session. Idempotent on session
	// ID: creating an ID that already exists returns the stored session
	// and no error, so at-least-once delivery of the start event is safe.
	CreateSession(ctx context.Context, sess *Session) (*Session, error)

	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSession writes sess back, checking that the stored version
	// still equals sess.Version. On success the stored version is
	// incremented and sess.Version is updated to match.
	// Returns ErrStaleWrite on a version conflict.
	UpdateSession(ctx context.Context, sess *Session) error

	// AppendTouchpoint appends one touchpoint to a session's log
	// (append-only).
	AppendTouchpoint(ctx context.Context, tp *Touchpoint) error

	// Touchpoints retrieves a session's touchpoints in sequence order.
	Touchpoints(ctx context.Context, sessionID string) ([]*Touchpoint, error)

	// AppendConversion records a conversion outcome (append-only).
	AppendConversion(ctx context.Context, conv *Conversion) error

	// Conversions retrieves a session's conversions in recorded order.
	Conversions(ctx context.Context, sessionID string) ([]*Conversion, error)

	// SessionsByStage returns the IDs of sessions currently in a stage.
	// Used by the optimization loop and the idle sweep for range scans.
	SessionsByStage(ctx context.Context, stage Stage) ([]string, error)

	// SessionsByVisitor returns the IDs of sessions sharing a declared
	// visitor identifier. Feeds the identity resolver.
	SessionsByVisitor(ctx context.Context, visitorID string) ([]string, error)

	// SessionsByFingerprint returns the IDs of sessions observed on the
	// same device fingerprint. Feeds probabilistic identity resolution.
	SessionsByFingerprint(ctx context.Context, fingerprint string) ([]string, error)

	// IncrProofCounter bumps a real aggregated counter (views, purchases)
	// and returns the new value. These counters back social-proof
	// triggers and are never written by the trigger engine itself.
	IncrProofCounter(ctx context.Context, name string, delta int64) (int64, error)

	// ProofCounter reads an aggregated counter, 0 if absent.
	ProofCounter(ctx context.Context, name string) (int64, error)

	// ArchiveSession marks a session archived and removes it from stage
	// indexes. The touchpoint log is kept until DeleteSession.
	ArchiveSession(ctx context.Context, sessionID string) error

	// DeleteSession removes a session and all its data.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store.
	Close() error
}

// TriggerExpiryStore persists first-issued trigger deadlines so a
// countdown is never reissued with a later expiry for the same session.
type TriggerExpiryStore interface {
	// TriggerExpiry returns the stored deadline for (sessionID, trigger),
	// setting candidate as the deadline if none was stored yet. The
	// returned deadline never moves later across calls.
	TriggerExpiry(ctx context.Context, sessionID, trigger string, candidate time.Time) (time.Time, error)
}

// LinkStore persists cross-device identity links with union-find
// semantics: each session points at a link root, and merging two roots
// unions their groups.
type LinkStore interface {
	// LinkOf returns the link a session belongs to, or "" if unlinked.
	LinkOf(ctx context.Context, sessionID string) (string, error)

	// GetLink loads a link document by ID.
	GetLink(ctx context.Context, linkID string) (*Link, error)

	// SaveLink writes a link document and the session->link pointers for
	// every member.
	SaveLink(ctx context.Context, link *Link) error

	// RemoveLink deletes an absorbed link document (its members now point
	// at the surviving root).
	RemoveLink(ctx context.Context, linkID string) error
}

// Link groups sessions believed to belong to one real visitor.
type Link struct {
	ID string `json:"id"`
	// Method is how the link was established: "declared" or "fingerprint".
	Method string `json:"method"`
	// Confidence is the match confidence; 1.0 for declared identifiers.
	Confidence float64 `json:"confidence"`
	// Sessions are member session IDs in the order their devices were
	// first seen.
	Sessions []string `json:"sessions"`
	// Devices is the chronological device-class sequence across members.
	Devices []DeviceClass `json:"devices"`
	// ConversionProbability aggregates the members' probabilities.
	ConversionProbability float64   `json:"conversionProbability"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Contains reports whether the link includes sessionID.
func (l *Link) Contains(sessionID string) bool {
	for _, id := range l.Sessions {
		if id == sessionID {
			return true
		}
	}
	return false
}
