// Package identity merges sessions that belong to one real visitor.
// Links use union-find semantics: a session points at exactly one link,
// and merging two linked sessions unions their groups instead of
// creating overlapping links.
package identity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/observability"
)

// Method is how a link was established.
const (
	MethodDeclared    = "declared"
	MethodFingerprint = "fingerprint"
)

// Config tunes the resolver.
type Config struct {
	// FingerprintThreshold is the minimum similarity score for a
	// probabilistic link. Declared-identifier matches bypass it.
	FingerprintThreshold float64
}

// LinkResult reports the outcome of a TryLink call.
type LinkResult struct {
	// Linked is true when both sessions now share one link (including
	// when they already did).
	Linked bool
	// Created is true when this call created or changed a link.
	Created    bool
	Method     string
	Confidence float64
	Link       *journey.Link
}

// Resolver owns all CrossDeviceLink creation and mutation.
type Resolver struct {
	sessions journey.Store
	links    journey.LinkStore
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewResolver creates a resolver over the session and link stores.
func NewResolver(sessions journey.Store, links journey.LinkStore, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.FingerprintThreshold <= 0 {
		cfg.FingerprintThreshold = 0.75
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		sessions: sessions,
		links:    links,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TryLink attempts to place two sessions under one identity. Matching is
// tried in priority order: a shared declared visitor identifier links
// immediately; otherwise a fingerprint/behavioral similarity score must
// clear the configured threshold. The operation is idempotent and
// commutative, and transitively merges existing groups.
func (r *Resolver) TryLink(ctx context.Context, sessionA, sessionB string) (*LinkResult, error) {
	if sessionA == sessionB {
		return &LinkResult{}, nil
	}

	sa, err := r.sessions.GetSession(ctx, sessionA)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionA, err)
	}
	sb, err := r.sessions.GetSession(ctx, sessionB)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionB, err)
	}

	method, confidence := r.match(sa, sb)
	if method == "" {
		return &LinkResult{}, nil
	}

	linkA, err := r.links.LinkOf(ctx, sessionA)
	if err != nil {
		return nil, err
	}
	linkB, err := r.links.LinkOf(ctx, sessionB)
	if err != nil {
		return nil, err
	}

	switch {
	case linkA != "" && linkA == linkB:
		// Already grouped; re-running is a no-op.
		link, err := r.links.GetLink(ctx, linkA)
		if err != nil {
			return nil, err
		}
		return &LinkResult{Linked: true, Method: link.Method, Confidence: link.Confidence, Link: link}, nil

	case linkA == "" && linkB == "":
		link := &journey.Link{
			ID:         uuid.New().String(),
			Method:     method,
			Confidence: confidence,
			CreatedAt:  r.now(),
		}
		if err := r.absorb(ctx, link, sa, sb); err != nil {
			return nil, err
		}
		observability.RecordLink(method)
		r.logger.Info("sessions linked",
			zap.String("session_a", sessionA),
			zap.String("session_b", sessionB),
			zap.String("link_id", link.ID),
			zap.String("method", method))
		return &LinkResult{Linked: true, Created: true, Method: method, Confidence: confidence, Link: link}, nil

	case linkA != "" && linkB != "":
		link, err := r.mergeLinks(ctx, linkA, linkB, method, confidence)
		if err != nil {
			return nil, err
		}
		observability.RecordLink(method)
		return &LinkResult{Linked: true, Created: true, Method: link.Method, Confidence: link.Confidence, Link: link}, nil

	default:
		// Exactly one side is linked; pull the other into that group.
		existing := linkA
		joining := sb
		if existing == "" {
			existing = linkB
			joining = sa
		}
		link, err := r.links.GetLink(ctx, existing)
		if err != nil {
			return nil, err
		}
		if err := r.absorb(ctx, link, joining); err != nil {
			return nil, err
		}
		observability.RecordLink(method)
		return &LinkResult{Linked: true, Created: true, Method: link.Method, Confidence: link.Confidence, Link: link}, nil
	}
}

// match decides whether two sessions belong together and how.
func (r *Resolver) match(a, b *journey.Session) (string, float64) {
	if a.VisitorID != "" && a.VisitorID == b.VisitorID {
		return MethodDeclared, 1.0
	}
	score := Similarity(a, b)
	if score >= r.cfg.FingerprintThreshold {
		return MethodFingerprint, score
	}
	return "", 0
}

// Similarity scores behavioral/fingerprint resemblance in [0, 1].
// An exact device fingerprint match dominates; softer behavioral
// features nudge the remainder.
func Similarity(a, b *journey.Session) float64 {
	var score float64
	if a.Device.Fingerprint != "" && a.Device.Fingerprint == b.Device.Fingerprint {
		score += 0.7
	}
	if a.Persona.Type != "" && a.Persona.Type == b.Persona.Type {
		score += 0.1
	}
	if a.Entry.Source == b.Entry.Source {
		score += 0.1
	}
	if a.Path == b.Path {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// absorb adds sessions to a link, reorders the member and device
// sequences chronologically, refreshes the aggregate probability, and
// persists.
func (r *Resolver) absorb(ctx context.Context, link *journey.Link, members ...*journey.Session) error {
	all := make([]*journey.Session, 0, len(link.Sessions)+len(members))
	for _, id := range link.Sessions {
		sess, err := r.sessions.GetSession(ctx, id)
		if err != nil {
			return fmt.Errorf("load member %s: %w", id, err)
		}
		all = append(all, sess)
	}
	for _, m := range members {
		if !link.Contains(m.ID) {
			all = append(all, m)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })

	link.Sessions = link.Sessions[:0]
	link.Devices = link.Devices[:0]
	agg := 0.0
	for _, sess := range all {
		link.Sessions = append(link.Sessions, sess.ID)
		link.Devices = append(link.Devices, sess.Device.Class)
		if sess.ConversionProbability > agg {
			agg = sess.ConversionProbability
		}
	}
	link.ConversionProbability = journey.ClampProbability(agg)
	link.UpdatedAt = r.now()

	return r.links.SaveLink(ctx, link)
}

// mergeLinks unions two existing groups under the survivor (the smaller
// link ID, so merge order doesn't matter) and removes the absorbed link.
func (r *Resolver) mergeLinks(ctx context.Context, idA, idB, method string, confidence float64) (*journey.Link, error) {
	if idB < idA {
		idA, idB = idB, idA
	}
	survivor, err := r.links.GetLink(ctx, idA)
	if err != nil {
		return nil, err
	}
	absorbed, err := r.links.GetLink(ctx, idB)
	if err != nil {
		return nil, err
	}

	// Declared beats fingerprint when the groups disagree.
	if absorbed.Method == MethodDeclared || method == MethodDeclared {
		survivor.Method = MethodDeclared
		survivor.Confidence = 1.0
	} else if confidence > survivor.Confidence {
		survivor.Confidence = confidence
	}

	members := make([]*journey.Session, 0, len(absorbed.Sessions))
	for _, id := range absorbed.Sessions {
		sess, err := r.sessions.GetSession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load member %s: %w", id, err)
		}
		members = append(members, sess)
	}
	if err := r.absorb(ctx, survivor, members...); err != nil {
		return nil, err
	}
	if err := r.links.RemoveLink(ctx, absorbed.ID); err != nil {
		return nil, err
	}

	r.logger.Info("links merged",
		zap.String("survivor", survivor.ID),
		zap.String("absorbed", absorbed.ID),
		zap.Int("sessions", len(survivor.Sessions)))
	return survivor, nil
}

// ScanDeclared feeds TryLink with candidate pairs of sessions sharing a
// declared visitor identifier. Called from the session-start hook.
func (r *Resolver) ScanDeclared(ctx context.Context, visitorID string) error {
	ids, err := r.sessions.SessionsByVisitor(ctx, visitorID)
	if err != nil {
		return err
	}
	r.linkPairs(ctx, "visitor_id", visitorID, ids)
	return nil
}

// ScanFingerprint feeds TryLink with candidate pairs of sessions seen on
// the same device fingerprint. TryLink re-scores each pair, so a shared
// fingerprint alone does not force a link below the threshold.
func (r *Resolver) ScanFingerprint(ctx context.Context, fingerprint string) error {
	ids, err := r.sessions.SessionsByFingerprint(ctx, fingerprint)
	if err != nil {
		return err
	}
	r.linkPairs(ctx, "fingerprint", fingerprint, ids)
	return nil
}

func (r *Resolver) linkPairs(ctx context.Context, keyField, key string, ids []string) {
	for i := 1; i < len(ids); i++ {
		if _, err := r.TryLink(ctx, ids[0], ids[i]); err != nil {
			observability.CountError("identity_scan")
			r.logger.Warn("candidate link failed",
				zap.String(keyField, key),
				zap.String("session_a", ids[0]),
				zap.String("session_b", ids[i]),
				zap.Error(err))
		}
	}
}
