package auth

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fnbcost/fnbcost/internal/shared"
)

// IssueRequest describes a session about to be created.
type IssueRequest struct {
	PrincipalID       int64
	DeviceFingerprint string
	Permissions       []string
	IP                string
	UserAgent         string
}

// Registry owns the session lifecycle on top of a Store.
type Registry struct {
	store    Store
	lifetime Lifetime
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry constructs a Registry.
func NewRegistry(store Store, lifetime Lifetime, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if lifetime.Idle <= 0 || lifetime.MaxAge <= 0 {
		lifetime = DefaultLifetime()
	}
	return &Registry{store: store, lifetime: lifetime, logger: logger, now: time.Now}
}

// Lifetime returns the configured bounds.
func (r *Registry) Lifetime() Lifetime {
	return r.lifetime
}

// Issue creates a session. Devices the principal already trusts start trusted.
func (r *Registry) Issue(ctx context.Context, req IssueRequest) (Session, error) {
	now := r.now().UTC()
	fingerprint := strings.TrimSpace(req.DeviceFingerprint)
	trusted := false
	if fingerprint != "" {
		var err error
		trusted, err = r.store.IsTrustedDevice(ctx, req.PrincipalID, fingerprint)
		if err != nil {
			return Session{}, err
		}
	}
	s := Session{
		ID:                uuid.NewString(),
		PrincipalID:       req.PrincipalID,
		DeviceFingerprint: fingerprint,
		Trusted:           trusted,
		IssuedAt:          now,
		LastActivity:      now,
		Permissions:       append([]string(nil), req.Permissions...),
		IP:                req.IP,
		UserAgent:         req.UserAgent,
	}
	s.ExpiresAt = r.lifetime.ExpiryAt(s, now)
	if err := r.store.Create(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Resolve validates id and records activity with one clock read.
func (r *Registry) Resolve(ctx context.Context, id string) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, ErrSessionNotFound
	}
	return r.store.Touch(ctx, id, r.now().UTC(), r.lifetime)
}

// List returns the principal's live sessions, newest first.
func (r *Registry) List(ctx context.Context, principalID int64) ([]Session, error) {
	sessions, err := r.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	live := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.ActiveAt(now) {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].IssuedAt.After(live[j].IssuedAt) })
	return live, nil
}

// Revoke deletes sessionID on behalf of actingPrincipalID. Sessions owned by someone else
// are only visible when manageOthers is set; otherwise they look absent.
func (r *Registry) Revoke(ctx context.Context, sessionID string, actingPrincipalID int64, manageOthers bool) (Session, error) {
	s, err := r.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, shared.ErrMissing("session not found")
		}
		return Session{}, err
	}
	if s.PrincipalID != actingPrincipalID && !manageOthers {
		return Session{}, shared.ErrMissing("session not found")
	}
	if err := r.store.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, shared.ErrMissing("session not found")
		}
		return Session{}, err
	}
	r.logger.Info("session revoked",
		slog.String("session_id", sessionID),
		slog.Int64("principal_id", s.PrincipalID),
		slog.Int64("revoked_by", actingPrincipalID))
	return s, nil
}

// RevokeAll deletes every session of principalID.
func (r *Registry) RevokeAll(ctx context.Context, principalID int64) (int, error) {
	return r.store.DeleteByPrincipal(ctx, principalID)
}

// SetDeviceTrust marks or clears a device as trusted for the principal.
func (r *Registry) SetDeviceTrust(ctx context.Context, principalID int64, fingerprint string, trusted bool) (int, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		verr := shared.ErrValidation("device fingerprint required")
		verr.Fields = map[string]string{"device_fingerprint": "required"}
		return 0, verr
	}
	return r.store.SetDeviceTrust(ctx, principalID, fingerprint, trusted, r.now().UTC(), r.lifetime)
}

// Stats aggregates live sessions.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	sessions, err := r.store.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := r.now().UTC()
	stats := Stats{ByPrincipal: make(map[int64]int)}
	for _, s := range sessions {
		if !s.ActiveAt(now) {
			continue
		}
		stats.Active++
		if s.Trusted {
			stats.Trusted++
		}
		stats.ByPrincipal[s.PrincipalID]++
		if now.Sub(s.IssuedAt) < time.Hour {
			stats.IssuedLastHour++
		}
		if stats.OldestIssuedAt == nil || s.IssuedAt.Before(*stats.OldestIssuedAt) {
			issued := s.IssuedAt
			stats.OldestIssuedAt = &issued
		}
	}
	stats.Principals = len(stats.ByPrincipal)
	return stats, nil
}

// PurgeExpired deletes sessions past their expiry.
func (r *Registry) PurgeExpired(ctx context.Context) (int, error) {
	sessions, err := r.store.All(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now().UTC()
	purged := 0
	for _, s := range sessions {
		if s.ActiveAt(now) {
			continue
		}
		if err := r.store.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Run purges expired sessions on interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.PurgeExpired(ctx)
			if err != nil {
				r.logger.Warn("purge expired sessions", slog.Any("error", err))
				continue
			}
			if n > 0 {
				r.logger.Debug("purged expired sessions", slog.Int("count", n))
			}
		}
	}
}
