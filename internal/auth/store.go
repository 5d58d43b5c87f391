package auth

import (
	"context"
	"sync"
	"time"
)

// Store holds sessions and trusted devices. Every method is a single atomic step.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Touch stamps activity at now and recomputes the expiry. Sessions already expired at
	// now are deleted and reported as ErrSessionExpired.
	Touch(ctx context.Context, id string, now time.Time, lifetime Lifetime) (Session, error)
	Delete(ctx context.Context, id string) error
	ListByPrincipal(ctx context.Context, principalID int64) ([]Session, error)
	DeleteByPrincipal(ctx context.Context, principalID int64) (int, error)
	// SetDeviceTrust records the device flag and applies it to the device's sessions still
	// active at now. Sessions already expired at now are deleted and left uncounted.
	SetDeviceTrust(ctx context.Context, principalID int64, fingerprint string, trusted bool, now time.Time, lifetime Lifetime) (int, error)
	IsTrustedDevice(ctx context.Context, principalID int64, fingerprint string) (bool, error)
	All(ctx context.Context) ([]Session, error)
}

type deviceKey struct {
	principalID int64
	fingerprint string
}

// MemoryStore keeps sessions in process behind one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	devices  map[deviceKey]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		devices:  make(map[deviceKey]struct{}),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, now time.Time, lifetime Lifetime) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !s.ActiveAt(now) {
		delete(m.sessions, id)
		return Session{}, ErrSessionExpired
	}
	s.LastActivity = now
	s.ExpiresAt = lifetime.ExpiryAt(s, now)
	m.sessions[id] = s
	return cloneSession(s), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListByPrincipal(ctx context.Context, principalID int64) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.PrincipalID == principalID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteByPrincipal(ctx context.Context, principalID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.PrincipalID == principalID {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) SetDeviceTrust(ctx context.Context, principalID int64, fingerprint string, trusted bool, now time.Time, lifetime Lifetime) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey{principalID: principalID, fingerprint: fingerprint}
	if trusted {
		m.devices[key] = struct{}{}
	} else {
		delete(m.devices, key)
	}
	updated := 0
	for id, s := range m.sessions {
		if s.PrincipalID != principalID || s.DeviceFingerprint != fingerprint {
			continue
		}
		if !s.ActiveAt(now) {
			delete(m.sessions, id)
			continue
		}
		s.Trusted = trusted
		s.ExpiresAt = lifetime.ExpiryAt(s, s.LastActivity)
		m.sessions[id] = s
		updated++
	}
	return updated, nil
}

func (m *MemoryStore) IsTrustedDevice(ctx context.Context, principalID int64, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[deviceKey{principalID: principalID, fingerprint: fingerprint}]
	return ok, nil
}

func (m *MemoryStore) All(ctx context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	return out, nil
}

func cloneSession(s Session) Session {
	s.Permissions = append([]string(nil), s.Permissions...)
	return s
}

var _ Store = (*MemoryStore)(nil)
