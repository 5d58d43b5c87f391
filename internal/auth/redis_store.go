package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "session:"
	principalKeyPrefix = "principal_sessions:"
	devicesKeyPrefix   = "trusted_devices:"
	sessionIndexKey    = "sessions:index"
	maxTxRetries       = 5
)

// RedisStore keeps sessions in Redis so every instance sees the same registry.
// Read-modify-write operations run under WATCH and retry on conflict.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func principalKey(id int64) string { return principalKeyPrefix + strconv.FormatInt(id, 10) }

func devicesKey(id int64) string { return devicesKeyPrefix + strconv.FormatInt(id, 10) }

func (r *RedisStore) Create(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sessionKey(s.ID), data, 0)
		p.PExpireAt(ctx, sessionKey(s.ID), s.ExpiresAt)
		p.SAdd(ctx, principalKey(s.PrincipalID), s.ID)
		p.SAdd(ctx, sessionIndexKey, s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("auth: redis create session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return decodeSession(raw)
}

func (r *RedisStore) Touch(ctx context.Context, id string, now time.Time, lifetime Lifetime) (Session, error) {
	var touched Session
	key := sessionKey(id)
	err := r.retry(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}
		s, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if !s.ActiveAt(now) {
			_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key)
				p.SRem(ctx, principalKey(s.PrincipalID), id)
				p.SRem(ctx, sessionIndexKey, id)
				return nil
			})
			if err != nil {
				return err
			}
			return ErrSessionExpired
		}
		s.LastActivity = now
		s.ExpiresAt = lifetime.ExpiryAt(s, now)
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.PExpireAt(ctx, key, s.ExpiresAt)
			return nil
		})
		if err != nil {
			return err
		}
		touched = s
		return nil
	}, key)
	if err != nil {
		return Session{}, err
	}
	return touched, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKey(id))
		p.SRem(ctx, principalKey(s.PrincipalID), id)
		p.SRem(ctx, sessionIndexKey, id)
		return nil
	})
	return err
}

func (r *RedisStore) ListByPrincipal(ctx context.Context, principalID int64) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, principalKey(principalID)).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids, principalKey(principalID))
}

func (r *RedisStore) DeleteByPrincipal(ctx context.Context, principalID int64) (int, error) {
	ids, err := r.client.SMembers(ctx, principalKey(principalID)).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
		members[i] = id
	}
	var deleted *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, keys...)
		p.Del(ctx, principalKey(principalID))
		p.SRem(ctx, sessionIndexKey, members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(deleted.Val()), nil
}

func (r *RedisStore) SetDeviceTrust(ctx context.Context, principalID int64, fingerprint string, trusted bool, now time.Time, lifetime Lifetime) (int, error) {
	if trusted {
		if err := r.client.SAdd(ctx, devicesKey(principalID), fingerprint).Err(); err != nil {
			return 0, err
		}
	} else if err := r.client.SRem(ctx, devicesKey(principalID), fingerprint).Err(); err != nil {
		return 0, err
	}
	sessions, err := r.ListByPrincipal(ctx, principalID)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, candidate := range sessions {
		if candidate.DeviceFingerprint != fingerprint {
			continue
		}
		key := sessionKey(candidate.ID)
		err := r.retry(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrSessionNotFound
				}
				return err
			}
			s, err := decodeSession(raw)
			if err != nil {
				return err
			}
			if !s.ActiveAt(now) {
				_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Del(ctx, key)
					p.SRem(ctx, principalKey(s.PrincipalID), s.ID)
					p.SRem(ctx, sessionIndexKey, s.ID)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrSessionExpired
			}
			s.Trusted = trusted
			s.ExpiresAt = lifetime.ExpiryAt(s, s.LastActivity)
			data, err := json.Marshal(s)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, 0)
				p.PExpireAt(ctx, key, s.ExpiresAt)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			continue
		}
		if err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (r *RedisStore) IsTrustedDevice(ctx context.Context, principalID int64, fingerprint string) (bool, error) {
	return r.client.SIsMember(ctx, devicesKey(principalID), fingerprint).Result()
}

func (r *RedisStore) All(ctx context.Context) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids, sessionIndexKey)
}

// load fetches ids in one MGET and prunes ids whose session key already expired from index.
func (r *RedisStore) load(ctx context.Context, ids []string, index string) ([]Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var (
		out   []Session
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, index, stale...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *RedisStore) retry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("auth: redis transaction contention on %v", keys)
}

func decodeSession(raw []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("auth: decode session: %w", err)
	}
	return s, nil
}

var _ Store = (*RedisStore)(nil)
