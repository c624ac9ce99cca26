package tenant

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// KV is the key-value store behind [SharedCache]. *redis.Client from
// pkg/clients/redis satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

// SharedCache is a read-through layer over another [Source], stored in a
// KV shared by every replica. The KV is advisory: its errors are logged and
// the lookup falls through to the wrapped source.
type SharedCache struct {
	kv     KV
	next   Source
	ttl    time.Duration
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// sharedEntry is the stored JSON. ExpiresAt is absolute so that readers in
// other replicas can tell how much of the TTL is left.
type sharedEntry struct {
	Profile
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewSharedCache wraps next. Entries live for ttl in the KV under
// prefix+"tenant:"+id.
func NewSharedCache(kv KV, next Source, ttl time.Duration, prefix string, logger *slog.Logger) *SharedCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedCache{kv: kv, next: next, ttl: ttl, prefix: prefix, logger: logger, now: time.Now}
}

func (s *SharedCache) key(tenantID string) string {
	return s.prefix + "tenant:" + tenantID
}

// Profile returns the shared entry when present and live, otherwise asks
// the wrapped source and stores its answer.
func (s *SharedCache) Profile(ctx context.Context, tenantID string) (Profile, error) {
	p, _, err := s.ProfileUntil(ctx, tenantID)
	return p, err
}

// ProfileUntil is [SharedCache.Profile] plus the time the returned profile
// goes stale in the shared tier.
func (s *SharedCache) ProfileUntil(ctx context.Context, tenantID string) (Profile, time.Time, error) {
	key := s.key(tenantID)

	raw, found, err := s.kv.Get(ctx, key)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "shared tenant cache read failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
	case found:
		var e sharedEntry
		if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil && e.TenantID != "" && s.now().Before(e.ExpiresAt) {
			return e.Profile, e.ExpiresAt, nil
		}
		s.logger.WarnContext(ctx, "discarding stale or undecodable shared tenant entry", slog.String("tenant", tenantID))
	}

	fetchedAt := s.now()
	p, err := s.next.Profile(ctx, tenantID)
	if err != nil {
		return Profile{}, time.Time{}, err
	}

	expiresAt := fetchedAt.Add(s.ttl)
	if data, jsonErr := json.Marshal(sharedEntry{Profile: p, ExpiresAt: expiresAt}); jsonErr == nil {
		if err := s.kv.Set(ctx, key, string(data), s.ttl); err != nil {
			s.logger.WarnContext(ctx, "shared tenant cache write failed",
				slog.String("tenant", tenantID), slog.Any("error", err))
		}
	}
	return p, expiresAt, nil
}

// Invalidate drops the shared entry for tenantID.
func (s *SharedCache) Invalidate(ctx context.Context, tenantID string) error {
	_, err := s.kv.Del(ctx, s.key(tenantID))
	return err
}
