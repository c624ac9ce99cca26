package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/plutus-security/internal/testutil"
)

type mockKV struct {
	mock.Mock
}

func (m *mockKV) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return m.Called(ctx, key, value, expiration).Error(0)
}

func (m *mockKV) Del(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(int64), args.Error(1)
}

// countingSource returns a fixed profile and counts calls.
type countingSource struct {
	profile Profile
	err     error
	calls   int
}

func (s *countingSource) Profile(_ context.Context, tenantID string) (Profile, error) {
	s.calls++
	if s.err != nil {
		return Profile{}, s.err
	}
	p := s.profile
	if p.TenantID == "" {
		p.TenantID = tenantID
	}
	return p, nil
}

var sharedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// newShared returns a SharedCache whose clock reads clock.
func newShared(kv KV, next Source, ttl time.Duration, prefix string, clock *testutil.Clock) *SharedCache {
	s := NewSharedCache(kv, next, ttl, prefix, nil)
	s.now = clock.Now
	return s
}

// memKV is a map-backed KV honouring expirations against a clock.
type memKV struct {
	mu      sync.Mutex
	clock   *testutil.Clock
	values  map[string]string
	expires map[string]time.Time
}

func newMemKV(clock *testutil.Clock) *memKV {
	return &memKV{clock: clock, values: map[string]string{}, expires: map[string]time.Time{}}
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if ok && !m.clock.Now().Before(m.expires[key]) {
		delete(m.values, key)
		return "", false, nil
	}
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value.(string)
	m.expires[key] = m.clock.Now().Add(expiration)
	return nil
}

func (m *memKV) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.values[k]; ok {
			delete(m.values, k)
			n++
		}
	}
	return n, nil
}

func TestSharedCache_Hit(t *testing.T) {
	t.Parallel()

	clock := testutil.NewClock(sharedNow)
	kv := new(mockKV)
	kv.On("Get", mock.Anything, "plutus:tenant:t1").
		Return(`{"tenantId":"t1","residency":"eu","expiresAt":"2024-06-01T12:05:00Z"}`, true, nil)
	next := &countingSource{}

	p, staleAt, err := newShared(kv, next, time.Minute, "plutus:", clock).ProfileUntil(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Profile{TenantID: "t1", Residency: "eu"}, p)
	assert.True(t, staleAt.Equal(sharedNow.Add(5*time.Minute)))
	assert.Zero(t, next.calls)
	kv.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSharedCache_MissFillsKV(t *testing.T) {
	t.Parallel()

	clock := testutil.NewClock(sharedNow)
	kv := new(mockKV)
	kv.On("Get", mock.Anything, "tenant:t1").Return("", false, nil)
	kv.On("Set", mock.Anything, "tenant:t1",
		`{"tenantId":"t1","residency":"apac","expiresAt":"2024-06-01T12:15:00Z"}`, 15*time.Minute).Return(nil)
	next := &countingSource{profile: Profile{Residency: "apac"}}

	p, staleAt, err := newShared(kv, next, 15*time.Minute, "", clock).ProfileUntil(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "apac", p.Residency)
	assert.True(t, staleAt.Equal(sharedNow.Add(15*time.Minute)))
	assert.Equal(t, 1, next.calls)
	kv.AssertExpectations(t)
}

func TestSharedCache_EntryWithoutLifetimeLeftIsRefetched(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"past expiry":    `{"tenantId":"t1","residency":"eu","expiresAt":"2024-06-01T11:59:59Z"}`,
		"missing expiry": `{"tenantId":"t1","residency":"eu"}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			kv := new(mockKV)
			kv.On("Get", mock.Anything, "tenant:t1").Return(raw, true, nil)
			kv.On("Set", mock.Anything, "tenant:t1", mock.Anything, time.Minute).Return(nil)
			next := &countingSource{profile: Profile{Residency: "us"}}

			p, err := newShared(kv, next, time.Minute, "", testutil.NewClock(sharedNow)).Profile(context.Background(), "t1")
			require.NoError(t, err)
			assert.Equal(t, "us", p.Residency)
			assert.Equal(t, 1, next.calls)
		})
	}
}

func TestResolver_SharedTierBoundsStalenessToOneTTL(t *testing.T) {
	t.Parallel()

	const ttl = 10 * time.Minute
	clock := testutil.NewClock(sharedNow)
	kv := newMemKV(clock)
	upstream := &countingSource{profile: Profile{Residency: "eu"}}

	// Another replica filled the shared entry 8 minutes ago.
	_, err := newShared(kv, upstream, ttl, "", clock).Profile(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, upstream.calls)
	clock.Advance(8 * time.Minute)
	upstream.profile = Profile{Residency: "us"}

	r, err := NewResolver(newShared(kv, upstream, ttl, "", clock), WithTTL(ttl), WithClock(clock.Now))
	require.NoError(t, err)

	p, err := r.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "eu", p.Residency, "served from the shared tier")
	assert.Equal(t, 1, upstream.calls)

	clock.Advance(2 * time.Minute)
	p, err = r.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "us", p.Residency, "the local copy expires with the shared one")
	assert.Equal(t, 2, upstream.calls)
}

func TestSharedCache_KVFailuresFallThrough(t *testing.T) {
	t.Parallel()

	kv := new(mockKV)
	kv.On("Get", mock.Anything, mock.Anything).Return("", false, errors.New("redis down"))
	kv.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))
	next := &countingSource{profile: Profile{Residency: "us"}}

	p, err := NewSharedCache(kv, next, time.Minute, "", nil).Profile(context.Background(), "t1")
	require.NoError(t, err, "the shared layer is advisory")
	assert.Equal(t, Profile{TenantID: "t1", Residency: "us"}, p)
	assert.Equal(t, 1, next.calls)
}

func TestSharedCache_CorruptEntryIgnored(t *testing.T) {
	t.Parallel()

	kv := new(mockKV)
	kv.On("Get", mock.Anything, "tenant:t1").Return(`{not json`, true, nil)
	kv.On("Set", mock.Anything, "tenant:t1", mock.Anything, time.Minute).Return(nil)
	next := &countingSource{profile: Profile{Residency: "eu"}}

	p, err := NewSharedCache(kv, next, time.Minute, "", nil).Profile(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "eu", p.Residency)
	assert.Equal(t, 1, next.calls)
}

func TestSharedCache_SourceErrorNotStored(t *testing.T) {
	t.Parallel()

	kv := new(mockKV)
	kv.On("Get", mock.Anything, "tenant:t1").Return("", false, nil)
	boom := errors.New("config service down")
	next := &countingSource{err: boom}

	_, err := NewSharedCache(kv, next, time.Minute, "", nil).Profile(context.Background(), "t1")
	assert.ErrorIs(t, err, boom)
	kv.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSharedCache_Invalidate(t *testing.T) {
	t.Parallel()

	kv := new(mockKV)
	kv.On("Del", mock.Anything, []string{"p:tenant:t1"}).Return(int64(1), nil)

	require.NoError(t, NewSharedCache(kv, &countingSource{}, time.Minute, "p:", nil).Invalidate(context.Background(), "t1"))
	kv.AssertExpectations(t)
}
