package kv

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store with Redis semantics for TTLs and
// ordered sets. It is the fallback when Redis is not configured.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]*memValue
	zsets  map[string]*memZSet
	now    func() time.Time
}

type memValue struct {
	value     string
	expiresAt time.Time
}

type memZSet struct {
	members   map[string]float64
	expiresAt time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects the clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		values: make(map[string]*memValue),
		zsets:  make(map[string]*memZSet),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// value returns the live string entry for key. Caller holds mu.
func (m *MemoryStore) value(key string) *memValue {
	v, ok := m.values[key]
	if !ok {
		return nil
	}
	if expired(v.expiresAt, m.now()) {
		delete(m.values, key)
		return nil
	}
	return v
}

// zset returns the live ordered set for key. Caller holds mu.
func (m *MemoryStore) zset(key string) *memZSet {
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	if expired(z.expiresAt, m.now()) || len(z.members) == 0 {
		delete(m.zsets, key)
		return nil
	}
	return z
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.value(key)
	if v == nil {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = &memValue{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.values, key)
		delete(m.zsets, key)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.value(key) != nil || m.zset(key) != nil, nil
}

func (m *MemoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	v := m.value(key)
	if v != nil {
		parsed, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++

	if v == nil {
		v = &memValue{}
		m.values[key] = v
	}
	v.value = strconv.FormatInt(n, 10)
	if v.expiresAt.IsZero() {
		v.expiresAt = m.expiry(ttl)
	}
	return n, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.expiry(ttl)
	if v := m.value(key); v != nil {
		v.expiresAt = at
	}
	if z := m.zset(key); z != nil {
		z.expiresAt = at
	}
	return nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key)
	if z == nil {
		z = &memZSet{members: make(map[string]float64)}
		m.zsets[key] = z
	}
	z.members[member] = score
	return nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key)
	if z == nil {
		return 0, nil
	}
	var removed int64
	for member, score := range z.members {
		if score >= min && score <= max {
			delete(z.members, member)
			removed++
		}
	}
	if len(z.members) == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

func (m *MemoryStore) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key)
	if z == nil {
		return 0, nil
	}
	var n int64
	for _, score := range z.members {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key)
	if z == nil {
		return 0, nil
	}
	return int64(len(z.members)), nil
}

func (m *MemoryStore) ZOldest(_ context.Context, key string) (ScoredMember, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key)
	if z == nil {
		return ScoredMember{}, false, nil
	}
	oldest := ScoredMember{Score: math.Inf(1)}
	for member, score := range z.members {
		if score < oldest.Score || (score == oldest.Score && member < oldest.Member) {
			oldest = ScoredMember{Member: member, Score: score}
		}
	}
	return oldest, true, nil
}

// TTL reports the remaining lifetime of key; ok is false when the key is
// missing or has no expiry. Used by tests to check for leaked keys.
func (m *MemoryStore) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var at time.Time
	if v := m.value(key); v != nil {
		at = v.expiresAt
	} else if z := m.zset(key); z != nil {
		at = z.expiresAt
	}
	if at.IsZero() {
		return 0, false
	}
	return at.Sub(m.now()), true
}

// Keys lists live keys. Intended for tests and diagnostics.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.values)+len(m.zsets))
	for k := range m.values {
		if m.value(k) != nil {
			keys = append(keys, k)
		}
	}
	for k := range m.zsets {
		if m.zset(k) != nil {
			keys = append(keys, k)
		}
	}
	return keys
}

var _ Store = (*MemoryStore)(nil)
