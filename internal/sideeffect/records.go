package sideeffect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/peterbourgon/diskv/v3"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseflow/model"
)

// RecordStore keeps the idempotency record of every side effect key. A
// succeeded record means the effect must not run again.
type RecordStore interface {
	// Get returns the record for key, or found=false when there is none.
	Get(ctx context.Context, key string) (rec model.EffectRecord, found bool, err error)

	// Put stores rec under rec.Key.
	Put(ctx context.Context, rec model.EffectRecord) error
}

// FormatRecordKey builds the storage key of an effect key.
func FormatRecordKey(key string) string {
	return "effect:" + key
}

// --- MemoryRecords ---

// MemoryRecords is an in-memory RecordStore with TTL support. Suitable for
// testing and single-instance deployments.
type MemoryRecords struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memRecord
}

type memRecord struct {
	rec       model.EffectRecord
	expiresAt time.Time
}

// NewMemoryRecords creates an in-memory record store. A zero ttl keeps
// records forever.
func NewMemoryRecords(ttl time.Duration) *MemoryRecords {
	return &MemoryRecords{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memRecord),
	}
}

// Get returns the record for key unless it has expired.
func (s *MemoryRecords) Get(_ context.Context, key string) (model.EffectRecord, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return model.EffectRecord{}, false, nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return model.EffectRecord{}, false, nil
	}
	return entry.rec, true, nil
}

// Put stores rec.
func (s *MemoryRecords) Put(_ context.Context, rec model.EffectRecord) error {
	var expires time.Time
	if s.ttl > 0 {
		expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[rec.Key] = memRecord{rec: rec, expiresAt: expires}
	s.mu.Unlock()
	return nil
}

// Len returns the number of records, including expired ones. For testing.
func (s *MemoryRecords) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisRecords ---

// RedisRecords is a Redis-backed RecordStore with TTL.
type RedisRecords struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisRecords creates a Redis-backed record store. A zero ttl keeps
// records forever.
func NewRedisRecords(client redis.Cmdable, ttl time.Duration) *RedisRecords {
	return &RedisRecords{client: client, ttl: ttl}
}

// Get reads the record for key.
func (s *RedisRecords) Get(ctx context.Context, key string) (model.EffectRecord, bool, error) {
	raw, err := s.client.Get(ctx, FormatRecordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.EffectRecord{}, false, nil
	}
	if err != nil {
		return model.EffectRecord{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec model.EffectRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.EffectRecord{}, false, fmt.Errorf("unmarshal effect record %q: %w", key, err)
	}
	return rec, true, nil
}

// Put writes rec with the store TTL.
func (s *RedisRecords) Put(ctx context.Context, rec model.EffectRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal effect record: %w", err)
	}
	if err := s.client.Set(ctx, FormatRecordKey(rec.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", rec.Key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisRecords) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- DiskRecords ---

// DiskRecords is an on-disk RecordStore for single-node deployments that
// must survive restarts without Redis. Records do not expire.
type DiskRecords struct {
	dv *diskv.Diskv
}

// NewDiskRecords creates a record store rooted at path.
func NewDiskRecords(path string) *DiskRecords {
	return &DiskRecords{
		dv: diskv.New(diskv.Options{
			BasePath: path,
			// Two levels of fan-out keep directories small.
			Transform: func(s string) []string {
				return []string{s[0:2], s[2:4]}
			},
			CacheSizeMax: 1024 * 1024,
		}),
	}
}

// Effect keys contain slashes, so files are named by their digest.
func diskKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get reads the record for key.
func (s *DiskRecords) Get(_ context.Context, key string) (model.EffectRecord, bool, error) {
	k := diskKey(key)
	if !s.dv.Has(k) {
		return model.EffectRecord{}, false, nil
	}
	raw, err := s.dv.Read(k)
	if err != nil {
		return model.EffectRecord{}, false, fmt.Errorf("reading effect record %q: %w", key, err)
	}
	var rec model.EffectRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.EffectRecord{}, false, fmt.Errorf("unmarshal effect record %q: %w", key, err)
	}
	return rec, true, nil
}

// Put writes rec.
func (s *DiskRecords) Put(_ context.Context, rec model.EffectRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal effect record: %w", err)
	}
	if err := s.dv.Write(diskKey(rec.Key), raw); err != nil {
		return fmt.Errorf("write effect record %q: %w", rec.Key, err)
	}
	return nil
}
