// Package store provides the shared in-memory key-value store.
//
// Keys and values are arbitrary byte strings. The key space is sharded
// by hash to reduce lock contention: each shard guards its entries
// with its own RWMutex, readers take a shared hold, writers and
// read-modify-write operations take an exclusive hold. Entries carry
// an optional absolute expiration instant; an expired entry is
// logically absent and every access path treats it that way, deleting
// it when it can take the write side cheaply.
package store

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/aleksandar-had/rudis/pkg/glob"
)

// DefaultShardCount is the default number of shards. Must be a power
// of two so shard selection is a mask.
const DefaultShardCount = 16

// ErrNotInteger reports a value that cannot be interpreted as a signed
// 64-bit decimal, or a counter update that would overflow.
var ErrNotInteger = errors.New("value is not an integer or out of range")

// TTL sentinel results, matching the Redis TTL command.
const (
	TTLNoKey    = -2
	TTLNoExpire = -1
)

type shard struct {
	mu      sync.RWMutex
	data    map[string][]byte
	expires map[string]time.Time
}

// Store is a concurrent key-value map with per-key expiration.
type Store struct {
	shards    []*shard
	shardMask uint64

	// onPassiveEvict, if set, is called with the number of entries
	// removed by expiry-on-access. It may run under a shard lock and
	// must be fast and non-blocking.
	onPassiveEvict func(n int)
}

// Option configures a Store.
type Option func(*Store)

// WithShardCount sets the number of shards. Values that are not a
// positive power of two fall back to the default.
func WithShardCount(n int) Option {
	return func(s *Store) {
		if n > 0 && n&(n-1) == 0 {
			s.shards = make([]*shard, n)
			s.shardMask = uint64(n - 1)
		}
	}
}

// WithPassiveEvictHook registers a callback invoked when reads remove
// entries that turned out to be expired.
func WithPassiveEvictHook(fn func(n int)) Option {
	return func(s *Store) {
		s.onPassiveEvict = fn
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		shards:    make([]*shard, DefaultShardCount),
		shardMask: DefaultShardCount - 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			data:    make(map[string][]byte),
			expires: make(map[string]time.Time),
		}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// expiredLocked reports whether key carries an expiry that has passed.
// The caller holds the shard lock in either mode.
func (sh *shard) expiredLocked(key string, now time.Time) bool {
	exp, ok := sh.expires[key]
	return ok && !exp.After(now)
}

// removeLocked deletes key from both maps. The caller holds the shard
// write lock.
func (sh *shard) removeLocked(key string) {
	delete(sh.data, key)
	delete(sh.expires, key)
}

// Get returns the value stored at key, or ok=false if the key is
// absent or expired. An expired entry found under the read lock is
// deleted after promoting to the write lock, with the usual
// double-check in between.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	now := time.Now()

	sh.mu.RLock()
	val, ok := sh.data[key]
	if !ok {
		sh.mu.RUnlock()
		return nil, false
	}
	if !sh.expiredLocked(key, now) {
		sh.mu.RUnlock()
		return val, true
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	val, ok = sh.data[key]
	if !ok {
		return nil, false
	}
	if sh.expiredLocked(key, time.Now()) {
		sh.removeLocked(key)
		s.passiveEvicted(1)
		return nil, false
	}
	return val, true
}

func (s *Store) passiveEvicted(n int) {
	if s.onPassiveEvict != nil && n > 0 {
		s.onPassiveEvict(n)
	}
}

// Set stores value at key and clears any prior expiry.
func (s *Store) Set(key string, value []byte) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = bytes.Clone(value)
	delete(sh.expires, key)
}

// SetNX stores value at key only if no live entry exists. It returns
// true if the value was stored. An expired entry counts as absent.
func (s *Store) SetNX(key string, value []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.data[key]; ok && !sh.expiredLocked(key, time.Now()) {
		return false
	}
	sh.data[key] = bytes.Clone(value)
	delete(sh.expires, key)
	return true
}

// SetEX stores value at key with the given time to live. The caller
// validates ttl > 0.
func (s *Store) SetEX(key string, value []byte, ttl time.Duration) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = bytes.Clone(value)
	sh.expires[key] = time.Now().Add(ttl)
}

// Delete removes the given keys and returns how many were actually
// present and live. Expired entries are removed but not counted.
func (s *Store) Delete(keys ...string) int64 {
	var deleted int64
	now := time.Now()
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if _, ok := sh.data[key]; ok {
			if !sh.expiredLocked(key, now) {
				deleted++
			}
			sh.removeLocked(key)
		}
		sh.mu.Unlock()
	}
	return deleted
}

// IncrBy atomically adds delta to the integer stored at key. An absent
// (or expired) key counts as 0. The stored bytes must be a canonical
// signed 64-bit decimal; otherwise, or when the addition would
// overflow, ErrNotInteger is returned and the entry is untouched.
func (s *Store) IncrBy(key string, delta int64) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current int64
	if val, ok := sh.data[key]; ok {
		if sh.expiredLocked(key, time.Now()) {
			sh.removeLocked(key)
		} else {
			n, ok := ParseInt64(val)
			if !ok {
				return 0, ErrNotInteger
			}
			current = n
		}
	}

	next, ok := addChecked(current, delta)
	if !ok {
		return 0, ErrNotInteger
	}

	// The counter write keeps any expiry the entry already had.
	sh.data[key] = appendInt64(nil, next)
	return next, nil
}

// GetMany returns the values for keys in order; absent or expired keys
// yield nil elements. Expired entries encountered on the way are
// removed.
func (s *Store) GetMany(keys []string) [][]byte {
	results := make([][]byte, len(keys))
	for i, key := range keys {
		if val, ok := s.Get(key); ok {
			results[i] = val
		}
	}
	return results
}

// KV is a key-value pair for SetMany.
type KV struct {
	Key   string
	Value []byte
}

// SetMany stores the pairs in order. Pairs are applied independently;
// each write clears any prior expiry on its key.
func (s *Store) SetMany(pairs []KV) {
	for _, kv := range pairs {
		s.Set(kv.Key, kv.Value)
	}
}

// Expire sets the expiry of an existing live key to now+ttl and
// returns true, or returns false if the key is absent or expired.
// The caller handles ttl <= 0 by deleting instead.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := time.Now()
	if _, ok := sh.data[key]; !ok {
		return false
	}
	if sh.expiredLocked(key, now) {
		sh.removeLocked(key)
		s.passiveEvicted(1)
		return false
	}
	sh.expires[key] = now.Add(ttl)
	return true
}

// Persist clears the expiry of key. It returns true only if the key
// exists, is live, and actually had an expiry to clear.
func (s *Store) Persist(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.data[key]; !ok {
		return false
	}
	if sh.expiredLocked(key, time.Now()) {
		sh.removeLocked(key)
		s.passiveEvicted(1)
		return false
	}
	if _, ok := sh.expires[key]; !ok {
		return false
	}
	delete(sh.expires, key)
	return true
}

// TTL returns the whole seconds remaining before key expires, rounded
// down. It returns TTLNoKey for an absent or expired key and
// TTLNoExpire for a live key without expiry.
func (s *Store) TTL(key string) int64 {
	sh := s.shardFor(key)
	now := time.Now()

	sh.mu.RLock()
	_, ok := sh.data[key]
	if !ok {
		sh.mu.RUnlock()
		return TTLNoKey
	}
	exp, hasExp := sh.expires[key]
	sh.mu.RUnlock()

	if !hasExp {
		return TTLNoExpire
	}
	remaining := exp.Sub(now)
	if remaining <= 0 {
		// Expired but unswept; treat as absent and reap it.
		sh.mu.Lock()
		if sh.expiredLocked(key, time.Now()) {
			sh.removeLocked(key)
			s.passiveEvicted(1)
		}
		sh.mu.Unlock()
		return TTLNoKey
	}
	return int64(remaining / time.Second)
}

// Keys returns all live keys whose bytes match pattern under the glob
// rules ('*' and '?'). Order is unspecified. Shards are scanned one at
// a time under their read locks; expired entries are skipped, not
// deleted, leaving cleanup to the passive and active paths.
func (s *Store) Keys(pattern string) []string {
	var matched []string
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key := range sh.data {
			if sh.expiredLocked(key, now) {
				continue
			}
			if glob.Match(pattern, key) {
				matched = append(matched, key)
			}
		}
		sh.mu.RUnlock()
	}
	return matched
}

// Exists reports whether key holds a live entry.
func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Count returns the raw number of entries across all shards, including
// expired entries the sweeper has not reached yet. It is cheap and
// intended for monitoring.
func (s *Store) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

// LiveCount returns the number of live (non-expired) entries.
func (s *Store) LiveCount() int64 {
	var n int64
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key := range sh.data {
			if !sh.expiredLocked(key, now) {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Clear removes every entry.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.data = make(map[string][]byte)
		sh.expires = make(map[string]time.Time)
		sh.mu.Unlock()
	}
}

// ShardCount returns the number of shards.
func (s *Store) ShardCount() int {
	return len(s.shards)
}

// sweepShard inspects up to budget expiry-bearing entries of the shard
// at index idx and deletes the expired ones. It returns how many
// entries were inspected and how many were deleted. Map iteration
// order is randomized, so repeated bounded walks approximate uniform
// sampling.
func (s *Store) sweepShard(idx, budget int, now time.Time) (scanned, deleted int) {
	sh := s.shards[idx%len(s.shards)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for key, exp := range sh.expires {
		if scanned >= budget {
			break
		}
		scanned++
		if !exp.After(now) {
			sh.removeLocked(key)
			deleted++
		}
	}
	return scanned, deleted
}

// addChecked adds two signed 64-bit integers, reporting overflow.
func addChecked(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}

// ParseInt64 parses the canonical decimal representation of a signed
// 64-bit integer: an optional leading '-', digits only, no leading
// zeros except the value 0 itself, no whitespace, no '+'. This is the
// integer interpretation counter commands apply to stored values.
func ParseInt64(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
		if i == len(b) {
			return 0, false
		}
	}
	if b[i] == '0' && (neg || len(b)-i > 1) {
		return 0, false
	}
	var n uint64
	for ; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		d := uint64(c - '0')
		if n > (math.MaxUint64-d)/10 {
			return 0, false
		}
		n = n*10 + d
	}
	if neg {
		if n > uint64(math.MaxInt64)+1 {
			return 0, false
		}
		if n == uint64(math.MaxInt64)+1 {
			return math.MinInt64, true
		}
		return -int64(n), true
	}
	if n > math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

// appendInt64 appends the canonical decimal encoding of n.
func appendInt64(dst []byte, n int64) []byte {
	if n == 0 {
		return append(dst, '0')
	}
	var buf [20]byte
	i := len(buf)
	un := uint64(n)
	if n < 0 {
		un = uint64(-(n + 1)) + 1
	}
	for un > 0 {
		i--
		buf[i] = byte('0' + un%10)
		un /= 10
	}
	if n < 0 {
		i--
		buf[i] = '-'
	}
	return append(dst, buf[i:]...)
}
