package ratelimit

import (
	"sync"
	"time"
)

// WindowKind names a sliding-window axis tracked per user.
type WindowKind string

const (
	WindowHour WindowKind = "hour"
	WindowDay  WindowKind = "day"
)

// BucketState is the persisted token-bucket state for one user.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// QuotaStore is the pluggable backing store for per-user quota state.
// The limiter owns the algorithm (refill math, window tests); the store
// only holds bucket state, window entries, and concurrency counts.
// MemoryStore is the single-instance default; RedisStore shares state
// across instances.
type QuotaStore interface {
	// Bucket returns the stored bucket state for a user. ok is false when
	// the user has no bucket yet.
	Bucket(userID string) (st BucketState, ok bool)
	PutBucket(userID string, st BucketState)

	// PruneWindow drops entries at or before cutoff.
	PruneWindow(userID string, kind WindowKind, cutoff time.Time)
	// WindowTotal sums the weight of entries strictly after cutoff without
	// mutating the window, and reports the oldest surviving timestamp.
	WindowTotal(userID string, kind WindowKind, cutoff time.Time) (total float64, oldest time.Time)
	AppendWindow(userID string, kind WindowKind, weight float64, at time.Time)

	// AddConcurrent adjusts the in-flight counter and returns the new
	// value. The counter never goes below zero: decrements past zero are
	// clamped.
	AddConcurrent(userID string, delta int) int
	Concurrent(userID string) int

	// Reset clears all state for one user.
	Reset(userID string)
	// Users lists every user with any recorded state.
	Users() []string
	// Cleanup prunes expired window entries, buckets idle longer than
	// bucketIdle, and zero concurrency entries. Returns the number of
	// users whose state was fully removed.
	Cleanup(now time.Time, bucketIdle time.Duration, windows map[WindowKind]time.Duration) int
}

type windowEntry struct {
	at     time.Time
	weight float64
}

type userState struct {
	bucket   *BucketState
	windows  map[WindowKind][]windowEntry
	inFlight int
}

// MemoryStore is the in-memory QuotaStore. State is created lazily on
// first use and bounded by periodic Cleanup calls.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*userState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*userState)}
}

func (s *MemoryStore) state(userID string) *userState {
	u, ok := s.users[userID]
	if !ok {
		u = &userState{windows: make(map[WindowKind][]windowEntry)}
		s.users[userID] = u
	}
	return u
}

func (s *MemoryStore) Bucket(userID string) (BucketState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.bucket == nil {
		return BucketState{}, false
	}
	return *u.bucket, true
}

func (s *MemoryStore) PutBucket(userID string, st BucketState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(userID).bucket = &st
}

func (s *MemoryStore) PruneWindow(userID string, kind WindowKind, cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return
	}
	entries := u.windows[kind]
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(u.windows, kind)
		return
	}
	u.windows[kind] = kept
}

func (s *MemoryStore) WindowTotal(userID string, kind WindowKind, cutoff time.Time) (float64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, time.Time{}
	}

	var total float64
	var oldest time.Time
	for _, e := range u.windows[kind] {
		if !e.at.After(cutoff) {
			continue
		}
		total += e.weight
		if oldest.IsZero() || e.at.Before(oldest) {
			oldest = e.at
		}
	}
	return total, oldest
}

func (s *MemoryStore) AppendWindow(userID string, kind WindowKind, weight float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.state(userID)
	u.windows[kind] = append(u.windows[kind], windowEntry{at: at, weight: weight})
}

func (s *MemoryStore) AddConcurrent(userID string, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.state(userID)
	u.inFlight += delta
	if u.inFlight < 0 {
		// Unmatched end call. Not fatal, clamp and move on.
		u.inFlight = 0
	}
	return u.inFlight
}

func (s *MemoryStore) Concurrent(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0
	}
	return u.inFlight
}

func (s *MemoryStore) Reset(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, userID)
}

func (s *MemoryStore) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) Cleanup(now time.Time, bucketIdle time.Duration, windows map[WindowKind]time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, u := range s.users {
		for kind, size := range windows {
			cutoff := now.Add(-size)
			entries := u.windows[kind]
			kept := entries[:0]
			for _, e := range entries {
				if e.at.After(cutoff) {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(u.windows, kind)
			} else {
				u.windows[kind] = kept
			}
		}

		if u.bucket != nil && now.Sub(u.bucket.LastRefill) > bucketIdle {
			u.bucket = nil
		}

		if u.bucket == nil && len(u.windows) == 0 && u.inFlight == 0 {
			delete(s.users, id)
			removed++
		}
	}
	return removed
}
