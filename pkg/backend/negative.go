package backend

import (
	"sync"
	"time"
)

// missingEntry records a recent not-found answer.
type missingEntry struct {
	CachedAt  time.Time
	ExpiresAt time.Time
}

// MissingSet tracks account ids known not to exist. The fallback consults it so that a
// degraded dashboard is never invented for an account the backend already denied.
// Static ids never expire; ids learnt from not-found answers expire after the TTL.
type MissingSet struct {
	static      map[int]struct{}
	learnt      map[int]missingEntry
	ttl         time.Duration
	mu          sync.RWMutex
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewMissingSet creates a set seeded with static ids. ttl determines how long learnt
// ids are remembered.
func NewMissingSet(static []int, ttl time.Duration) *MissingSet {
	if ttl <= 0 {
		ttl = 1 * time.Minute // Default: 1 minute
	}

	ms := &MissingSet{
		static:      make(map[int]struct{}, len(static)),
		learnt:      make(map[int]missingEntry),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, id := range static {
		ms.static[id] = struct{}{}
	}

	go ms.cleanup()

	return ms
}

// Contains reports whether id is known missing.
func (ms *MissingSet) Contains(id int) bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if _, ok := ms.static[id]; ok {
		return true
	}
	entry, ok := ms.learnt[id]
	if !ok {
		return false
	}
	return time.Now().Before(entry.ExpiresAt)
}

// Add remembers id as missing for the TTL.
func (ms *MissingSet) Add(id int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	ms.learnt[id] = missingEntry{
		CachedAt:  now,
		ExpiresAt: now.Add(ms.ttl),
	}
}

// Remove forgets a learnt id, typically after the backend answered for it.
// Static ids are kept.
func (ms *MissingSet) Remove(id int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.learnt, id)
}

// Close stops the cleanup goroutine.
func (ms *MissingSet) Close() error {
	ms.closeOnce.Do(func() {
		close(ms.stopCleanup)
		<-ms.cleanupDone
	})
	return nil
}

// cleanup periodically removes expired learnt ids.
func (ms *MissingSet) cleanup() {
	defer close(ms.cleanupDone)

	ticker := time.NewTicker(ms.ttl / 2) // Cleanup twice per TTL period
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.cleanupExpired()
		case <-ms.stopCleanup:
			return
		}
	}
}

func (ms *MissingSet) cleanupExpired() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	for id, entry := range ms.learnt {
		if now.After(entry.ExpiresAt) {
			delete(ms.learnt, id)
		}
	}
}

// Stats returns statistics about the set.
func (ms *MissingSet) Stats() MissingSetStats {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	return MissingSetStats{
		StaticCount: len(ms.static),
		LearntCount: len(ms.learnt),
		TTL:         ms.ttl,
	}
}

// MissingSetStats holds statistics about a MissingSet.
type MissingSetStats struct {
	StaticCount int           `json:"staticCount"`
	LearntCount int           `json:"learntCount"`
	TTL         time.Duration `json:"ttl"`
}
