// Package sha256 provides SHA-256 hashing and digest-keyed deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Set remembers the digests of keys it has seen. It is safe for concurrent use.
type Set struct {
	mu   sync.Mutex
	seen map[[sha256.Size]byte]struct{}
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[[sha256.Size]byte]struct{})}
}

// Add records key and reports whether it was new.
func (s *Set) Add(key string) bool {
	sum := sha256.Sum256([]byte(key))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[sum]; ok {
		return false
	}
	s.seen[sum] = struct{}{}
	return true
}

// Len returns the number of distinct keys recorded.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
