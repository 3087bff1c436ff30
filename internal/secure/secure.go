// Package secure holds sensitive byte material that is wiped on release.
package secure

import (
	"math/big"
	"sync"
)

// Bytes owns a sensitive buffer. Destroy zeroes it; every accessor after
// Destroy sees an empty value.
type Bytes struct {
	mu   sync.RWMutex
	buf  []byte
	dead bool
}

// New takes ownership of b. The caller must not retain b.
func New(b []byte) *Bytes {
	return &Bytes{buf: b}
}

// FromString copies s into a new buffer.
func FromString(s string) *Bytes {
	return New([]byte(s))
}

// Use calls fn with the live buffer. fn must not retain the slice.
func (s *Bytes) Use(fn func([]byte)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dead {
		fn(nil)
		return
	}
	fn(s.buf)
}

// String returns a copy of the contents. Strings cannot be wiped, so
// callers should only use this at the point a string is required.
func (s *Bytes) String() string {
	var out string
	s.Use(func(b []byte) { out = string(b) })
	return out
}

// Len returns the buffer length, or 0 once destroyed.
func (s *Bytes) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

// Destroyed reports whether Destroy has run.
func (s *Bytes) Destroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dead
}

// Destroy zeroes the buffer. Safe to call more than once.
func (s *Bytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Wipe(s.buf)
	s.buf = nil
	s.dead = true
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	clear(b)
}

// WipeInt zeroes the backing words of n and resets it to zero.
func WipeInt(n *big.Int) {
	if n == nil {
		return
	}
	clear(n.Bits())
	n.SetInt64(0)
}
