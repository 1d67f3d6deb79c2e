package keystore

import (
	"strings"
	"sync"
)

// Session is the process-local passphrase cache. Passphrases live only in
// memory and are zeroed when evicted; nothing here ever touches disk or logs.
type Session struct {
	mu    sync.RWMutex
	cache map[string][]byte
}

// NewSession creates an empty session cache.
func NewSession() *Session {
	return &Session{cache: make(map[string][]byte)}
}

func sessionKey(chain, address string) string {
	return strings.ToLower(chain) + "/" + strings.ToLower(address)
}

// Put caches a passphrase for a wallet, replacing and zeroing any previous one.
func (s *Session) Put(chain, address, passphrase string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(chain, address)
	if old, ok := s.cache[key]; ok {
		secureClear(old)
	}
	buf := make([]byte, len(passphrase))
	copy(buf, passphrase)
	s.cache[key] = buf
}

// Get returns a copy of the cached passphrase, if any. The caller must zero
// the copy after use.
func (s *Session) Get(chain, address string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.cache[sessionKey(chain, address)]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

// Drop evicts and zeroes the cached passphrase for a wallet.
func (s *Session) Drop(chain, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(chain, address)
	if old, ok := s.cache[key]; ok {
		secureClear(old)
		delete(s.cache, key)
	}
}

// Clear evicts and zeroes every cached passphrase.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, buf := range s.cache {
		secureClear(buf)
		delete(s.cache, key)
	}
}
