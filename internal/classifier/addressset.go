package classifier

import (
	"sort"
	"sync"

	"github.com/mbd888/txfirewall/internal/validation"
)

// AddressSet is a case-insensitive set of addresses safe for concurrent use.
// Entries are only ever added; nothing removes an address once present.
type AddressSet struct {
	mu sync.RWMutex
	m  map[string]struct{}
}

// NewAddressSet returns a set seeded with addrs.
func NewAddressSet(addrs ...string) *AddressSet {
	s := &AddressSet{m: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		s.m[validation.SanitizeAddress(a)] = struct{}{}
	}
	return s
}

// Add inserts addr and reports whether it was not already present.
func (s *AddressSet) Add(addr string) bool {
	key := validation.SanitizeAddress(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = struct{}{}
	return true
}

// Contains reports whether addr is in the set, ignoring case.
func (s *AddressSet) Contains(addr string) bool {
	key := validation.SanitizeAddress(addr)
	s.mu.RLock()
	_, ok := s.m[key]
	s.mu.RUnlock()
	return ok
}

// Len returns the number of addresses in the set.
func (s *AddressSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// List returns the normalized addresses in sorted order.
func (s *AddressSet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.m))
	for a := range s.m {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
