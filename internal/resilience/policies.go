package resilience

import (
	"sort"
	"sync"
)

// Policies indexes the process's policies by dependency name so the admin
// API and metrics can observe and reset every breaker.
type Policies struct {
	mu     sync.RWMutex
	byName map[string]*Policy
}

// NewPolicies returns a Policies holding ps.
func NewPolicies(ps ...*Policy) *Policies {
	s := &Policies{byName: make(map[string]*Policy, len(ps))}
	for _, p := range ps {
		s.Add(p)
	}
	return s
}

// Add registers p, replacing any policy with the same name.
func (s *Policies) Add(p *Policy) {
	s.mu.Lock()
	s.byName[p.Name()] = p
	s.mu.Unlock()
}

// Get returns the policy for name.
func (s *Policies) Get(name string) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byName[name]
	return p, ok
}

// Reset forces the named breaker closed. It reports false for unknown names.
func (s *Policies) Reset(name string) bool {
	p, ok := s.Get(name)
	if !ok {
		return false
	}
	p.Reset()
	return true
}

// Snapshots returns every breaker's state sorted by name.
func (s *Policies) Snapshots() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.byName))
	for _, p := range s.byName {
		out = append(out, p.Breaker().Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
