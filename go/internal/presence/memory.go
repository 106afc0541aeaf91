package presence

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{groups: make(map[string]map[string]struct{})}
}

func (r *MemoryRegistry) Connect(_ context.Context, groupID, participantID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		r.groups[groupID] = members
	}
	if _, exists := members[participantID]; exists {
		return false, nil
	}
	members[participantID] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Disconnect(_ context.Context, groupID, participantID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[groupID]
	if !ok {
		return false, nil
	}
	if _, exists := members[participantID]; !exists {
		return false, nil
	}
	delete(members, participantID)
	if len(members) == 0 {
		delete(r.groups, groupID)
	}
	return true, nil
}

func (r *MemoryRegistry) IsQuorumMet(_ context.Context, groupID string, expected []string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[groupID]
	for _, p := range expected {
		if _, ok := members[p]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *MemoryRegistry) Connected(_ context.Context, groupID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.groups[groupID]))
	for p := range r.groups[groupID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Stats returns the number of connected participants per group.
func (r *MemoryRegistry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.groups))
	for g, members := range r.groups {
		out[g] = len(members)
	}
	return out
}
