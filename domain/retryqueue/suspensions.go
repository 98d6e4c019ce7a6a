package retryqueue

import (
	"sort"
	"strings"
	"sync"
)

// Suspensions tracks entity types whose queued retries are moot because a
// bulk reindex of the type is running. Suspensions nest.
//
// Rows the running reindex parks itself are not moot: they are the rows the
// run could not write. They are recorded with Exempt and outlive the
// suspension in the queue.
type Suspensions struct {
	mu     sync.RWMutex
	types  map[string]int
	exempt map[string]map[entryKey]struct{}
}

type entryKey struct{ id, fqn string }

func keyOf(entityID, entityFQN string) entryKey {
	return entryKey{strings.TrimSpace(entityID), strings.TrimSpace(entityFQN)}
}

// NewSuspensions creates an empty registry.
func NewSuspensions() *Suspensions {
	return &Suspensions{
		types:  make(map[string]int),
		exempt: make(map[string]map[entryKey]struct{}),
	}
}

// Suspend marks entityType suspended until the returned release func is
// called. Release is idempotent. Exemptions recorded under entityType are
// forgotten once the last nested suspension is released.
func (s *Suspensions) Suspend(entityType string) (release func()) {
	s.mu.Lock()
	s.types[entityType]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.types[entityType] <= 1 {
				delete(s.types, entityType)
				delete(s.exempt, entityType)
				return
			}
			s.types[entityType]--
		})
	}
}

// Exempt records that the run holding the suspension of entityType parked
// the entry (entityID, entityFQN). It is a no-op when entityType is not
// suspended.
func (s *Suspensions) Exempt(entityType, entityID, entityFQN string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.types[entityType] == 0 {
		return
	}
	keys := s.exempt[entityType]
	if keys == nil {
		keys = make(map[entryKey]struct{})
		s.exempt[entityType] = keys
	}
	keys[keyOf(entityID, entityFQN)] = struct{}{}
}

// IsSuspended reports whether entityType is suspended.
func (s *Suspensions) IsSuspended(entityType string) bool {
	if entityType == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types[entityType] > 0
}

// Drops reports whether e is moot: its type is suspended and no running
// reindex parked it.
func (s *Suspensions) Drops(e Entry) bool {
	if e.EntityType == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.types[e.EntityType] == 0 {
		return false
	}
	k := keyOf(e.EntityID, e.EntityFQN)
	for _, keys := range s.exempt {
		if _, ok := keys[k]; ok {
			return false
		}
	}
	return true
}

// Active returns the suspended types, sorted.
func (s *Suspensions) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
