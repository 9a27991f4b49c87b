package policy

import (
	"fmt"
	"sync"
)

// Store holds versioned policy documents per tenant. Exactly one document is
// active per tenant at any instant; activation is an atomic swap visible to
// subsequent run starts only; in-flight runs keep the snapshot they captured
// at start. Older versions are retained forever for audit.
type Store struct {
	mu       sync.RWMutex
	versions map[string][]*Document // tenant → append-only version list
	active   map[string]*Document   // tenant → currently active document
}

// NewStore creates an empty policy store.
func NewStore() *Store {
	return &Store{
		versions: make(map[string][]*Document),
		active:   make(map[string]*Document),
	}
}

// Put stores a new policy version for a tenant. Versions must be strictly
// increasing per (tenant, name).
func (s *Store) Put(tenant string, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.versions[tenant] {
		if existing.Name == doc.Name && existing.Version >= doc.Version {
			return fmt.Errorf("policy %q version %d: tenant %q already has version %d",
				doc.Name, doc.Version, tenant, existing.Version)
		}
	}
	s.versions[tenant] = append(s.versions[tenant], doc)
	return nil
}

// Activate atomically makes the named version the tenant's active policy.
func (s *Store) Activate(tenant, name string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.versions[tenant] {
		if doc.Name == name && doc.Version == version {
			s.active[tenant] = doc
			return nil
		}
	}
	return fmt.Errorf("activate: tenant %q has no policy %q version %d", tenant, name, version)
}

// Active returns the tenant's active policy.
func (s *Store) Active(tenant string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.active[tenant]
	return doc, ok
}

// Get returns a specific retained version.
func (s *Store) Get(tenant, name string, version int) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.versions[tenant] {
		if doc.Name == name && doc.Version == version {
			return doc, true
		}
	}
	return nil, false
}
