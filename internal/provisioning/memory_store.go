package provisioning

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory provisioning store for demo/development mode.
type MemoryStore struct {
	tenants     map[string]*Tenant     // by ID
	bySubject   map[string]string      // subjectID -> tenant ID
	bySlug      map[string]string      // slug -> tenant ID
	credentials map[string]*Credential // by ID
	grants      map[string]*Grant      // by subject ID
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory provisioning store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]*Tenant),
		bySubject:   make(map[string]string),
		bySlug:      make(map[string]string),
		credentials: make(map[string]*Credential),
		grants:      make(map[string]*Grant),
	}
}

func (m *MemoryStore) CreateTenant(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySubject[t.SubjectID]; ok {
		return ErrTenantExists
	}
	if _, ok := m.bySlug[t.Slug]; ok {
		return ErrSlugTaken
	}
	cp := *t
	m.tenants[t.ID] = &cp
	m.bySubject[t.SubjectID] = t.ID
	m.bySlug[t.Slug] = t.ID
	return nil
}

func (m *MemoryStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTenantBySubject(ctx context.Context, subjectID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySubject[subjectID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; !ok {
		return ErrTenantNotFound
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.credentials[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCredentialByHash(ctx context.Context, hash string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.credentials {
		if c.SecretHash == hash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCredentialNotFound
}

func (m *MemoryStore) ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Credential
	for _, c := range m.credentials {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RevokeCredential(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	if c.RevokedAt == nil {
		t := at
		c.RevokedAt = &t
	}
	return nil
}

func (m *MemoryStore) UpsertGrant(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *g
	m.grants[g.SubjectID] = &cp
	return nil
}

func (m *MemoryStore) GetGrant(ctx context.Context, subjectID string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[subjectID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}
