package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neboloop/signon/internal/apperr"
)

// MemoryStore is a process-local Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]RequestRecord
	profiles map[string]ProfileRecord
	audit    []CommandAudit
	creds    map[string]CredentialRecord
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]RequestRecord),
		profiles: make(map[string]ProfileRecord),
		creds:    make(map[string]CredentialRecord),
	}
}

func (m *MemoryStore) PutRequest(_ context.Context, r RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return RequestRecord{}, apperr.NotFound("request %s", id)
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ScanRequests(_ context.Context, f RequestFilter) ([]RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RequestRecord, 0)
	for _, r := range m.requests {
		if !matchStatus(f.Statuses, r.Status) {
			continue
		}
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteRequests(_ context.Context, statuses []string, updatedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.requests {
		if matchStatus(statuses, r.Status) && r.UpdatedAt.Before(updatedBefore) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PutProfile(_ context.Context, p ProfileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

func (m *MemoryStore) ListProfiles(_ context.Context) ([]ProfileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProfileRecord, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ControlPort < out[j].ControlPort })
	return out, nil
}

func (m *MemoryStore) AppendCommandAudit(_ context.Context, a CommandAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.audit = append(m.audit, a)
	return nil
}

func (m *MemoryStore) ListCommandAudit(_ context.Context, requestID string, limit int) ([]CommandAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CommandAudit, 0)
	for i := len(m.audit) - 1; i >= 0; i-- {
		a := m.audit[i]
		if requestID != "" && a.RequestID != requestID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PutCredential(_ context.Context, c CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Sealed = append([]byte(nil), c.Sealed...)
	m.creds[c.Ref] = c
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, ref string) (CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[ref]
	if !ok {
		return CredentialRecord{}, apperr.NotFound("credential %s", ref)
	}
	c.Sealed = append([]byte(nil), c.Sealed...)
	return c, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneRequest(r RequestRecord) RequestRecord {
	if r.RequesterMeta != nil {
		meta := make(map[string]string, len(r.RequesterMeta))
		for k, v := range r.RequesterMeta {
			meta[k] = v
		}
		r.RequesterMeta = meta
	}
	r.Audit = append([]byte(nil), r.Audit...)
	return r
}
