package stores

import (
	"context"
	"strings"
	"sync"

	"github.com/oarkflow/rbacgate"
)

// MemoryIdentityStore keeps users and their session tokens in memory. It
// serves both as IdentityStore and as IdentityResolver.
type MemoryIdentityStore struct {
	mu     sync.RWMutex
	users  map[string]*rbacgate.Principal
	tokens map[string]string
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		users:  make(map[string]*rbacgate.Principal),
		tokens: make(map[string]string),
	}
}

// PutUser stores p, replacing any previous user with the same ID. A non-empty
// token becomes a session credential for p.
func (s *MemoryIdentityStore) PutUser(ctx context.Context, p *rbacgate.Principal, token string) error {
	dup := *p
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = &dup
	if token != "" {
		s.tokens[token] = p.ID
	}
	return nil
}

// DeleteUser removes the user and every session pointing at it.
func (s *MemoryIdentityStore) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	for tok, id := range s.tokens {
		if id == userID {
			delete(s.tokens, tok)
		}
	}
	return nil
}

func (s *MemoryIdentityStore) GetRole(ctx context.Context, userID string) (rbacgate.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return "", rbacgate.ErrNotFound
	}
	return u.Role, nil
}

func (s *MemoryIdentityStore) ResolveIdentity(ctx context.Context, req *rbacgate.Request) (*rbacgate.Principal, error) {
	token := bearerToken(req)
	if token == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	dup := *u
	return &dup, nil
}

// MemoryMembershipStore keeps project teams in memory.
type MemoryMembershipStore struct {
	mu    sync.RWMutex
	teams map[string]map[string]struct{}
}

func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{teams: make(map[string]map[string]struct{})}
}

func (m *MemoryMembershipStore) AddMember(ctx context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	team, ok := m.teams[projectID]
	if !ok {
		team = make(map[string]struct{})
		m.teams[projectID] = team
	}
	team[userID] = struct{}{}
	return nil
}

func (m *MemoryMembershipStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if team, ok := m.teams[projectID]; ok {
		delete(team, userID)
	}
	return nil
}

func (m *MemoryMembershipStore) IsTeamMember(ctx context.Context, userID, projectID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.teams[projectID][userID]
	return ok, nil
}

// MemoryAuditSink appends records to a slice.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	records []*rbacgate.AuditRecord
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{records: make([]*rbacgate.AuditRecord, 0)}
}

func (s *MemoryAuditSink) Log(ctx context.Context, rec *rbacgate.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a snapshot of everything logged so far.
func (s *MemoryAuditSink) Records() []*rbacgate.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rbacgate.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *MemoryAuditSink) Query(ctx context.Context, filter rbacgate.AuditFilter) ([]*rbacgate.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rbacgate.AuditRecord, 0)
	for _, rec := range s.records {
		if !filter.Matches(rec) {
			continue
		}
		result = append(result, rec)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// bearerToken strips an optional "Bearer " prefix from the credentials.
func bearerToken(req *rbacgate.Request) string {
	if req == nil {
		return ""
	}
	tok := strings.TrimSpace(req.Credentials)
	if len(tok) > 7 && strings.EqualFold(tok[:7], "bearer ") {
		tok = strings.TrimSpace(tok[7:])
	}
	return tok
}
