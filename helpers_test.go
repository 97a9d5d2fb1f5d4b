package rbacgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// spyMembership answers from a fixed team table and counts lookups.
type spyMembership struct {
	teams map[string][]string
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (s *spyMembership) IsTeamMember(ctx context.Context, userID, projectID string) (bool, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if s.err != nil {
		return false, s.err
	}
	for _, m := range s.teams[projectID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

type mapIdentity struct {
	roles map[string]Role
	err   error
}

func (m mapIdentity) GetRole(ctx context.Context, userID string) (Role, error) {
	if m.err != nil {
		return "", m.err
	}
	r, ok := m.roles[userID]
	if !ok {
		return "", ErrNotFound
	}
	return r, nil
}

func mustEngine(t interface{ Fatalf(string, ...any) }, opts ...EngineOption) *Engine {
	e, err := NewEngine(nil, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}
