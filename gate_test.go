package rbacgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type tokenResolver map[string]*Principal

func (r tokenResolver) ResolveIdentity(ctx context.Context, req *Request) (*Principal, error) {
	p, ok := r[req.Credentials]
	if !ok {
		return nil, nil
	}
	dup := *p
	return &dup, nil
}

// countingLimiter is a fixed-window limiter that never resets on its own.
type countingLimiter struct {
	mu    sync.Mutex
	hits  map[string]int
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) CheckLimit(ctx context.Context, key string, limit Limit) error {
	l.calls.Add(1)
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hits == nil {
		l.hits = map[string]int{}
	}
	l.hits[key]++
	if l.hits[key] > limit.Points {
		return &RateLimitExceeded{ResetIn: limit.Duration - 1500*time.Millisecond}
	}
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	recs []*AuditRecord
	err  error
}

func (s *recordingSink) Log(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *recordingSink) records() []*AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AuditRecord(nil), s.recs...)
}

var gatePrincipals = tokenResolver{
	"admin":      {ID: "a1", Role: RoleAdmin, EmailVerified: true, TwoFactorVerified: true},
	"viewer":     {ID: "v1", Role: RoleViewer, EmailVerified: true},
	"unverified": {ID: "u1", Role: RoleAdmin},
	"bogus":      {ID: "b1", Role: "ROOT", EmailVerified: true, TwoFactorVerified: true},
}

func newTestGate(t *testing.T, opts ...GateOption) *Gate {
	t.Helper()
	g, err := NewGate(gatePrincipals, opts...)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func spyOp(invoked *atomic.Int32) Operation[string] {
	return func(ctx context.Context, req *Request) (string, error) {
		invoked.Add(1)
		p, ok := PrincipalFromContext(ctx)
		if !ok {
			return "", errors.New("no principal in context")
		}
		return p.ID, nil
	}
}

func TestGateUnauthenticatedBeforeRateLimit(t *testing.T) {
	lim := &countingLimiter{}
	g := newTestGate(t, WithRateLimiter(lim))
	var invoked atomic.Int32
	op := Protect(g, spyOp(&invoked), Options{Name: "ping", RateLimit: &Limit{Points: 1, Duration: time.Minute}})

	for i := 0; i < 3; i++ {
		_, err := op(context.Background(), &Request{ClientKey: "1.2.3.4"})
		if StatusCode(err) != 401 {
			t.Fatalf("expected 401, got %v", err)
		}
	}
	if lim.calls.Load() != 0 {
		t.Fatal("limiter must not run for unauthenticated requests")
	}
	if invoked.Load() != 0 {
		t.Fatal("operation must not run")
	}
}

func TestGateRoleAllowList(t *testing.T) {
	g := newTestGate(t)
	var invoked atomic.Int32
	op := Protect(g, spyOp(&invoked), Options{Name: "delete-project", Roles: []Role{RoleAdmin, RoleProjectManager}})

	_, err := op(context.Background(), &Request{Credentials: "viewer"})
	var pe *PermissionError
	if !errors.As(err, &pe) || StatusCode(err) != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
	_, err = op(context.Background(), &Request{Credentials: "bogus"})
	if StatusCode(err) != 403 {
		t.Fatalf("unknown role must be rejected, got %v", err)
	}
	if invoked.Load() != 0 {
		t.Fatal("operation must not run for rejected roles")
	}

	id, err := op(context.Background(), &Request{Credentials: "admin"})
	if err != nil || id != "a1" {
		t.Fatalf("admin must pass: %q %v", id, err)
	}
	if invoked.Load() != 1 {
		t.Fatalf("expected 1 invocation, got %d", invoked.Load())
	}
}

func TestGateRoleListIsMembershipNotHierarchy(t *testing.T) {
	g := newTestGate(t)
	var invoked atomic.Int32
	op := Protect(g, spyOp(&invoked), Options{Roles: []Role{RoleViewer}})
	if _, err := op(context.Background(), &Request{Credentials: "admin"}); StatusCode(err) != 403 {
		t.Fatalf("ADMIN is not in [VIEWER], got %v", err)
	}
}

func TestGateVerificationAnd2FA(t *testing.T) {
	g := newTestGate(t)
	var invoked atomic.Int32
	verified := Protect(g, spyOp(&invoked), Options{RequireVerified: true})
	twoFA := Protect(g, spyOp(&invoked), Options{Require2FA: true})

	if _, err := verified(context.Background(), &Request{Credentials: "unverified"}); StatusCode(err) != 403 {
		t.Fatalf("expected 403 for unverified email, got %v", err)
	}
	if _, err := twoFA(context.Background(), &Request{Credentials: "viewer"}); StatusCode(err) != 403 {
		t.Fatalf("expected 403 without 2FA, got %v", err)
	}
	if _, err := twoFA(context.Background(), &Request{Credentials: "admin"}); err != nil {
		t.Fatalf("admin has 2FA: %v", err)
	}
}

func TestGateRoleCheckedBeforeRateLimit(t *testing.T) {
	lim := &countingLimiter{}
	g := newTestGate(t, WithRateLimiter(lim))
	var invoked atomic.Int32
	op := Protect(g, spyOp(&invoked), Options{Roles: []Role{RoleAdmin}, RateLimit: &Limit{Points: 5, Duration: time.Minute}})
	_, _ = op(context.Background(), &Request{Credentials: "viewer"})
	if lim.calls.Load() != 0 {
		t.Fatal("role rejection must short-circuit the limiter")
	}
}

func TestGateRateLimitNPlusOne(t *testing.T) {
	lim := &countingLimiter{}
	g := newTestGate(t, WithRateLimiter(lim))
	var invoked atomic.Int32
	const n = 3
	op := Protect(g, spyOp(&invoked), Options{Name: "ping", RateLimit: &Limit{Points: n, Duration: 10 * time.Second}})

	for i := 0; i < n; i++ {
		if _, err := op(context.Background(), &Request{Credentials: "viewer", ClientKey: "9.9.9.9"}); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	_, err := op(context.Background(), &Request{Credentials: "viewer", ClientKey: "9.9.9.9"})
	if StatusCode(err) != 429 {
		t.Fatalf("expected 429, got %v", err)
	}
	d, ok := RetryAfter(err)
	if !ok || d <= 0 {
		t.Fatalf("expected retry hint, got %v %v", d, ok)
	}
	var rl *RateLimitExceeded
	errors.As(err, &rl)
	if rl.ResetInSeconds() != 9 {
		t.Fatalf("8.5s must round up to 9, got %d", rl.ResetInSeconds())
	}
	if invoked.Load() != n {
		t.Fatalf("expected %d invocations, got %d", n, invoked.Load())
	}

	// a different client has its own budget
	if _, err := op(context.Background(), &Request{Credentials: "viewer", ClientKey: "8.8.8.8"}); err != nil {
		t.Fatalf("other client: %v", err)
	}
	if _, ok := lim.hits["ping:9.9.9.9"]; !ok {
		t.Fatalf("unexpected limiter keys %v", lim.hits)
	}
}

func TestGateLimiterFailureIsCheckFailed(t *testing.T) {
	lim := &countingLimiter{err: errors.New("redis down")}
	g := newTestGate(t, WithRateLimiter(lim))
	var invoked atomic.Int32
	op := Protect(g, spyOp(&invoked), Options{RateLimit: &Limit{Points: 1, Duration: time.Second}})
	_, err := op(context.Background(), &Request{Credentials: "viewer"})
	var cf *CheckFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("expected CheckFailedError, got %v", err)
	}
	if invoked.Load() != 0 {
		t.Fatal("operation must not run when the limiter fails")
	}

	g = newTestGate(t)
	op = Protect(g, spyOp(&invoked), Options{RateLimit: &Limit{Points: 1, Duration: time.Second}})
	if _, err := op(context.Background(), &Request{Credentials: "viewer"}); !errors.As(err, &cf) {
		t.Fatalf("missing limiter must be a check failure, got %v", err)
	}
}

func TestGateResolverFailure(t *testing.T) {
	g, err := NewGate(IdentityResolverFunc(func(ctx context.Context, req *Request) (*Principal, error) {
		return nil, errors.New("session store unreachable")
	}))
	if err != nil {
		t.Fatal(err)
	}
	var invoked atomic.Int32
	_, err = Protect(g, spyOp(&invoked), Options{})(context.Background(), &Request{})
	if StatusCode(err) != 500 || Kind(err) != KindCheckFailed {
		t.Fatalf("expected check failure, got %v", err)
	}
	if PublicMessage(err) != "authorization check failed" {
		t.Fatalf("internal details leaked: %q", PublicMessage(err))
	}
}

func TestGateInvalidOptions(t *testing.T) {
	g := newTestGate(t)
	var invoked atomic.Int32
	op := Protect(g, spyOp(&invoked), Options{Roles: []Role{"OWNER"}})
	if _, err := op(context.Background(), &Request{Credentials: "admin"}); StatusCode(err) != 500 {
		t.Fatalf("invalid options must fail the check, got %v", err)
	}
}

func TestGateAuditsGrantedInvocations(t *testing.T) {
	sink := &recordingSink{err: errors.New("sink down")}
	d := NewAuditDispatcher(sink, 8, nil, nil)
	clk := newFakeClock()
	g := newTestGate(t, WithAuditDispatcher(d), WithGateClock(clk.Now), WithIDGenerator(func() string { return "evt-1" }))
	var invoked atomic.Int32
	op := Protect(g, spyOp(&invoked), Options{
		Name:  "delete-project",
		Audit: &AuditOptions{Metadata: map[string]string{"severity": "high"}},
	})

	_, err := op(context.Background(), &Request{
		Credentials: "admin", Path: "/projects/42", ResourceID: "42", ClientKey: "1.1.1.1",
		Metadata: map[string]string{"user_agent": "test"},
	})
	if err != nil {
		t.Fatalf("sink failures must not reach the caller: %v", err)
	}
	// anonymous callers are not audited
	_, _ = op(context.Background(), &Request{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.ID != "evt-1" || r.UserID != "a1" || r.Action != "delete-project" || r.ResourcePath != "/projects/42" ||
		r.ResourceID != "42" || r.Outcome != OutcomeGranted || !r.Timestamp.Equal(clk.Now()) {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.Metadata["severity"] != "high" || r.Metadata["user_agent"] != "test" {
		t.Fatalf("unexpected metadata %v", r.Metadata)
	}
}

func TestGateAuthenticatesBeforeValidatingOptions(t *testing.T) {
	g := newTestGate(t)
	_, err := g.Check(context.Background(), &Request{}, Options{Roles: []Role{"OWNER"}})
	if StatusCode(err) != 401 {
		t.Fatalf("anonymous caller on a misconfigured operation must get 401, got %v", err)
	}
}

func TestGateAuditsDeniedInvocations(t *testing.T) {
	sink := &recordingSink{}
	d := NewAuditDispatcher(sink, 8, nil, nil)
	lim := &countingLimiter{}
	g := newTestGate(t, WithAuditDispatcher(d), WithRateLimiter(lim), WithIDGenerator(func() string { return "evt" }))
	audit := &AuditOptions{Action: "report.export"}

	if _, err := g.Check(context.Background(), &Request{Credentials: "viewer", Path: "/reports"},
		Options{Roles: []Role{RoleAdmin}, Audit: audit}); StatusCode(err) != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
	limited := Options{Name: "export", RateLimit: &Limit{Points: 1, Duration: 10 * time.Second}, Audit: audit}
	_, _ = g.Check(context.Background(), &Request{Credentials: "admin"}, limited)
	if _, err := g.Check(context.Background(), &Request{Credentials: "admin"}, limited); StatusCode(err) != 429 {
		t.Fatalf("expected 429, got %v", err)
	}
	lim.err = errors.New("limiter down")
	if _, err := g.Check(context.Background(), &Request{Credentials: "admin"}, limited); StatusCode(err) != 500 {
		t.Fatalf("expected 500, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	recs := sink.records()
	if len(recs) != 3 {
		t.Fatalf("expected denied, granted and rate limited records, got %d", len(recs))
	}
	if r := recs[0]; r.UserID != "v1" || r.Outcome != OutcomeDenied || r.Metadata["rejection"] != KindPermission || r.ResourcePath != "/reports" {
		t.Fatalf("unexpected denied record %+v", r)
	}
	if recs[1].Outcome != OutcomeGranted {
		t.Fatalf("unexpected record %+v", recs[1])
	}
	if r := recs[2]; r.Outcome != OutcomeDenied || r.Metadata["rejection"] != KindRateLimited {
		t.Fatalf("unexpected rate limited record %+v", r)
	}
}

func TestRateLimitKey(t *testing.T) {
	if got := RateLimitKey(&Request{Path: "/x", ClientKey: "ip"}, Options{}); got != "/x:ip" {
		t.Fatalf("got %q", got)
	}
	if got := RateLimitKey(&Request{Path: "/x"}, Options{Name: "op"}); got != "op:unknown" {
		t.Fatalf("got %q", got)
	}
}

func TestNewGateRequiresResolver(t *testing.T) {
	if _, err := NewGate(nil); err == nil {
		t.Fatal("expected error")
	}
}
