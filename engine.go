package rbacgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/rbacgate/logger"
)

const tracerName = "github.com/oarkflow/rbacgate"

// Decision explains how a check was resolved.
type Decision struct {
	Role              Role        `json:"role"`
	Action            Action      `json:"action"`
	Resource          Resource    `json:"resource"`
	Allowed           bool        `json:"allowed"`
	Reason            string      `json:"reason"`
	MatchedPermission *Permission `json:"matched_permission,omitempty"`
	Cached            bool        `json:"cached"`
	Timestamp         time.Time   `json:"timestamp"`
}

// Deny reasons reported by Explain.
const (
	ReasonNoRules        = "role has no permissions"
	ReasonNoMatch        = "no permission matches action and resource"
	ReasonConditionsFail = "conditions not satisfied"
	ReasonGranted        = "granted"
	ReasonCached         = "cached decision"
)

// CheckRequest is one element of a BatchCan call. When Role is empty the role
// of UserID is looked up, as HasPermission does.
type CheckRequest struct {
	Role     Role             `json:"role,omitempty"`
	UserID   string           `json:"user_id,omitempty"`
	Action   Action           `json:"action"`
	Resource Resource         `json:"resource"`
	Context  *ResourceContext `json:"context,omitempty"`
}

// Engine answers "may this role perform this action on this resource" using
// the rule table, the condition evaluator and a memoizing cache.
type Engine struct {
	rules      *RuleTable
	cache      PermissionCache
	evaluator  *ConditionEvaluator
	members    MembershipStore
	identities IdentityStore
	logger     logger.Logger
	metrics    *Metrics
	now        Clock
	ttl        time.Duration
	tracer     trace.Tracer
	flight     singleflight.Group
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// WithLogger installs a Logger on the Engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

// WithCache replaces the default in-memory cache.
func WithCache(c PermissionCache) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("rbacgate: nil cache")
		}
		e.cache = c
		return nil
	}
}

// WithClock sets the clock of the default cache.
func WithClock(now Clock) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// WithTTL sets the TTL of the default cache.
func WithTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl < 0 {
			return fmt.Errorf("rbacgate: negative cache ttl %s", ttl)
		}
		e.ttl = ttl
		return nil
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

func WithMembershipStore(s MembershipStore) EngineOption {
	return func(e *Engine) error {
		e.members = s
		return nil
	}
}

func WithIdentityStore(s IdentityStore) EngineOption {
	return func(e *Engine) error {
		e.identities = s
		return nil
	}
}

// WithTracer overrides the tracer obtained from the global provider.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) error {
		if t != nil {
			e.tracer = t
		}
		return nil
	}
}

// NewEngine builds an engine over rules. A nil table means DefaultRuleTable.
func NewEngine(rules *RuleTable, opts ...EngineOption) (*Engine, error) {
	if rules == nil {
		rules = DefaultRuleTable()
	}
	e := &Engine{
		rules:  rules,
		logger: logger.NewNullLogger(),
		now:    time.Now,
		ttl:    DefaultCacheTTL,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		e.cache = NewMemoryCache(WithCacheTTL(e.ttl), WithCacheClock(e.now))
	}
	e.evaluator = &ConditionEvaluator{members: e.members, metrics: e.metrics}
	return e, nil
}

// Rules exposes the engine's rule table.
func (e *Engine) Rules() *RuleTable { return e.rules }

// Cache exposes the engine's permission cache.
func (e *Engine) Cache() PermissionCache { return e.cache }

// Can decides whether role may perform action on resource. A false result with
// a nil error is a denial; a *CheckFailedError means no decision was reached.
func (e *Engine) Can(ctx context.Context, role Role, action Action, resource Resource, rc *ResourceContext) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "rbac.Can", trace.WithAttributes(
		attribute.String("rbac.role", string(role)),
		attribute.String("rbac.action", string(action)),
		attribute.String("rbac.resource", string(resource)),
	))
	defer span.End()

	allowed, err := e.can(ctx, role, action, resource, rc)
	if err != nil {
		e.metrics.decisionError()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	e.metrics.decision(allowed)
	span.SetAttributes(attribute.Bool("rbac.allowed", allowed))
	return allowed, nil
}

func (e *Engine) can(ctx context.Context, role Role, action Action, resource Resource, rc *ResourceContext) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := CacheKey(role, action, resource, rc)
	if v, ok := e.cache.Get(key); ok {
		e.metrics.cache(true)
		return v, nil
	}
	e.metrics.cache(false)

	ch := e.flight.DoChan(key, func() (any, error) {
		d, err := e.evaluate(ctx, role, action, resource, rc)
		if err != nil {
			return false, err
		}
		// a cancelled evaluation may be incomplete
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.cache.Set(key, d.Allowed)
		return d.Allowed, nil
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// the shared call ran under another caller's context
			if res.Shared && isContextErr(res.Err) && ctx.Err() == nil {
				d, err := e.evaluate(ctx, role, action, resource, rc)
				if err != nil {
					return false, err
				}
				if ctx.Err() == nil {
					e.cache.Set(key, d.Allowed)
				}
				return d.Allowed, nil
			}
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// evaluate resolves a decision from the rule table without touching the cache.
func (e *Engine) evaluate(ctx context.Context, role Role, action Action, resource Resource, rc *ResourceContext) (*Decision, error) {
	start := e.now()
	d := &Decision{Role: role, Action: action, Resource: resource, Timestamp: start}
	defer func() { e.metrics.observeEval(time.Since(start)) }()

	if len(e.rules.PermissionsFor(role)) == 0 {
		d.Reason = ReasonNoRules
		return d, nil
	}
	p, ok := e.rules.Match(role, action, resource)
	if !ok {
		d.Reason = ReasonNoMatch
		return d, nil
	}
	d.MatchedPermission = &p
	allowed, err := e.evaluator.Evaluate(ctx, p, rc)
	if err != nil {
		e.logger.Warn("condition evaluation failed",
			"role", string(role), "action", string(action), "resource", string(resource), "err", err)
		return nil, err
	}
	d.Allowed = allowed
	if allowed {
		d.Reason = ReasonGranted
	} else {
		d.Reason = ReasonConditionsFail
	}
	e.logger.Debug("rbac decision",
		"role", string(role), "action", string(action), "resource", string(resource),
		"allowed", allowed, "matched", p.String())
	return d, nil
}

// HasPermission looks up the role of userID and checks it with the user
// installed as the acting user of rc. Unknown users are denied.
func (e *Engine) HasPermission(ctx context.Context, userID string, action Action, resource Resource, rc *ResourceContext) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "rbac.HasPermission", trace.WithAttributes(
		attribute.String("rbac.user", userID),
		attribute.String("rbac.action", string(action)),
		attribute.String("rbac.resource", string(resource)),
	))
	defer span.End()

	role, found, err := e.lookupRole(ctx, userID)
	if err != nil {
		e.metrics.decisionError()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !found {
		e.metrics.decision(false)
		span.SetAttributes(attribute.Bool("rbac.allowed", false))
		return false, nil
	}
	return e.Can(ctx, role, action, resource, rc.WithUser(userID))
}

func (e *Engine) lookupRole(ctx context.Context, userID string) (Role, bool, error) {
	if userID == "" {
		return "", false, nil
	}
	if e.identities == nil {
		return "", false, checkFailed("role lookup", errors.New("no identity store configured"))
	}
	role, err := e.identities.GetRole(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		e.metrics.lookupFailed("identity")
		e.logger.Warn("role lookup failed", "user", userID, "err", err)
		return "", false, checkFailed("role lookup", err)
	}
	if !role.Valid() {
		e.logger.Debug("user has unknown role", "user", userID, "role", string(role))
		return "", false, nil
	}
	return role, true, nil
}

// Explain reports how a check resolves. It reads the cache but never fills it.
func (e *Engine) Explain(ctx context.Context, role Role, action Action, resource Resource, rc *ResourceContext) (*Decision, error) {
	if v, ok := e.cache.Get(CacheKey(role, action, resource, rc)); ok {
		d := &Decision{
			Role: role, Action: action, Resource: resource,
			Allowed: v, Reason: ReasonCached, Cached: true, Timestamp: e.now(),
		}
		if p, matched := e.rules.Match(role, action, resource); matched {
			d.MatchedPermission = &p
		}
		return d, nil
	}
	return e.evaluate(ctx, role, action, resource, rc)
}

// PermittedActions lists the concrete actions role may perform on resource.
func (e *Engine) PermittedActions(ctx context.Context, role Role, resource Resource, rc *ResourceContext) ([]Action, error) {
	actions := make([]Action, 0, 4)
	for _, a := range ConcreteActions() {
		ok, err := e.Can(ctx, role, a, resource, rc)
		if err != nil {
			return nil, err
		}
		if ok {
			actions = append(actions, a)
		}
	}
	return actions, nil
}

// BatchCan evaluates several checks and stops at the first failed lookup.
func (e *Engine) BatchCan(ctx context.Context, reqs []CheckRequest) ([]bool, error) {
	out := make([]bool, len(reqs))
	for i, r := range reqs {
		var (
			ok  bool
			err error
		)
		if r.Role == "" && r.UserID != "" {
			ok, err = e.HasPermission(ctx, r.UserID, r.Action, r.Resource, r.Context)
		} else {
			ok, err = e.Can(ctx, r.Role, r.Action, r.Resource, r.Context)
		}
		if err != nil {
			return nil, fmt.Errorf("check %d: %w", i, err)
		}
		out[i] = ok
	}
	return out, nil
}

// Require is Can that turns a denial into a *PermissionError.
func (e *Engine) Require(ctx context.Context, role Role, action Action, resource Resource, rc *ResourceContext) error {
	ok, err := e.Can(ctx, role, action, resource, rc)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionError{Reason: fmt.Sprintf("%s may not %s %s", role, action, resource)}
	}
	return nil
}

// Authorize checks the principal attached to ctx by the gate, acting as the
// user of rc.
func (e *Engine) Authorize(ctx context.Context, action Action, resource Resource, rc *ResourceContext) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return &AuthenticationError{}
	}
	return e.Require(ctx, p.Role, action, resource, rc.WithUser(p.ID))
}

// InvalidateCache drops every memoized decision. Decisions are unaffected.
func (e *Engine) InvalidateCache() {
	e.cache.Clear()
	e.logger.Info("permission cache cleared")
}
