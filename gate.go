package rbacgate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oarkflow/rbacgate/logger"
)

// Request is the transport-neutral view of an inbound invocation.
type Request struct {
	Method string
	Path   string
	// ResourceID identifies the addressed resource instance, if any.
	ResourceID string
	// ClientKey is the caller's network identity, used for rate limiting.
	ClientKey string
	// Credentials is the opaque session token or bearer credential.
	Credentials string
	Metadata    map[string]string
}

// Operation is any gated unit of work.
type Operation[T any] func(ctx context.Context, req *Request) (T, error)

// AuditOptions turns on auditing for an operation.
type AuditOptions struct {
	// Action names the audited operation, defaulting to Options.Name.
	Action   string            `json:"action,omitempty" yaml:"action,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Options are the per-operation gate settings.
type Options struct {
	Name            string        `json:"name,omitempty" yaml:"name,omitempty"`
	Roles           []Role        `json:"roles,omitempty" yaml:"roles,omitempty"`
	RequireVerified bool          `json:"require_verified,omitempty" yaml:"require_verified,omitempty"`
	Require2FA      bool          `json:"require_2fa,omitempty" yaml:"require_2fa,omitempty"`
	RateLimit       *Limit        `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Audit           *AuditOptions `json:"audit,omitempty" yaml:"audit,omitempty"`
}

// Validate checks that every role is known and the rate limit is usable.
func (o Options) Validate() error {
	for _, r := range o.Roles {
		if !r.Valid() {
			return fmt.Errorf("gate options %q: unknown role %q", o.Name, r)
		}
	}
	if o.RateLimit != nil {
		if err := o.RateLimit.Validate(); err != nil {
			return fmt.Errorf("gate options %q: %w", o.Name, err)
		}
	}
	return nil
}

var (
	errNoRateLimiter = errors.New("no rate limiter configured")
	errNoResolver    = errors.New("no identity resolver configured")
)

// Gate runs the pre-invocation checks shared by every protected operation.
type Gate struct {
	identity IdentityResolver
	limiter  RateLimiter
	audit    *AuditDispatcher
	logger   logger.Logger
	metrics  *Metrics
	now      Clock
	newID    func() string
	tracer   trace.Tracer
}

// GateOption configures a Gate.
type GateOption func(*Gate) error

func WithRateLimiter(l RateLimiter) GateOption {
	return func(g *Gate) error {
		g.limiter = l
		return nil
	}
}

// WithAuditDispatcher sets the dispatcher that receives audit records.
func WithAuditDispatcher(d *AuditDispatcher) GateOption {
	return func(g *Gate) error {
		g.audit = d
		return nil
	}
}

func WithGateLogger(l logger.Logger) GateOption {
	return func(g *Gate) error {
		if l != nil {
			g.logger = l
		}
		return nil
	}
}

func WithGateMetrics(m *Metrics) GateOption {
	return func(g *Gate) error {
		g.metrics = m
		return nil
	}
}

func WithGateClock(now Clock) GateOption {
	return func(g *Gate) error {
		if now != nil {
			g.now = now
		}
		return nil
	}
}

// WithIDGenerator replaces the uuid generator used for audit record IDs.
func WithIDGenerator(f func() string) GateOption {
	return func(g *Gate) error {
		if f != nil {
			g.newID = f
		}
		return nil
	}
}

func NewGate(identity IdentityResolver, opts ...GateOption) (*Gate, error) {
	if identity == nil {
		return nil, errNoResolver
	}
	g := &Gate{
		identity: identity,
		logger:   logger.NewNullLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Check runs identity, role, verification, 2FA, rate limit and audit in that
// order and returns the authenticated principal. The first failing step
// short-circuits the rest. Options are validated once the caller is
// authenticated. With auditing on, authenticated callers are audited whether
// they pass or are rejected.
func (g *Gate) Check(ctx context.Context, req *Request, opts Options) (*Principal, error) {
	if req == nil {
		req = &Request{}
	}
	ctx, span := g.tracer.Start(ctx, "rbac.Gate", trace.WithAttributes(
		attribute.String("rbac.operation", opts.Name),
		attribute.String("rbac.path", req.Path),
	))
	defer span.End()

	p, err := g.check(ctx, req, opts)
	if err != nil {
		kind := Kind(err)
		g.metrics.rejected(kind)
		span.SetAttributes(attribute.String("rbac.rejection", kind))
		if kind == KindCheckFailed {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			g.logger.Error("gate check failed", "operation", opts.Name, "path", req.Path, "err", err)
		} else {
			g.logger.Debug("gate rejected request", "operation", opts.Name, "path", req.Path, "kind", kind)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("rbac.user", p.ID))
	return p, nil
}

func (g *Gate) check(ctx context.Context, req *Request, opts Options) (*Principal, error) {
	p, err := g.identity.ResolveIdentity(ctx, req)
	if err != nil {
		var ae *AuthenticationError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, checkFailed("identity resolution", err)
	}
	if p == nil {
		return nil, &AuthenticationError{}
	}
	if err := opts.Validate(); err != nil {
		return nil, checkFailed("gate options", err)
	}

	if err := g.authorize(ctx, req, opts, p); err != nil {
		if opts.Audit != nil && Kind(err) != KindCheckFailed {
			g.emitAudit(req, opts, p, OutcomeDenied, Kind(err))
		}
		return nil, err
	}

	if opts.Audit != nil {
		g.emitAudit(req, opts, p, OutcomeGranted, "")
	}
	return p, nil
}

// authorize runs the role, verification, 2FA and rate limit steps for an
// authenticated principal.
func (g *Gate) authorize(ctx context.Context, req *Request, opts Options, p *Principal) error {
	if len(opts.Roles) > 0 && (!p.Role.Valid() || !slices.Contains(opts.Roles, p.Role)) {
		return &PermissionError{Reason: "role not allowed"}
	}
	if opts.RequireVerified && !p.EmailVerified {
		return &PermissionError{Reason: "email not verified"}
	}
	if opts.Require2FA && !p.TwoFactorVerified {
		return &PermissionError{Reason: "two-factor authentication required"}
	}
	if opts.RateLimit != nil {
		return g.checkLimit(ctx, req, opts)
	}
	return nil
}

// RateLimitKey namespaces the caller's network identity by operation so
// budgets of different operations never interfere.
func RateLimitKey(req *Request, opts Options) string {
	scope := opts.Name
	if scope == "" {
		scope = req.Path
	}
	client := req.ClientKey
	if client == "" {
		client = "unknown"
	}
	return scope + ":" + client
}

func (g *Gate) checkLimit(ctx context.Context, req *Request, opts Options) error {
	if g.limiter == nil {
		return checkFailed("rate limit", errNoRateLimiter)
	}
	err := g.limiter.CheckLimit(ctx, RateLimitKey(req, opts), *opts.RateLimit)
	if err == nil {
		return nil
	}
	var rl *RateLimitExceeded
	if errors.As(err, &rl) {
		return rl
	}
	g.metrics.lookupFailed("rate_limiter")
	return checkFailed("rate limit", err)
}

// emitAudit queues a record for p. rejection carries the error kind of a
// denied call and is empty for granted ones.
func (g *Gate) emitAudit(req *Request, opts Options, p *Principal, outcome, rejection string) {
	if g.audit == nil {
		g.logger.Warn("audit requested but no dispatcher configured", "operation", opts.Name)
		return
	}
	action := opts.Audit.Action
	if action == "" {
		action = opts.Name
	}
	var meta map[string]string
	if n := len(opts.Audit.Metadata) + len(req.Metadata); n > 0 || rejection != "" {
		meta = make(map[string]string, n+1)
		for k, v := range req.Metadata {
			meta[k] = v
		}
		for k, v := range opts.Audit.Metadata {
			meta[k] = v
		}
		if rejection != "" {
			meta["rejection"] = rejection
		}
	}
	g.audit.Dispatch(&AuditRecord{
		ID:           g.newID(),
		UserID:       p.ID,
		Role:         p.Role,
		Action:       action,
		ResourcePath: req.Path,
		ResourceID:   req.ResourceID,
		ClientKey:    req.ClientKey,
		Timestamp:    g.now(),
		Outcome:      outcome,
		Metadata:     meta,
	})
}

// Protect wraps op so every invocation passes the gate first. The principal
// is attached to the context handed to op.
func Protect[T any](g *Gate, op Operation[T], opts Options) Operation[T] {
	return func(ctx context.Context, req *Request) (T, error) {
		var zero T
		p, err := g.Check(ctx, req, opts)
		if err != nil {
			return zero, err
		}
		return op(ContextWithPrincipal(ctx, p), req)
	}
}
