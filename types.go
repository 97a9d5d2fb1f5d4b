package rbacgate

import (
	"context"
	"errors"
	"strings"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Role is the single global privilege class assigned to a principal.
type Role string

const (
	RoleViewer         Role = "VIEWER"
	RoleUser           Role = "USER"
	RoleTester         Role = "TESTER"
	RoleEditor         Role = "EDITOR"
	RoleProjectManager Role = "PROJECT_MANAGER"
	RoleAdmin          Role = "ADMIN"
)

var roleLevels = map[Role]int{
	RoleViewer:         1,
	RoleUser:           2,
	RoleTester:         3,
	RoleEditor:         4,
	RoleProjectManager: 5,
	RoleAdmin:          6,
}

// Roles returns every known role ordered from least to most privileged.
func Roles() []Role {
	return []Role{RoleViewer, RoleUser, RoleTester, RoleEditor, RoleProjectManager, RoleAdmin}
}

// Valid reports whether r is a member of the role enumeration.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// Level returns the privilege rank of the role, 0 for unknown roles.
// Authorization decisions never compare levels; the rank is informational.
func (r Role) Level() int {
	return roleLevels[r]
}

// ParseRole normalizes s and returns the matching role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Action is the operation category being requested.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionManage Action = "MANAGE"
)

// Actions returns all actions in declaration order.
func Actions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage}
}

// ConcreteActions returns every action except the MANAGE wildcard.
func ConcreteActions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}
}

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage:
		return true
	}
	return false
}

// Satisfies reports whether a granted action covers the requested one.
// MANAGE covers everything; other actions only cover themselves.
func (a Action) Satisfies(requested Action) bool {
	return a == requested || a == ActionManage
}

// ParseAction normalizes s and returns the matching action.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	return a, a.Valid()
}

// Resource is an opaque domain noun used only as a matching key.
type Resource string

const (
	ResourceProject  Resource = "PROJECT"
	ResourceTestCase Resource = "TEST_CASE"
	ResourceTestRun  Resource = "TEST_RUN"
	ResourceUser     Resource = "USER"
	ResourceReport   Resource = "REPORT"
)

// Resources returns the built-in resource types.
func Resources() []Resource {
	return []Resource{ResourceProject, ResourceTestCase, ResourceTestRun, ResourceUser, ResourceReport}
}

// Conditions narrows a grant to specific resource instances. When both
// switches are set both must hold.
type Conditions struct {
	IsOwner    bool `json:"is_owner,omitempty" yaml:"is_owner,omitempty"`
	TeamMember bool `json:"team_member,omitempty" yaml:"team_member,omitempty"`
}

// Empty reports whether no switch is set.
func (c *Conditions) Empty() bool {
	return c == nil || (!c.IsOwner && !c.TeamMember)
}

// Permission grants an action on a resource, optionally under conditions.
type Permission struct {
	Action     Action      `json:"action" yaml:"action" validate:"required"`
	Resource   Resource    `json:"resource" yaml:"resource" validate:"required"`
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Conditional reports whether the permission carries at least one condition.
func (p Permission) Conditional() bool {
	return !p.Conditions.Empty()
}

func (p Permission) String() string {
	var b strings.Builder
	b.WriteString(string(p.Action))
	b.WriteByte(' ')
	b.WriteString(string(p.Resource))
	if p.Conditions != nil {
		if p.Conditions.IsOwner {
			b.WriteString(" [owner]")
		}
		if p.Conditions.TeamMember {
			b.WriteString(" [team]")
		}
	}
	return b.String()
}

// RBACRule lists the permissions a role holds, in declaration order.
type RBACRule struct {
	Role        Role         `json:"role" yaml:"role" validate:"required"`
	Permissions []Permission `json:"permissions" yaml:"permissions" validate:"dive"`
}

// ResourceContext carries the per-request data needed by conditions.
// TeamMembers, when non-nil, is the pre-fetched membership of ProjectID.
type ResourceContext struct {
	UserID          string   `json:"user_id,omitempty"`
	ResourceOwnerID string   `json:"resource_owner_id,omitempty"`
	ProjectID       string   `json:"project_id,omitempty"`
	TeamMembers     []string `json:"team_members,omitempty"`
}

// WithUser returns a copy of rc whose UserID is replaced by userID.
// A nil receiver yields a fresh context holding only the user.
func (rc *ResourceContext) WithUser(userID string) *ResourceContext {
	if rc == nil {
		return &ResourceContext{UserID: userID}
	}
	dup := *rc
	if rc.TeamMembers != nil {
		dup.TeamMembers = append([]string(nil), rc.TeamMembers...)
	}
	dup.UserID = userID
	return &dup
}

// Principal is an authenticated caller as resolved by the identity provider.
type Principal struct {
	ID                string         `json:"id"`
	Role              Role           `json:"role"`
	Email             string         `json:"email,omitempty"`
	EmailVerified     bool           `json:"email_verified"`
	TwoFactorVerified bool           `json:"two_factor_verified"`
	Attrs             map[string]any `json:"attrs,omitempty"`
}

// ============================================================================
// COLLABORATOR INTERFACES
// ============================================================================

// ErrNotFound is returned by stores when a user, role or session is absent.
var ErrNotFound = errors.New("rbacgate: not found")

// IdentityResolver authenticates an inbound request. A nil principal with a nil
// error means the request carries no resolvable identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, req *Request) (*Principal, error)
}

// IdentityResolverFunc adapts a function to IdentityResolver.
type IdentityResolverFunc func(ctx context.Context, req *Request) (*Principal, error)

func (f IdentityResolverFunc) ResolveIdentity(ctx context.Context, req *Request) (*Principal, error) {
	return f(ctx, req)
}

// IdentityStore resolves the role of a user. Absent users yield ErrNotFound.
type IdentityStore interface {
	GetRole(ctx context.Context, userID string) (Role, error)
}

// MembershipStore answers project membership questions.
type MembershipStore interface {
	IsTeamMember(ctx context.Context, userID, projectID string) (bool, error)
}

// MembershipStoreFunc adapts a function to MembershipStore.
type MembershipStoreFunc func(ctx context.Context, userID, projectID string) (bool, error)

func (f MembershipStoreFunc) IsTeamMember(ctx context.Context, userID, projectID string) (bool, error) {
	return f(ctx, userID, projectID)
}

type principalKey struct{}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by the gate, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
