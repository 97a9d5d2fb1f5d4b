package rbacgate

import (
	"fmt"
	"sort"
)

// ============================================================================
// RULE TABLE
// ============================================================================

// RuleTable maps each role to its ordered permissions. It is built once and
// never mutated afterwards, so it is safe for concurrent readers.
type RuleTable struct {
	rules map[Role]RBACRule
}

// NewRuleTable validates rules and builds an immutable table from them.
// Permission declaration order is preserved because the first match wins.
func NewRuleTable(rules []RBACRule) (*RuleTable, error) {
	t := &RuleTable{rules: make(map[Role]RBACRule, len(rules))}
	for _, r := range rules {
		if !r.Role.Valid() {
			return nil, fmt.Errorf("rule table: unknown role %q", r.Role)
		}
		if _, dup := t.rules[r.Role]; dup {
			return nil, fmt.Errorf("rule table: duplicate rule for role %s", r.Role)
		}
		perms := make([]Permission, 0, len(r.Permissions))
		for i, p := range r.Permissions {
			if !p.Action.Valid() {
				return nil, fmt.Errorf("rule table: role %s permission %d: unknown action %q", r.Role, i, p.Action)
			}
			if p.Resource == "" {
				return nil, fmt.Errorf("rule table: role %s permission %d: empty resource", r.Role, i)
			}
			if p.Conditions != nil {
				c := *p.Conditions
				p.Conditions = &c
			}
			perms = append(perms, p)
		}
		t.rules[r.Role] = RBACRule{Role: r.Role, Permissions: perms}
	}
	return t, nil
}

// MustRuleTable is NewRuleTable that panics on invalid input.
func MustRuleTable(rules []RBACRule) *RuleTable {
	t, err := NewRuleTable(rules)
	if err != nil {
		panic(err)
	}
	return t
}

// PermissionsFor returns the permissions granted to role. Unknown roles and
// roles without a rule yield an empty slice, which callers treat as deny-all.
func (t *RuleTable) PermissionsFor(role Role) []Permission {
	if t == nil {
		return nil
	}
	r, ok := t.rules[role]
	if !ok {
		return nil
	}
	return r.Permissions
}

// Match returns the first permission of role that covers action on resource.
func (t *RuleTable) Match(role Role, action Action, resource Resource) (Permission, bool) {
	for _, p := range t.PermissionsFor(role) {
		if p.Action.Satisfies(action) && p.Resource == resource {
			return p, true
		}
	}
	return Permission{}, false
}

// Rules returns a copy of the table ordered by role level.
func (t *RuleTable) Rules() []RBACRule {
	if t == nil {
		return nil
	}
	out := make([]RBACRule, 0, len(t.rules))
	for _, r := range t.rules {
		perms := make([]Permission, len(r.Permissions))
		copy(perms, r.Permissions)
		out = append(out, RBACRule{Role: r.Role, Permissions: perms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role.Level() < out[j].Role.Level() })
	return out
}

var (
	teamOnly  = &Conditions{TeamMember: true}
	ownerOnly = &Conditions{IsOwner: true}
	ownerTeam = &Conditions{IsOwner: true, TeamMember: true}
)

// DefaultRules is the unified role table of the test-management application.
// Within a role the first matching permission wins, so narrower grants that
// must take precedence are declared before broader ones.
func DefaultRules() []RBACRule {
	return []RBACRule{
		{Role: RoleViewer, Permissions: []Permission{
			{Action: ActionRead, Resource: ResourceProject, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceTestCase, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceTestRun, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceReport, Conditions: teamOnly},
		}},
		{Role: RoleUser, Permissions: []Permission{
			{Action: ActionRead, Resource: ResourceProject, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceTestCase, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceTestRun, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceReport, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceUser, Conditions: ownerOnly},
			{Action: ActionUpdate, Resource: ResourceUser, Conditions: ownerOnly},
		}},
		{Role: RoleTester, Permissions: []Permission{
			{Action: ActionRead, Resource: ResourceProject, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceTestCase, Conditions: teamOnly},
			{Action: ActionCreate, Resource: ResourceTestRun, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceTestRun, Conditions: teamOnly},
			{Action: ActionUpdate, Resource: ResourceTestRun, Conditions: ownerTeam},
			{Action: ActionRead, Resource: ResourceReport, Conditions: teamOnly},
			{Action: ActionCreate, Resource: ResourceReport, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceUser, Conditions: ownerOnly},
			{Action: ActionUpdate, Resource: ResourceUser, Conditions: ownerOnly},
		}},
		{Role: RoleEditor, Permissions: []Permission{
			{Action: ActionRead, Resource: ResourceProject, Conditions: teamOnly},
			{Action: ActionUpdate, Resource: ResourceTestCase, Conditions: ownerOnly},
			{Action: ActionDelete, Resource: ResourceTestCase, Conditions: ownerOnly},
			{Action: ActionManage, Resource: ResourceTestCase, Conditions: teamOnly},
			{Action: ActionManage, Resource: ResourceTestRun, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceReport, Conditions: teamOnly},
			{Action: ActionCreate, Resource: ResourceReport, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceUser, Conditions: ownerOnly},
			{Action: ActionUpdate, Resource: ResourceUser, Conditions: ownerOnly},
		}},
		{Role: RoleProjectManager, Permissions: []Permission{
			{Action: ActionManage, Resource: ResourceProject, Conditions: teamOnly},
			{Action: ActionManage, Resource: ResourceTestCase, Conditions: teamOnly},
			{Action: ActionManage, Resource: ResourceTestRun, Conditions: teamOnly},
			{Action: ActionManage, Resource: ResourceReport, Conditions: teamOnly},
			{Action: ActionRead, Resource: ResourceUser},
		}},
		{Role: RoleAdmin, Permissions: []Permission{
			{Action: ActionManage, Resource: ResourceProject},
			{Action: ActionManage, Resource: ResourceTestCase},
			{Action: ActionManage, Resource: ResourceTestRun},
			{Action: ActionManage, Resource: ResourceUser},
			{Action: ActionManage, Resource: ResourceReport},
		}},
	}
}

// DefaultRuleTable builds the table from DefaultRules.
func DefaultRuleTable() *RuleTable {
	return MustRuleTable(DefaultRules())
}
