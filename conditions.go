package rbacgate

import (
	"context"
	"errors"
)

// errNoMembershipStore is wrapped into a CheckFailedError when a team
// condition needs a lookup but no store was configured.
var errNoMembershipStore = errors.New("no membership store configured")

// ConditionEvaluator decides whether a matched permission's conditions hold
// for a given resource context.
type ConditionEvaluator struct {
	members MembershipStore
	metrics *Metrics
}

func NewConditionEvaluator(members MembershipStore) *ConditionEvaluator {
	return &ConditionEvaluator{members: members}
}

// Evaluate checks ownership first since it needs no I/O, then membership.
// Lookup failures surface as *CheckFailedError; they are never a denial.
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, p Permission, rc *ResourceContext) (bool, error) {
	c := p.Conditions
	if c.Empty() {
		return true, nil
	}
	if rc == nil {
		return false, nil
	}
	if c.IsOwner && !isOwner(rc) {
		return false, nil
	}
	if c.TeamMember {
		return ce.isTeamMember(ctx, rc)
	}
	return true, nil
}

func isOwner(rc *ResourceContext) bool {
	return rc.UserID != "" && rc.ResourceOwnerID != "" && rc.UserID == rc.ResourceOwnerID
}

func (ce *ConditionEvaluator) isTeamMember(ctx context.Context, rc *ResourceContext) (bool, error) {
	if rc.UserID == "" {
		return false, nil
	}
	if rc.TeamMembers != nil {
		for _, m := range rc.TeamMembers {
			if m == rc.UserID {
				return true, nil
			}
		}
		return false, nil
	}
	if rc.ProjectID == "" {
		return false, nil
	}
	if ce == nil || ce.members == nil {
		return false, checkFailed("team membership", errNoMembershipStore)
	}
	ok, err := ce.members.IsTeamMember(ctx, rc.UserID, rc.ProjectID)
	if err != nil {
		ce.metrics.lookupFailed("membership")
		return false, checkFailed("team membership", err)
	}
	return ok, nil
}
