// Package roles maps a (group, user, incident) triple to the set of lifecycle
// capabilities the user may exercise. Department membership is authoritative;
// legacy global role fields are derived and never consulted for authorization.
package roles

import (
	"context"

	"incidentbot/pkg/store"
)

// Capability names one lifecycle operation a user may perform.
type Capability string

const (
	CapSelectDepartment Capability = "select_department"
	CapClaim            Capability = "claim"
	CapRelease          Capability = "release"
	CapResolve          Capability = "resolve"
	CapChangeDepartment Capability = "change_department"
)

// Set is the resolved capability set for one (incident, user) pair.
type Set map[Capability]bool

// Has reports whether the capability was granted.
func (s Set) Has(c Capability) bool {
	return s[c]
}

// Resolver computes capability sets from store state.
type Resolver struct {
	store *store.Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// For resolves the capability set for userID acting on inc. Callers must have
// already verified the group is active; an inactive group grants nothing.
func (r *Resolver) For(ctx context.Context, inc *store.Incident, userID int64, groupActive bool) (Set, error) {
	caps := make(Set)
	if !groupActive {
		return caps, nil
	}
	q := r.store.Read()

	// Only the original reporter performs the first department selection.
	if inc.Status == store.StatusAwaitingDepartment && userID == inc.CreatedByID {
		caps[CapSelectDepartment] = true
	}

	if inc.DepartmentID == nil {
		return caps, nil
	}
	deptID := *inc.DepartmentID

	isMember, err := q.IsDepartmentMember(ctx, deptID, userID)
	if err != nil {
		return nil, err
	}
	hasClaim, err := q.HasActiveClaim(ctx, inc.IncidentID, userID)
	if err != nil {
		return nil, err
	}

	claimable := inc.Status == store.StatusAwaitingClaim || inc.Status == store.StatusInProgress
	if claimable {
		if isMember && !hasClaim {
			caps[CapClaim] = true
		}
		if hasClaim {
			caps[CapRelease] = true
		}

		dept, err := q.GetDepartment(ctx, deptID)
		if err != nil {
			return nil, err
		}
		// Transfers require membership of the current department. An
		// unrestricted department also lets the original reporter reroute
		// a ticket that landed in the wrong queue.
		if isMember || (!dept.RestrictedToMembers && userID == inc.CreatedByID) {
			caps[CapChangeDepartment] = true
		}
	}

	switch inc.Status {
	case store.StatusInProgress:
		if hasClaim {
			caps[CapResolve] = true
		}
	case store.StatusAwaitingSummary:
		if inc.PendingResolutionByUserID != nil && *inc.PendingResolutionByUserID == userID {
			caps[CapResolve] = true
		}
	}

	return caps, nil
}
