package policy

import (
	"fmt"

	"castline/internal/config"
	"castline/internal/domain"
)

// DeniedError indicates a precondition blocked the operation before any
// domain mutation.
type DeniedError struct {
	Reason     string
	Permission string
}

func (e DeniedError) Error() string {
	if e.Permission != "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return e.Reason
}

// Gate evaluates access preconditions for workflow operations: role
// permissions from config plus project/box state checks.
type Gate struct {
	Roles map[string]config.RBACRole
}

func FromConfig(cfg *config.Config) Gate {
	if cfg == nil {
		return Gate{}
	}
	return Gate{Roles: cfg.RBAC.Roles}
}

// RequirePermission checks the caller's role against the configured role
// permissions. An empty role table means permissions are not enforced.
func (g Gate) RequirePermission(identity domain.Identity, perm string) error {
	if len(g.Roles) == 0 {
		return nil
	}
	role, ok := g.Roles[identity.Role]
	if !ok {
		return DeniedError{Permission: perm}
	}
	for _, p := range role.Permissions {
		if p == perm {
			return nil
		}
	}
	return DeniedError{Permission: perm}
}

// RequireProjectOpen rejects mutations on archived, on-hold or closed
// projects.
func (g Gate) RequireProjectOpen(p domain.Project) error {
	switch p.Status {
	case domain.StatusArchived:
		return DeniedError{Reason: fmt.Sprintf("project %s is archived", p.ID)}
	case domain.StatusOnHold:
		return DeniedError{Reason: fmt.Sprintf("project %s is on hold", p.ID)}
	case domain.StatusClosed:
		return DeniedError{Reason: fmt.Sprintf("project %s is closed", p.ID)}
	}
	return nil
}

// RequireBoxMutable rejects mutations on dispatched boxes.
func (g Gate) RequireBoxMutable(b domain.Box) error {
	if b.Dispatched {
		return DeniedError{Reason: fmt.Sprintf("box %s already dispatched", b.ID)}
	}
	return nil
}
