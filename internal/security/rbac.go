package security

import (
	"fmt"
	"strings"
)

// Action names one operator-facing gateway operation.
type Action string

const (
	ActionSend    Action = "send_call"
	ActionResolve Action = "resolve_result"
	ActionExport  Action = "export_audit"
	ActionAdmin   Action = "admin"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) String() string {
	return string(r)
}

// RoleSet is the set of roles granted one action.
type RoleSet map[Role]struct{}

func (s RoleSet) has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Policy maps operator actions to granted roles. Unknown actions are denied
// for every role.
type Policy struct {
	grants map[Action]RoleSet
}

// DefaultPolicy: viewers read, operators drive traffic, admins do
// everything.
func DefaultPolicy() Policy {
	return NewPolicy(map[Action][]Role{
		ActionSend:    {RoleOperator, RoleAdmin},
		ActionResolve: {RoleViewer, RoleOperator, RoleAdmin},
		ActionExport:  {RoleOperator, RoleAdmin},
		ActionAdmin:   {RoleAdmin},
	})
}

func NewPolicy(allowed map[Action][]Role) Policy {
	p := Policy{grants: make(map[Action]RoleSet, len(allowed))}
	for action, roles := range allowed {
		set := make(RoleSet, len(roles))
		for _, r := range roles {
			set[r] = struct{}{}
		}
		p.grants[action] = set
	}
	return p
}

func (p Policy) IsAllowed(role Role, action Action) bool {
	return p.grants[action].has(role)
}

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleViewer, RoleOperator, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role: %q", raw)
	}
}

func ParseRoles(raw []string) ([]Role, error) {
	roles := make([]Role, 0, len(raw))
	for _, s := range raw {
		role, err := ParseRole(s)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}
