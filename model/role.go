package model

import "sort"

// RoleSet is the set of roles an identity holds for one application.
type RoleSet map[string]bool

// NewRoleSet builds a set from role ids.
func NewRoleSet(roles ...string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		rs[r] = true
	}
	return rs
}

// Has returns true if the set contains the role.
func (rs RoleSet) Has(role string) bool {
	return rs[role]
}

// HasAny returns true if the set contains at least one of the roles.
func (rs RoleSet) HasAny(roles ...string) bool {
	for _, r := range roles {
		if rs[r] {
			return true
		}
	}
	return false
}

// Empty reports whether no role is held.
func (rs RoleSet) Empty() bool {
	return len(rs) == 0
}

// Sorted returns the role ids in lexical order.
func (rs RoleSet) Sorted() []string {
	out := make([]string, 0, len(rs))
	for r, ok := range rs {
		if ok {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// Grants returns the grants of the held roles in the state's declared order.
func (rs RoleSet) Grants(state *StateDef) []*RoleGrant {
	var out []*RoleGrant
	for i := range state.Roles {
		if rs[state.Roles[i].Role] {
			out = append(out, &state.Roles[i])
		}
	}
	return out
}
