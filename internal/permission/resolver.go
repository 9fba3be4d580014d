// Package permission computes the merged field-access mask of the roles a
// caller holds in the current state of an application.
package permission

import (
	"sort"

	"github.com/pitabwire/caseflow/internal/fieldpath"
	"github.com/pitabwire/caseflow/model"
)

// Mode selects the read or write half of a RoleGrant.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Mask is the union of the field grants of every held role.
type Mask struct {
	All   bool
	Paths []string
}

// Allows reports whether the mask grants path in full.
func (m Mask) Allows(path string) bool {
	if m.All {
		return true
	}
	for _, g := range m.Paths {
		if fieldpath.Covers(g, path) {
			return true
		}
	}
	return false
}

// Decision is the result of authorizing a set of field paths.
type Decision struct {
	Allowed []string
	Denied  []string
}

// OK reports whether nothing was denied.
func (d Decision) OK() bool {
	return len(d.Denied) == 0
}

// Errors renders denied paths as field errors.
func (d Decision) Errors() []model.FieldError {
	if d.OK() {
		return nil
	}
	return model.NewFieldAccessDeniedError(d.Denied).Details
}

// Resolve unions the grants of roles in state for mode. Roles without a
// grant in the state contribute nothing; grants never restrict each other.
func Resolve(state *model.StateDef, roles model.RoleSet, mode Mode) Mask {
	var mask Mask
	seen := make(map[string]bool)
	for _, g := range roles.Grants(state) {
		fg := g.Read
		if mode == Write {
			fg = g.Write
		}
		if fg.All {
			return Mask{All: true}
		}
		for _, p := range fg.Paths {
			if !seen[p] {
				seen[p] = true
				mask.Paths = append(mask.Paths, p)
			}
		}
	}
	sort.Strings(mask.Paths)
	return mask
}

// Authorize checks every path against the merged mask. Paths are
// full dotted paths ("answers.decision").
func Authorize(state *model.StateDef, roles model.RoleSet, paths []string, mode Mode) Decision {
	mask := Resolve(state, roles, mode)
	var d Decision
	for _, p := range paths {
		if mode == Write && !fieldpath.Covers(model.RootAnswers, p) {
			// External data is provider-owned.
			d.Denied = append(d.Denied, p)
			continue
		}
		if mask.Allows(p) {
			d.Allowed = append(d.Allowed, p)
		} else {
			d.Denied = append(d.Denied, p)
		}
	}
	return d
}

// AuthorizePatch flattens an answers patch to its leaf paths and authorizes
// them for writing. The write is acceptable only when Decision.OK.
func AuthorizePatch(state *model.StateDef, roles model.RoleSet, patch map[string]any) Decision {
	return Authorize(state, roles, fieldpath.Leaves(model.RootAnswers, patch), Write)
}

// FilterRead reduces answers and external data to what roles may read in
// state. Fields outside the mask are omitted without error.
func FilterRead(state *model.StateDef, roles model.RoleSet, answers, externalData map[string]any) (map[string]any, map[string]any) {
	mask := Resolve(state, roles, Read)
	if mask.All {
		return model.CloneMap(nonNil(answers)), model.CloneMap(nonNil(externalData))
	}
	a := fieldpath.Project(model.RootAnswers, answers, mask.Paths)
	e := fieldpath.Project(model.RootExternalData, externalData, mask.Paths)
	return model.CloneMap(a), model.CloneMap(e)
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
