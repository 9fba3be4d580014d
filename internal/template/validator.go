package template

import (
	"fmt"
	"sort"

	"github.com/pitabwire/caseflow/model"
)

// Validation error codes.
const (
	CodeRequired    = "REQUIRED"
	CodeInvalidEnum = "INVALID_ENUM"
	CodeRange       = "RANGE"
	CodeRefNotFound = "REF_NOT_FOUND"
	CodeDuplicate   = "DUPLICATE"
	CodeUnreachable = "UNREACHABLE"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ActionSet reports whether a side-effect action is registered.
type ActionSet interface {
	Has(name string) bool
}

// Validator checks templates structurally and referentially.
type Validator struct {
	actions     ActionSet
	customRoles map[string]bool
}

// NewValidator creates a Validator. actions may be nil to skip action checks.
// customRoleTypes lists template types whose roles come from a Go mapper;
// their grants may name roles the YAML does not declare.
func NewValidator(actions ActionSet, customRoleTypes []string) *Validator {
	v := &Validator{actions: actions, customRoles: make(map[string]bool)}
	for _, t := range customRoleTypes {
		v.customRoles[t] = true
	}
	return v
}

// Validate checks all templates.
func (v *Validator) Validate(tmpls []model.Template) []VError {
	var errs []VError
	seen := make(map[string]int)
	for i, t := range tmpls {
		prefix := fmt.Sprintf("templates[%d]", i)
		key := t.Type + "@" + t.Version
		if j, dup := seen[key]; dup && t.Type != "" {
			errs = append(errs, VError{
				Path:    prefix,
				Code:    CodeDuplicate,
				Message: fmt.Sprintf("template %s version %s already declared by templates[%d]", t.Type, t.Version, j),
			})
		}
		seen[key] = i
		errs = append(errs, v.validateTemplate(prefix, &t)...)
	}
	return errs
}

func (v *Validator) validateTemplate(prefix string, t *model.Template) []VError {
	var errs []VError

	if t.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeRequired, Message: "type is required"})
	}
	if t.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: CodeRequired, Message: "version is required"})
	}
	switch t.RoleMode {
	case "", model.RoleModeAdditive, model.RoleModeFirst:
	default:
		errs = append(errs, VError{Path: prefix + ".role_mode", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid role_mode %q", t.RoleMode)})
	}

	declared := make(map[string]bool)
	for i, r := range t.Roles {
		rp := fmt.Sprintf("%s.roles[%d]", prefix, i)
		if r.ID == "" {
			errs = append(errs, VError{Path: rp + ".id", Code: CodeRequired, Message: "id is required"})
			continue
		}
		if declared[r.ID] {
			errs = append(errs, VError{Path: rp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("role %q declared twice", r.ID)})
		}
		declared[r.ID] = true
	}
	custom := v.customRoles[t.Type]
	if len(t.Roles) == 0 && !custom {
		errs = append(errs, VError{Path: prefix + ".roles", Code: CodeRequired, Message: "at least one role rule is required"})
	}

	m := t.Machine
	mp := prefix + ".machine"
	if len(m.States) == 0 {
		errs = append(errs, VError{Path: mp + ".states", Code: CodeRequired, Message: "at least one state is required"})
		return errs
	}
	if m.Initial == "" {
		errs = append(errs, VError{Path: mp + ".initial", Code: CodeRequired, Message: "initial is required"})
	} else if _, ok := m.States[m.Initial]; !ok {
		errs = append(errs, VError{Path: mp + ".initial", Code: CodeRefNotFound, Message: fmt.Sprintf("initial state %q not declared", m.Initial)})
	}

	for _, name := range sortedStates(m.States) {
		sp := fmt.Sprintf("%s.states.%s", mp, name)
		errs = append(errs, v.validateState(sp, m.States[name], m.States, declared, custom)...)
	}

	if m.Initial != "" {
		for _, name := range unreachable(m) {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.states.%s", mp, name),
				Code:    CodeUnreachable,
				Message: fmt.Sprintf("state %q cannot be reached from %q", name, m.Initial),
			})
		}
	}
	return errs
}

func (v *Validator) validateState(prefix string, s *model.StateDef, states map[string]*model.StateDef, roles map[string]bool, custom bool) []VError {
	var errs []VError

	switch s.Type {
	case "", model.StateTypeNormal, model.StateTypeFinal:
	default:
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid state type %q", s.Type)})
	}
	if s.Progress < 0 || s.Progress > 1 {
		errs = append(errs, VError{Path: prefix + ".progress", Code: CodeRange, Message: "progress must be between 0 and 1"})
	}
	if s.Lifecycle.PruneAfter < 0 {
		errs = append(errs, VError{Path: prefix + ".lifecycle.prune_after", Code: CodeRange, Message: "prune_after must not be negative"})
	}
	if s.IsFinal() && len(s.Transitions) > 0 {
		errs = append(errs, VError{Path: prefix + ".transitions", Code: CodeInvalidEnum, Message: "final states cannot declare transitions"})
	}

	for _, event := range sortedEvents(s.Transitions) {
		tr := s.Transitions[event]
		tp := fmt.Sprintf("%s.transitions.%s", prefix, event)
		if tr.Target == "" {
			errs = append(errs, VError{Path: tp + ".target", Code: CodeRequired, Message: "target is required"})
		} else if _, ok := states[tr.Target]; !ok {
			errs = append(errs, VError{Path: tp + ".target", Code: CodeRefNotFound, Message: fmt.Sprintf("target state %q not declared", tr.Target)})
		}
	}

	for i, g := range s.Roles {
		gp := fmt.Sprintf("%s.roles[%d]", prefix, i)
		if g.Role == "" {
			errs = append(errs, VError{Path: gp + ".role", Code: CodeRequired, Message: "role is required"})
		} else if !custom && !roles[g.Role] {
			errs = append(errs, VError{Path: gp + ".role", Code: CodeRefNotFound, Message: fmt.Sprintf("role %q not declared in roles", g.Role)})
		}
		for j, a := range g.Actions {
			if _, ok := s.Transitions[a.Event]; !ok {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.actions[%d].event", gp, j),
					Code:    CodeRefNotFound,
					Message: fmt.Sprintf("event %q has no transition from this state", a.Event),
				})
			}
		}
		errs = append(errs, validateGrantPaths(gp+".read", g.Read)...)
		errs = append(errs, validateGrantPaths(gp+".write", g.Write)...)
	}

	for i, e := range s.OnEntry {
		errs = append(errs, v.validateEffect(fmt.Sprintf("%s.on_entry[%d]", prefix, i), e)...)
	}
	for i, e := range s.OnExit {
		errs = append(errs, v.validateEffect(fmt.Sprintf("%s.on_exit[%d]", prefix, i), e)...)
	}
	return errs
}

func (v *Validator) validateEffect(prefix string, e model.SideEffectDef) []VError {
	if e.Action == "" {
		return []VError{{Path: prefix + ".action", Code: CodeRequired, Message: "action is required"}}
	}
	if v.actions != nil && !v.actions.Has(e.Action) {
		return []VError{{Path: prefix + ".action", Code: CodeRefNotFound, Message: fmt.Sprintf("action %q is not registered", e.Action)}}
	}
	return nil
}

func validateGrantPaths(prefix string, g model.FieldGrant) []VError {
	var errs []VError
	for i, p := range g.Paths {
		root := p
		for j := 0; j < len(p); j++ {
			if p[j] == '.' {
				root = p[:j]
				break
			}
		}
		if root != model.RootAnswers && root != model.RootExternalData {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s[%d]", prefix, i),
				Code:    CodeInvalidEnum,
				Message: fmt.Sprintf("path %q must start with answers or externalData", p),
			})
		}
	}
	return errs
}

// unreachable returns states with no path from the initial state.
func unreachable(m model.Machine) []string {
	seen := map[string]bool{m.Initial: true}
	queue := []string{m.Initial}
	for len(queue) > 0 {
		s, ok := m.States[queue[0]]
		queue = queue[1:]
		if !ok {
			continue
		}
		for _, tr := range s.Transitions {
			if !seen[tr.Target] {
				seen[tr.Target] = true
				queue = append(queue, tr.Target)
			}
		}
	}
	var out []string
	for _, name := range sortedStates(m.States) {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

func sortedStates(states map[string]*model.StateDef) []string {
	out := make([]string, 0, len(states))
	for name := range states {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedEvents(ts map[string]model.Transition) []string {
	out := make([]string, 0, len(ts))
	for e := range ts {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
