// Package role maps an authenticated identity to the set of roles it holds
// for one application instance.
package role

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/model"
)

// Mapper maps an identity to role ids for an application. Implementations
// must be pure: no I/O, no mutation of app.
type Mapper interface {
	MapIdentity(rctx *model.RequestContext, app *model.Application) ([]string, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(rctx *model.RequestContext, app *model.Application) ([]string, error)

// MapIdentity calls f.
func (f MapperFunc) MapIdentity(rctx *model.RequestContext, app *model.Application) ([]string, error) {
	return f(rctx, app)
}

// Template is the role-relevant view of a compiled template.
type Template interface {
	TypeID() string
	RoleMapper() Mapper
}

// Registry holds Go mappers that replace a template's declared role rules.
type Registry struct {
	mu      sync.RWMutex
	mappers map[string]Mapper
}

// NewRegistry creates an empty mapper registry.
func NewRegistry() *Registry {
	return &Registry{mappers: make(map[string]Mapper)}
}

// Register binds a mapper to a template type. It panics if the type already
// has one; registration happens once at startup.
func (r *Registry) Register(typeID string, m Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mappers[typeID]; exists {
		panic(fmt.Sprintf("role: mapper for type %q already registered", typeID))
	}
	r.mappers[typeID] = m
}

// Get returns the mapper registered for typeID.
func (r *Registry) Get(typeID string) (Mapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[typeID]
	return m, ok
}

// Types returns the sorted list of types with a registered mapper.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.mappers))
	for t := range r.mappers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resolver resolves role sets. It holds no per-application state.
type Resolver struct {
	registry *Registry
	logger   *zap.Logger
}

// NewResolver creates a resolver. registry may be nil.
func NewResolver(registry *Registry, logger *zap.Logger) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{registry: registry, logger: logger}
}

// Resolve returns the roles rctx holds for app. An empty set means the
// identity has no access at all.
func (r *Resolver) Resolve(tmpl Template, app *model.Application, rctx *model.RequestContext) (model.RoleSet, error) {
	if rctx == nil || rctx.SubjectID == "" {
		return model.RoleSet{}, nil
	}
	mapper, ok := r.registry.Get(tmpl.TypeID())
	if !ok {
		mapper = tmpl.RoleMapper()
	}
	if mapper == nil {
		return model.RoleSet{}, nil
	}
	roles, err := mapper.MapIdentity(rctx, app)
	if err != nil {
		return nil, fmt.Errorf("role: resolve %s for %s: %w", tmpl.TypeID(), app.ID, err)
	}
	return model.NewRoleSet(roles...), nil
}

// RuleMapper evaluates a template's declared role rules in order.
type RuleMapper struct {
	rules  []compiledRule
	first  bool
	logger *zap.Logger
}

type compiledRule struct {
	def  model.RoleRule
	pred *expression.Predicate
}

// CompileRules builds the mapper for a template's roles section. mode is
// model.RoleModeAdditive (default) or model.RoleModeFirst.
func CompileRules(rules []model.RoleRule, mode string, compiler *expression.Compiler, logger *zap.Logger) (*RuleMapper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &RuleMapper{first: mode == model.RoleModeFirst, logger: logger}
	for i, rule := range rules {
		cr := compiledRule{def: rule}
		switch rule.Match {
		case model.MatchApplicant, model.MatchAssignee:
		case model.MatchClaim:
			if rule.Claim == "" {
				return nil, fmt.Errorf("roles[%d]: claim match requires claim", i)
			}
		case model.MatchExpression:
			pred, err := compiler.Compile(expression.KindRole, rule.Expression)
			if err != nil {
				return nil, fmt.Errorf("roles[%d]: %w", i, err)
			}
			cr.pred = pred
		default:
			return nil, fmt.Errorf("roles[%d]: unknown match %q", i, rule.Match)
		}
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

// MapIdentity implements Mapper.
func (m *RuleMapper) MapIdentity(rctx *model.RequestContext, app *model.Application) ([]string, error) {
	var out []string
	var env map[string]any
	for _, r := range m.rules {
		matched := false
		switch r.def.Match {
		case model.MatchApplicant:
			matched = app.ApplicantID != "" && app.ApplicantID == rctx.SubjectID
		case model.MatchAssignee:
			matched = app.IsAssignee(rctx.SubjectID)
		case model.MatchClaim:
			matched = rctx.HasRole(r.def.Claim)
		case model.MatchExpression:
			if env == nil {
				env = expression.RoleEnv(rctx.Env(), applicationEnv(app))
			}
			ok, err := r.pred.Eval(env)
			if err != nil {
				// Fail closed.
				m.logger.Warn("role expression failed",
					zap.String("role", r.def.ID),
					zap.String("application_id", app.ID),
					zap.Error(err),
				)
			}
			matched = ok
		}
		if !matched {
			continue
		}
		out = append(out, r.def.ID)
		if m.first {
			break
		}
	}
	return out, nil
}

func applicationEnv(app *model.Application) map[string]any {
	assignees := make([]any, 0, len(app.AssigneeIDs))
	for _, a := range app.AssigneeIDs {
		assignees = append(assignees, a)
	}
	answers := app.Answers
	if answers == nil {
		answers = map[string]any{}
	}
	return map[string]any{
		"id":            app.ID,
		"type_id":       app.TypeID,
		"applicant_id":  app.ApplicantID,
		"assignee_ids":  assignees,
		"state":         app.State,
		"answers":       answers,
		"external_data": app.ExternalDataMap(),
	}
}
