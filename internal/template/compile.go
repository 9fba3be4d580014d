package template

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/role"
	"github.com/pitabwire/caseflow/internal/schema"
	"github.com/pitabwire/caseflow/model"
)

// Compiled is an immutable, ready-to-run template: its definition plus the
// schema validator, guard programs and role mapper built from it.
type Compiled struct {
	def       *model.Template
	validator *schema.Validator
	guards    map[edge]*expression.Predicate
	roles     *role.RuleMapper
}

type edge struct {
	state string
	event string
}

// TypeID returns the template type.
func (c *Compiled) TypeID() string { return c.def.Type }

// Version returns the template version.
func (c *Compiled) Version() string { return c.def.Version }

// Name returns the display name, falling back to the type.
func (c *Compiled) Name() string {
	if c.def.Name != "" {
		return c.def.Name
	}
	return c.def.Type
}

// Definition returns the parsed template. Callers must not modify it.
func (c *Compiled) Definition() *model.Template { return c.def }

// RoleMapper returns the mapper built from the template's role rules.
func (c *Compiled) RoleMapper() role.Mapper { return c.roles }

// Schema returns the answers validator.
func (c *Compiled) Schema() *schema.Validator { return c.validator }

// Initial returns the initial state.
func (c *Compiled) Initial() *model.StateDef {
	return c.def.Machine.States[c.def.Machine.Initial]
}

// State returns the named state.
func (c *Compiled) State(name string) (*model.StateDef, bool) {
	s, ok := c.def.Machine.States[name]
	return s, ok
}

// Guard returns the compiled guard of an edge, or nil if it has none.
func (c *Compiled) Guard(state, event string) *expression.Predicate {
	return c.guards[edge{state: state, event: event}]
}

// Status derives the display status of an application in state.
func (c *Compiled) Status(state string) string {
	s, ok := c.State(state)
	switch {
	case !ok:
		return ""
	case s.Status != "":
		return s.Status
	case s.IsFinal():
		return model.StatusCompleted
	case state == c.def.Machine.Initial:
		return model.StatusDraft
	default:
		return model.StatusInProgress
	}
}

// Compiler turns validated templates into Compiled ones.
type Compiler struct {
	validator *Validator
	exprs     *expression.Compiler
	logger    *zap.Logger
}

// NewCompiler creates a compiler that validates with v.
func NewCompiler(v *Validator, exprs *expression.Compiler, logger *zap.Logger) *Compiler {
	if exprs == nil {
		exprs = expression.NewCompiler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{validator: v, exprs: exprs, logger: logger}
}

// Build validates and compiles every template. Any problem fails the whole
// batch with a TEMPLATE_INVALID error listing every issue, so a broken
// template never reaches a citizen's submission.
func (c *Compiler) Build(tmpls []model.Template) ([]*Compiled, error) {
	if verrs := c.validator.Validate(tmpls); len(verrs) > 0 {
		return nil, invalid("template validation failed", verrs)
	}

	out := make([]*Compiled, 0, len(tmpls))
	var verrs []VError
	for i := range tmpls {
		ct, errs := c.compile(fmt.Sprintf("templates[%d]", i), &tmpls[i])
		verrs = append(verrs, errs...)
		if ct != nil {
			out = append(out, ct)
		}
	}
	if len(verrs) > 0 {
		return nil, invalid("template compilation failed", verrs)
	}
	return out, nil
}

func (c *Compiler) compile(prefix string, t *model.Template) (*Compiled, []VError) {
	var errs []VError
	ct := &Compiled{def: t, guards: make(map[edge]*expression.Predicate)}

	v, err := schema.New(t.DataSchema, t.Rules, c.exprs)
	if err != nil {
		errs = append(errs, VError{Path: prefix + ".data_schema", Code: CodeInvalidEnum, Message: err.Error()})
	}
	ct.validator = v

	mapper, err := role.CompileRules(t.Roles, t.RoleMode, c.exprs, c.logger.With(zap.String("template", t.Type)))
	if err != nil {
		errs = append(errs, VError{Path: prefix + ".roles", Code: CodeInvalidEnum, Message: err.Error()})
	}
	ct.roles = mapper

	for _, name := range sortedStates(t.Machine.States) {
		s := t.Machine.States[name]
		for _, event := range sortedEvents(s.Transitions) {
			src := s.Transitions[event].Guard
			if src == "" {
				continue
			}
			p, err := c.exprs.Compile(expression.KindGuard, src)
			if err != nil {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.machine.states.%s.transitions.%s.guard", prefix, name, event),
					Code:    CodeInvalidEnum,
					Message: err.Error(),
				})
				continue
			}
			ct.guards[edge{state: name, event: event}] = p
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return ct, nil
}

func invalid(msg string, verrs []VError) *model.ErrorEnvelope {
	details := make([]model.FieldError, 0, len(verrs))
	for _, e := range verrs {
		details = append(details, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return model.NewTemplateInvalidError(msg, details)
}
