// Package expression compiles and evaluates the sealed boolean expression
// language used by transition guards, cross-field schema rules and role
// rules. Expressions only see the environment they are given; they cannot
// perform I/O.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Kind selects the environment an expression is compiled against.
type Kind int

const (
	// KindGuard expressions see answers and externalData.
	KindGuard Kind = iota
	// KindRule expressions see answers.
	KindRule
	// KindRole expressions see identity and application.
	KindRole
)

func (k Kind) String() string {
	switch k {
	case KindGuard:
		return "guard"
	case KindRule:
		return "rule"
	case KindRole:
		return "role"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// prototype returns the compile-time environment for kind. Identifiers
// outside it fail compilation.
func prototype(k Kind) map[string]any {
	switch k {
	case KindGuard:
		return map[string]any{"answers": map[string]any{}, "externalData": map[string]any{}}
	case KindRule:
		return map[string]any{"answers": map[string]any{}}
	default:
		return map[string]any{"identity": map[string]any{}, "application": map[string]any{}}
	}
}

// Predicate is a compiled boolean expression.
type Predicate struct {
	source  string
	kind    Kind
	program *vm.Program
}

// String returns the expression source.
func (p *Predicate) String() string {
	return p.source
}

// Eval runs the predicate. Missing map keys evaluate to nil rather than
// failing.
func (p *Predicate) Eval(env map[string]any) (bool, error) {
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("%s expression %q: %w", p.kind, p.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s expression %q did not evaluate to a boolean, got %T", p.kind, p.source, out)
	}
	return b, nil
}

// Compiler compiles predicates and caches programs by kind and source.
// Templates commonly repeat the same guard across states and versions.
type Compiler struct {
	mu    sync.RWMutex
	cache map[cacheKey]*vm.Program
}

type cacheKey struct {
	kind   Kind
	source string
}

// NewCompiler creates a compiler with an empty cache.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[cacheKey]*vm.Program)}
}

// Compile type-checks source against the environment of kind. The result
// must be boolean.
func (c *Compiler) Compile(kind Kind, source string) (*Predicate, error) {
	if source == "" {
		return nil, fmt.Errorf("empty %s expression", kind)
	}
	key := cacheKey{kind: kind, source: source}

	c.mu.RLock()
	program, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return &Predicate{source: source, kind: kind, program: program}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if program, ok = c.cache[key]; !ok {
		var err error
		program, err = expr.Compile(source, expr.Env(prototype(kind)), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile %s expression %q: %w", kind, source, err)
		}
		c.cache[key] = program
	}
	return &Predicate{source: source, kind: kind, program: program}, nil
}

// GuardEnv builds the environment of a guard.
func GuardEnv(answers, externalData map[string]any) map[string]any {
	return map[string]any{"answers": nonNil(answers), "externalData": nonNil(externalData)}
}

// RuleEnv builds the environment of a schema rule.
func RuleEnv(answers map[string]any) map[string]any {
	return map[string]any{"answers": nonNil(answers)}
}

// RoleEnv builds the environment of a role rule.
func RoleEnv(identity, application map[string]any) map[string]any {
	return map[string]any{"identity": nonNil(identity), "application": nonNil(application)}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
