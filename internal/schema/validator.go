// Package schema validates application answers against a template's data
// schema and its cross-field rules.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/fieldpath"
	"github.com/pitabwire/caseflow/model"
)

// Validator checks merged answers. A Validator is immutable and safe for
// concurrent use.
type Validator struct {
	schema *openapi3.Schema
	rules  []rule
}

type rule struct {
	path    string
	when    *expression.Predicate
	assert  *expression.Predicate
	message string
}

// New compiles a validator from the template's data schema and rules. An
// empty schema accepts any object.
func New(dataSchema map[string]any, rules []model.SchemaRule, compiler *expression.Compiler) (*Validator, error) {
	v := &Validator{}

	if len(dataSchema) > 0 {
		raw, err := json.Marshal(dataSchema)
		if err != nil {
			return nil, fmt.Errorf("schema: marshal data_schema: %w", err)
		}
		s := &openapi3.Schema{}
		if err := s.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("schema: parse data_schema: %w", err)
		}
		if err := s.Validate(context.Background()); err != nil {
			return nil, fmt.Errorf("schema: invalid data_schema: %w", err)
		}
		v.schema = s
	}

	for i, r := range rules {
		path := strings.TrimPrefix(r.Path, model.RootAnswers+".")
		if path == "" || r.Assert == "" {
			return nil, fmt.Errorf("schema: rules[%d]: path and assert are required", i)
		}
		cr := rule{path: path, message: r.Message}
		if cr.message == "" {
			cr.message = "constraint not satisfied"
		}
		var err error
		if r.When != "" {
			if cr.when, err = compiler.Compile(expression.KindRule, r.When); err != nil {
				return nil, fmt.Errorf("schema: rules[%d].when: %w", i, err)
			}
		}
		if cr.assert, err = compiler.Compile(expression.KindRule, r.Assert); err != nil {
			return nil, fmt.Errorf("schema: rules[%d].assert: %w", i, err)
		}
		v.rules = append(v.rules, cr)
	}
	return v, nil
}

// Validate runs the schema and every rule over answers and returns all
// failures, sorted by field. It returns nil when answers are valid.
func (v *Validator) Validate(answers map[string]any) []model.FieldError {
	doc, err := fieldpath.Normalize(answers)
	if err != nil {
		return []model.FieldError{{Field: model.RootAnswers, Code: model.FieldCodeInvalid, Message: err.Error()}}
	}

	var errs []model.FieldError
	if v.schema != nil {
		if err := v.schema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
			errs = append(errs, schemaErrors(err)...)
		}
	}

	env := expression.RuleEnv(doc)
	for _, r := range v.rules {
		if r.when != nil {
			applies, err := r.when.Eval(env)
			if err != nil {
				errs = append(errs, ruleError(r.path, model.FieldCodeInvalid, err.Error()))
				continue
			}
			if !applies {
				continue
			}
		}
		ok, err := r.assert.Eval(env)
		switch {
		case err != nil:
			errs = append(errs, ruleError(r.path, model.FieldCodeInvalid, err.Error()))
		case !ok:
			errs = append(errs, ruleError(r.path, model.FieldCodeRule, r.message))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

func ruleError(path, code, msg string) model.FieldError {
	return model.FieldError{Field: fieldpath.Join(model.RootAnswers, path), Code: code, Message: msg}
}

// schemaErrors flattens kin-openapi's nested error lists into field errors.
func schemaErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, schemaErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return []model.FieldError{{Field: model.RootAnswers, Code: model.FieldCodeInvalid, Message: err.Error()}}
	}
	code := model.FieldCodeInvalid
	if se.SchemaField == "required" {
		code = model.FieldCodeRequired
	}
	return []model.FieldError{{
		Field:   fieldpath.Join(append([]string{model.RootAnswers}, se.JSONPointer()...)...),
		Code:    code,
		Message: se.Reason,
	}}
}
