package template

import (
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func buildValid(t *testing.T) *Compiled {
	t.Helper()
	out, err := NewCompiler(NewValidator(allActions(), nil), nil, nil).Build([]model.Template{validTemplate(t)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	return out[0]
}

func TestCompiler_Build(t *testing.T) {
	ct := buildValid(t)

	if ct.TypeID() != "parking-permit" || ct.Version() != "1.0" {
		t.Errorf("identity = %s@%s", ct.TypeID(), ct.Version())
	}
	if ct.Initial().Name != "draft" {
		t.Errorf("Initial = %q", ct.Initial().Name)
	}
	if ct.Guard("review", "APPROVE") == nil {
		t.Error("APPROVE guard not compiled")
	}
	if ct.Guard("draft", "SUBMIT") != nil {
		t.Error("SUBMIT has no guard")
	}
	if ct.Schema() == nil || ct.RoleMapper() == nil {
		t.Error("schema and role mapper must be compiled")
	}
	if ct.Name() != "Residential parking permit" {
		t.Errorf("Name = %q", ct.Name())
	}
}

func TestCompiled_Status(t *testing.T) {
	ct := buildValid(t)
	tests := map[string]string{
		"draft":          model.StatusDraft,
		"registry-check": model.StatusInProgress,
		"review":         model.StatusInProgress,
		"approved":       model.StatusCompleted,
		"rejected":       model.StatusRejected,
		"unknown":        "",
	}
	for state, want := range tests {
		if got := ct.Status(state); got != want {
			t.Errorf("Status(%s) = %q, want %q", state, got, want)
		}
	}
}

func TestCompiler_Build_badGuard(t *testing.T) {
	tmpl := validTemplate(t)
	tr := tmpl.Machine.States["review"].Transitions["APPROVE"]
	tr.Guard = "answers.decision ==="
	tmpl.Machine.States["review"].Transitions["APPROVE"] = tr

	_, err := NewCompiler(NewValidator(allActions(), nil), nil, nil).Build([]model.Template{tmpl})
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrTemplateInvalid {
		t.Fatalf("err = %v, want TEMPLATE_INVALID", err)
	}
	if len(env.Details) != 1 || env.Details[0].Field != "templates[0].machine.states.review.transitions.APPROVE.guard" {
		t.Errorf("details = %+v", env.Details)
	}
}

func TestCompiler_Build_badSchema(t *testing.T) {
	tmpl := validTemplate(t)
	tmpl.DataSchema = map[string]any{"type": "spaceship"}

	_, err := NewCompiler(NewValidator(allActions(), nil), nil, nil).Build([]model.Template{tmpl})
	if !model.IsCode(err, model.ErrTemplateInvalid) {
		t.Fatalf("err = %v, want TEMPLATE_INVALID", err)
	}
}

func TestCompiler_Build_validationFailsFirst(t *testing.T) {
	tmpl := validTemplate(t)
	tmpl.Version = ""

	_, err := NewCompiler(NewValidator(allActions(), nil), nil, nil).Build([]model.Template{tmpl})
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrTemplateInvalid {
		t.Fatalf("err = %v, want TEMPLATE_INVALID", err)
	}
	if env.Details[0].Field != "templates[0].version" {
		t.Errorf("details = %+v", env.Details)
	}
}
