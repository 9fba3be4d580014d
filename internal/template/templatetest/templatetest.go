// Package templatetest builds compiled templates from inline YAML for tests.
package templatetest

import (
	"testing"

	"github.com/pitabwire/caseflow/internal/template"
	"github.com/pitabwire/caseflow/model"
)

// Review is a two-step review workflow:
//
//	draft --SUBMIT--> review --APPROVE--> done (final)
//	                  review --REJECT---> rejected (final)
//	                  review --RETURN---> draft
const Review = `
type: review
version: "1"
name: Review
data_schema:
  type: object
  required: [name, duration]
  properties:
    name: {type: string, minLength: 1}
    duration: {type: string, enum: [permanent, temporary]}
    endDate: {type: string}
    decision: {type: string}
rules:
  - path: answers.endDate
    when: 'answers.duration == "temporary"'
    assert: 'answers.endDate != nil'
    message: end date is required for temporary permits
roles:
  - id: applicant
    match: applicant
  - id: caseworker
    match: assignee
  - id: counterParty
    match: claim
    claim: counter-party
machine:
  initial: draft
  states:
    draft:
      progress: 0.1
      lifecycle: {listed: true, pruned: true, prune_after: 720h}
      forms:
        - id: main
          loader: permit.draft
      roles:
        - role: applicant
          read: all
          write: all
          delete: true
          actions:
            - {event: SUBMIT, label: Submit, intent: primary}
            - {event: SAVE, label: Save draft}
      on_exit:
        - action: notify.draftClosed
      transitions:
        SUBMIT: {target: review}
        SAVE: {target: draft, skip_validation: true}
    review:
      progress: 0.5
      lifecycle: {listed: true}
      roles:
        - role: applicant
          read: {answers: all}
        - role: counterParty
          read: ['answers.decision']
          write: []
        - role: caseworker
          read: all
          write: [answers.decision]
          assign: true
          actions:
            - {event: APPROVE, label: Approve, intent: primary}
            - {event: REJECT, label: Reject, intent: destructive}
            - {event: RETURN, label: Return to applicant}
      on_entry:
        - action: submitToCaseSystem
          throw_on_error: true
          persist_to_external_data: true
        - action: notify.received
      transitions:
        APPROVE: {target: done, guard: 'answers.decision == "approve"'}
        REJECT: {target: rejected}
        RETURN: {target: draft}
    done:
      type: final
      progress: 1
      lifecycle: {listed: true, pruned: true, prune_after: 8760h}
      roles:
        - role: applicant
          read: all
        - role: caseworker
          read: all
      on_entry:
        - action: notify.approved
    rejected:
      type: final
      status: rejected
      progress: 1
      lifecycle: {listed: true, pruned: true}
      roles:
        - role: applicant
          read: all
`

// Compile loads, validates and compiles docs, failing the test on error.
// Action names are not checked.
func Compile(tb testing.TB, docs ...string) []*template.Compiled {
	tb.Helper()
	loader := template.NewLoader()
	tmpls := make([]model.Template, 0, len(docs))
	for i, doc := range docs {
		t, err := loader.Parse([]byte(doc), "inline")
		if err != nil {
			tb.Fatalf("parse doc %d: %v", i, err)
		}
		tmpls = append(tmpls, t)
	}
	out, err := template.NewCompiler(template.NewValidator(nil, nil), nil, nil).Build(tmpls)
	if err != nil {
		if env, ok := model.AsEnvelope(err); ok {
			tb.Fatalf("build: %v %+v", err, env.Details)
		}
		tb.Fatalf("build: %v", err)
	}
	return out
}

// Registry compiles docs into a registry.
func Registry(tb testing.TB, docs ...string) *template.Registry {
	tb.Helper()
	return template.NewRegistry(Compile(tb, docs...))
}

// Must returns the single compiled template of doc.
func Must(tb testing.TB, doc string) *template.Compiled {
	tb.Helper()
	return Compile(tb, doc)[0]
}
