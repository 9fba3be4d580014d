package model

import (
	"reflect"
	"testing"
)

func TestRoleSet_Has(t *testing.T) {
	rs := NewRoleSet("applicant", "guardian")
	if !rs.Has("applicant") {
		t.Error("Has(applicant) = false, want true")
	}
	if rs.Has("caseworker") {
		t.Error("Has(caseworker) = true, want false")
	}
	if !rs.HasAny("caseworker", "guardian") {
		t.Error("HasAny should match guardian")
	}
}

func TestRoleSet_Empty(t *testing.T) {
	if !NewRoleSet().Empty() {
		t.Error("new empty set should be empty")
	}
	if NewRoleSet("a").Empty() {
		t.Error("set with one role is not empty")
	}
}

func TestRoleSet_Sorted(t *testing.T) {
	rs := RoleSet{"b": true, "a": true, "c": false}
	if got := rs.Sorted(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Sorted() = %v", got)
	}
}

func TestRoleSet_Grants_declaredOrder(t *testing.T) {
	state := &StateDef{Roles: []RoleGrant{
		{Role: "caseworker"},
		{Role: "applicant"},
		{Role: "counterParty"},
	}}
	grants := NewRoleSet("applicant", "caseworker").Grants(state)
	if len(grants) != 2 {
		t.Fatalf("len = %d, want 2", len(grants))
	}
	if grants[0].Role != "caseworker" || grants[1].Role != "applicant" {
		t.Errorf("grants out of declared order: %s, %s", grants[0].Role, grants[1].Role)
	}
}
