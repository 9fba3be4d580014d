package model

import "time"

// ApplicationView is the read-filtered application returned to a caller.
type ApplicationView struct {
	ID              string         `json:"id"`
	TypeID          string         `json:"type_id"`
	TemplateVersion string         `json:"template_version"`
	ApplicantID     string         `json:"applicant_id"`
	AssigneeIDs     []string       `json:"assignee_ids"`
	State           string         `json:"state"`
	Status          string         `json:"status"`
	Progress        float64        `json:"progress"`
	Roles           []string       `json:"roles"`
	Answers         map[string]any `json:"answers"`
	ExternalData    map[string]any `json:"external_data"`
	Actions         []ActionGrant  `json:"actions"`
	Forms           []FormRef      `json:"forms,omitempty"`
	CanDelete       bool           `json:"can_delete"`
	CanAssign       bool           `json:"can_assign"`
	Listed          bool           `json:"listed"`
	Prunable        bool           `json:"prunable"`
	Created         time.Time      `json:"created"`
	Modified        time.Time      `json:"modified"`
}

// ApplicationSummary is a lightweight representation used in list views.
type ApplicationSummary struct {
	ID          string    `json:"id"`
	TypeID      string    `json:"type_id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	Roles       []string  `json:"roles"`
	ApplicantID string    `json:"applicant_id"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
}

// TransitionResult is the outcome of submitTransition. Field-level failures
// are reported here as well as in the returned error so that a form can
// highlight exactly which fields were rejected.
type TransitionResult struct {
	Application         *ApplicationView `json:"application"`
	ValidationErrors    []FieldError     `json:"validation_errors,omitempty"`
	AuthorizationErrors []FieldError     `json:"authorization_errors,omitempty"`
}

// ListFilter describes filters for listing applications. Only listed
// applications are ever returned. Page is 1-based.
type ListFilter struct {
	TypeID   string `json:"type_id,omitempty"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// TemplateInfo describes a registered template version.
type TemplateInfo struct {
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
	Latest   string   `json:"latest"`
}
