package model

import "time"

// Derived display statuses.
const (
	StatusDraft      = "draft"
	StatusInProgress = "inprogress"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
)

// Application is one running instance of a template's workflow.
type Application struct {
	ID              string                       `json:"id"`
	TypeID          string                       `json:"type_id"`
	TemplateVersion string                       `json:"template_version"`
	ApplicantID     string                       `json:"applicant_id"`
	AssigneeIDs     []string                     `json:"assignee_ids"`
	State           string                       `json:"state"`
	Answers         map[string]any               `json:"answers"`
	ExternalData    map[string]ExternalDataEntry `json:"external_data"`
	Created         time.Time                    `json:"created"`
	Modified        time.Time                    `json:"modified"`

	// Listed and PruneAt are persistence metadata recomputed from the
	// lifecycle policy at every commit.
	Listed  bool       `json:"listed"`
	PruneAt *time.Time `json:"prune_at,omitempty"`
}

// ExternalDataEntry is the payload a provider, or a persisted side effect,
// contributed under its own key.
type ExternalDataEntry struct {
	Data   any       `json:"data"`
	Date   time.Time `json:"date"`
	Status string    `json:"status"`
}

// External data entry statuses.
const (
	ExternalStatusSuccess = "success"
	ExternalStatusFailure = "failure"
)

// Snapshot is the optimistic concurrency token of an application.
type Snapshot struct {
	State    string
	Modified time.Time
}

// Snapshot returns the concurrency token the application was read with.
func (a *Application) Snapshot() Snapshot {
	return Snapshot{State: a.State, Modified: a.Modified}
}

// IsAssignee reports whether subject is in the assignee set.
func (a *Application) IsAssignee(subject string) bool {
	for _, id := range a.AssigneeIDs {
		if id == subject {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so that transitions never mutate the snapshot
// they were computed from.
func (a *Application) Clone() *Application {
	out := *a
	out.AssigneeIDs = append([]string(nil), a.AssigneeIDs...)
	out.Answers = CloneMap(a.Answers)
	if a.ExternalData != nil {
		out.ExternalData = make(map[string]ExternalDataEntry, len(a.ExternalData))
		for k, v := range a.ExternalData {
			v.Data = cloneValue(v.Data)
			out.ExternalData[k] = v
		}
	}
	if a.PruneAt != nil {
		t := *a.PruneAt
		out.PruneAt = &t
	}
	return &out
}

// ExternalDataMap renders external data as a plain nested map, the shape
// used by read filtering and the expression language.
func (a *Application) ExternalDataMap() map[string]any {
	out := make(map[string]any, len(a.ExternalData))
	for k, v := range a.ExternalData {
		out[k] = map[string]any{
			"data":   cloneValue(v.Data),
			"date":   v.Date,
			"status": v.Status,
		}
	}
	return out
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ApplicationEvent records an event in an application's audit trail.
type ApplicationEvent struct {
	ID            string         `json:"id"`
	ApplicationID string         `json:"application_id"`
	Event         string         `json:"event"`
	FromState     string         `json:"from_state"`
	ToState       string         `json:"to_state"`
	ActorID       string         `json:"actor_id"`
	Roles         []string       `json:"roles,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Audit event names recorded besides template events.
const (
	EventCreated  = "CREATED"
	EventAssigned = "ASSIGNED"
	EventMerged   = "EXTERNAL_DATA_MERGED"
)
