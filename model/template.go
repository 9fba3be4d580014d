package model

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// State types.
const (
	StateTypeNormal = "normal"
	StateTypeFinal  = "final"
)

// Role modes.
const (
	RoleModeAdditive = "additive"
	RoleModeFirst    = "first"
)

// Role rule match kinds.
const (
	MatchApplicant  = "applicant"
	MatchAssignee   = "assignee"
	MatchClaim      = "claim"
	MatchExpression = "expression"
)

// Field roots addressable by grants.
const (
	RootAnswers      = "answers"
	RootExternalData = "externalData"
)

// Template is the root structure of a template file. Each file declares one
// version of one application type.
type Template struct {
	Type        string         `yaml:"type"        json:"type"`
	Version     string         `yaml:"version"     json:"version"`
	Name        string         `yaml:"name"        json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	DataSchema  map[string]any `yaml:"data_schema" json:"data_schema,omitempty"`
	Rules       []SchemaRule   `yaml:"rules"       json:"rules,omitempty"`
	RoleMode    string         `yaml:"role_mode"   json:"role_mode,omitempty"`
	Roles       []RoleRule     `yaml:"roles"       json:"roles"`
	Machine     Machine        `yaml:"machine"     json:"machine"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// SchemaRule is a cross-field constraint evaluated over the merged answers.
// Assert is only checked when When is empty or evaluates to true.
type SchemaRule struct {
	Path    string `yaml:"path"    json:"path"`
	When    string `yaml:"when"    json:"when,omitempty"`
	Assert  string `yaml:"assert"  json:"assert"`
	Message string `yaml:"message" json:"message"`
}

// RoleRule maps an identity to a role for an application.
type RoleRule struct {
	ID         string `yaml:"id"         json:"id"`
	Match      string `yaml:"match"      json:"match"`
	Claim      string `yaml:"claim"      json:"claim,omitempty"`
	Expression string `yaml:"expression" json:"expression,omitempty"`
}

// Machine is the state machine of a template.
type Machine struct {
	Initial string               `yaml:"initial" json:"initial"`
	States  map[string]*StateDef `yaml:"states"  json:"states"`
}

// StateDef describes one state of the machine.
type StateDef struct {
	// Name is filled from the states map key at load time.
	Name        string                `yaml:"-"           json:"name"`
	Type        string                `yaml:"type"        json:"type,omitempty"`
	Progress    float64               `yaml:"progress"    json:"progress"`
	Status      string                `yaml:"status"      json:"status,omitempty"`
	Lifecycle   Lifecycle             `yaml:"lifecycle"   json:"lifecycle"`
	Roles       []RoleGrant           `yaml:"roles"       json:"roles"`
	OnEntry     []SideEffectDef       `yaml:"on_entry"    json:"on_entry,omitempty"`
	OnExit      []SideEffectDef       `yaml:"on_exit"     json:"on_exit,omitempty"`
	Transitions map[string]Transition `yaml:"transitions" json:"transitions,omitempty"`
	Forms       []FormRef             `yaml:"forms"       json:"forms,omitempty"`
}

// IsFinal reports whether no transitions may fire from the state.
func (s *StateDef) IsFinal() bool {
	return s.Type == StateTypeFinal
}

// Grant returns the RoleGrant for role, or nil when the role has no
// permissions in this state.
func (s *StateDef) Grant(role string) *RoleGrant {
	for i := range s.Roles {
		if s.Roles[i].Role == role {
			return &s.Roles[i]
		}
	}
	return nil
}

// Lifecycle governs visibility and expiry of applications in a state.
type Lifecycle struct {
	ShouldBeListed bool          `yaml:"listed"      json:"listed"`
	ShouldBePruned bool          `yaml:"pruned"      json:"pruned"`
	PruneAfter     time.Duration `yaml:"prune_after" json:"prune_after,omitempty"`
}

// Transition is one outgoing edge of a state.
type Transition struct {
	Target         string `yaml:"target"          json:"target"`
	Guard          string `yaml:"guard"           json:"guard,omitempty"`
	SkipValidation bool   `yaml:"skip_validation" json:"skip_validation,omitempty"`
}

// SideEffectDef names an action to run on entering or exiting a state.
type SideEffectDef struct {
	Action                string `yaml:"action"                     json:"action"`
	PersistToExternalData bool   `yaml:"persist_to_external_data"   json:"persist_to_external_data,omitempty"`
	ThrowOnError          bool   `yaml:"throw_on_error"             json:"throw_on_error,omitempty"`
	// Repeatable effects fire again when a loop re-enters the same edge.
	Repeatable bool `yaml:"repeatable" json:"repeatable,omitempty"`
}

// FormRef is an opaque reference to a UI form loader. The engine stores and
// returns it but never evaluates it.
type FormRef struct {
	ID     string         `yaml:"id"     json:"id"`
	Loader string         `yaml:"loader" json:"loader"`
	Params map[string]any `yaml:"params" json:"params,omitempty"`
}

// RoleGrant binds a role to the capabilities it has while the application is
// in the owning state.
type RoleGrant struct {
	Role    string        `yaml:"role"    json:"role"`
	Read    FieldGrant    `yaml:"read"    json:"read"`
	Write   FieldGrant    `yaml:"write"   json:"write"`
	Actions []ActionGrant `yaml:"actions" json:"actions,omitempty"`
	Delete  bool          `yaml:"delete"  json:"delete,omitempty"`
	Assign  bool          `yaml:"assign"  json:"assign,omitempty"`
}

// AllowsEvent reports whether the grant lists event among its actions.
func (g *RoleGrant) AllowsEvent(event string) bool {
	for _, a := range g.Actions {
		if a.Event == event {
			return true
		}
	}
	return false
}

// ActionGrant is an event the role may trigger, with display metadata.
type ActionGrant struct {
	Event  string `yaml:"event"  json:"event"`
	Label  string `yaml:"label"  json:"label"`
	Intent string `yaml:"intent" json:"intent,omitempty"`
}

// FieldGrant is either unconditional ("all") or a set of dotted path
// prefixes rooted at "answers" or "externalData".
type FieldGrant struct {
	All   bool
	Paths []string
}

// MarshalJSON renders the grant in the same shapes it is declared in.
func (g FieldGrant) MarshalJSON() ([]byte, error) {
	if g.All {
		return []byte(`"all"`), nil
	}
	if len(g.Paths) == 0 {
		return []byte(`[]`), nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range g.Paths {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", p)
	}
	b.WriteByte(']')
	return []byte(b.String()), nil
}

// UnmarshalYAML accepts:
//
//	read: all
//	read: [answers.decision, externalData.registry]
//	read: {answers: all, external_data: [registry]}
func (g *FieldGrant) UnmarshalYAML(value *yaml.Node) error {
	*g = FieldGrant{}
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" || value.Value == "" || value.Value == "none" {
			return nil
		}
		if value.Value != "all" {
			return fmt.Errorf("line %d: field grant must be \"all\", a list or a mapping, got %q", value.Line, value.Value)
		}
		g.All = true
		return nil
	case yaml.SequenceNode:
		var paths []string
		if err := value.Decode(&paths); err != nil {
			return err
		}
		for _, p := range paths {
			g.Paths = append(g.Paths, CanonicalPath(p))
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key, node := value.Content[i].Value, value.Content[i+1]
			root := CanonicalPath(key)
			if root != RootAnswers && root != RootExternalData {
				return fmt.Errorf("line %d: unknown field grant scope %q", node.Line, key)
			}
			if node.Kind == yaml.ScalarNode && node.Value == "all" {
				g.Paths = append(g.Paths, root)
				continue
			}
			var sub []string
			if err := node.Decode(&sub); err != nil {
				return fmt.Errorf("line %d: scope %q: %w", node.Line, key, err)
			}
			for _, p := range sub {
				g.Paths = append(g.Paths, root+"."+p)
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: unsupported field grant", value.Line)
	}
}

// CanonicalPath normalizes the external data root spelling.
func CanonicalPath(p string) string {
	p = strings.TrimSpace(p)
	for _, alias := range []string{"external_data", "externalData"} {
		if p == alias {
			return RootExternalData
		}
		if strings.HasPrefix(p, alias+".") {
			return RootExternalData + p[len(alias):]
		}
	}
	return p
}
