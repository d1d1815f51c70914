package domain

// Tier is a command's security classification level.
type Tier string

const (
	TierPublic         Tier = "public"
	TierAuthenticated  Tier = "authenticated"
	TierPrivileged     Tier = "privileged"
	TierAdministrative Tier = "administrative"
	TierBlocked        Tier = "blocked"
)

// Valid reports whether the tier is a member of the closed set.
func (t Tier) Valid() bool {
	switch t {
	case TierPublic, TierAuthenticated, TierPrivileged, TierAdministrative, TierBlocked:
		return true
	}
	return false
}

// FieldKind names the declared purpose of an argument field. Structured kinds
// (identifier, path, command) get strict pattern rejection; free text gets
// HTML encoding instead.
type FieldKind string

const (
	FieldString     FieldKind = "string"
	FieldFreeText   FieldKind = "freetext"
	FieldIdentifier FieldKind = "identifier"
	FieldPath       FieldKind = "path"
	FieldCommand    FieldKind = "command"
	FieldEmail      FieldKind = "email"
	FieldURL        FieldKind = "url"
	FieldNumber     FieldKind = "number"
	FieldBool       FieldKind = "bool"
)

// FieldSpec declares the shape rules for one argument of a command.
type FieldSpec struct {
	Kind      FieldKind `yaml:"kind"`
	Required  bool      `yaml:"required"`
	Default   any       `yaml:"default,omitempty"`
	MaxLength int       `yaml:"max_length,omitempty"`
	Pattern   string    `yaml:"pattern,omitempty"`
	Min       *float64  `yaml:"min,omitempty"`
	Max       *float64  `yaml:"max,omitempty"`
}

// CommandClassification is the static security descriptor for one command
// name. Loaded from configuration at startup, immutable at runtime; hot
// reload replaces the whole table atomically.
type CommandClassification struct {
	Name                 string               `yaml:"name"`
	Tier                 Tier                 `yaml:"tier"`
	RequiredPermissions  []string             `yaml:"required_permissions,omitempty"`
	ArgumentSchema       map[string]FieldSpec `yaml:"argument_schema,omitempty"`
	RequiresSecondFactor bool                 `yaml:"requires_second_factor,omitempty"`
	// RiskWeight is added to the session's risk score on every allowed use,
	// so repeated use of sensitive commands gradually raises scrutiny.
	RiskWeight int `yaml:"risk_weight,omitempty"`
}
