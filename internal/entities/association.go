package entities

import (
	"fmt"
	"strings"
	"time"
)

// AssociationKind identifies one of the many-to-many join tables
type AssociationKind string

const (
	KindRoleHabilitation AssociationKind = "role_habilitation"
	KindUserHabilitation AssociationKind = "user_habilitation"
	KindUserRole         AssociationKind = "user_role"
)

// Kinds lists every supported association kind
var Kinds = []AssociationKind{KindRoleHabilitation, KindUserHabilitation, KindUserRole}

// Table describes how an association kind is laid out in storage
type Table struct {
	Name         string // Table name (e.g., "role_habilitations")
	OwnerColumn  string // Owner column (e.g., "role_id")
	TargetColumn string // Target column (e.g., "habilitation_id")
	Owner        string // Owner label (e.g., "role")
	Target       string // Target label (e.g., "habilitation")
}

var tables = map[AssociationKind]Table{
	KindRoleHabilitation: {Name: "role_habilitations", OwnerColumn: "role_id", TargetColumn: "habilitation_id", Owner: "role", Target: "habilitation"},
	KindUserHabilitation: {Name: "user_habilitations", OwnerColumn: "user_id", TargetColumn: "habilitation_id", Owner: "user", Target: "habilitation"},
	KindUserRole:         {Name: "user_roles", OwnerColumn: "user_id", TargetColumn: "role_id", Owner: "user", Target: "role"},
}

// Validate checks that the kind is one of the known join tables
func (k AssociationKind) Validate() error {
	if _, ok := tables[k]; !ok {
		return fmt.Errorf("unknown association kind: %q", string(k))
	}
	return nil
}

// Table returns the storage layout of the kind.
// The zero Table is returned for unknown kinds.
func (k AssociationKind) Table() Table {
	return tables[k]
}

// ParseAssociationKind converts a string to an AssociationKind.
// Both "user_role" and "user-role" forms are accepted.
func ParseAssociationKind(s string) (AssociationKind, error) {
	kind := AssociationKind(strings.ReplaceAll(s, "-", "_"))
	if err := kind.Validate(); err != nil {
		return "", err
	}
	return kind, nil
}

// AssociationKey is the natural key of an association row
type AssociationKey struct {
	OwnerID  string
	TargetID string
}

// Association represents one row of a join table
// Example: role_habilitation:R1#H1
// This means: role "R1" holds habilitation "H1"
type Association struct {
	Kind      AssociationKind
	OwnerID   string
	TargetID  string
	CreatedAt time.Time // Set once at first insertion
	UpdatedAt time.Time // Refreshed each time a reconcile confirms membership
}

// Key returns the (owner, target) pair of the association
func (a *Association) Key() AssociationKey {
	return AssociationKey{OwnerID: a.OwnerID, TargetID: a.TargetID}
}

// String returns a string representation of the association
// Format: kind:owner_id#target_id
func (a *Association) String() string {
	return fmt.Sprintf("%s:%s#%s", a.Kind, a.OwnerID, a.TargetID)
}

// Validate checks if the association is valid
func (a *Association) Validate() error {
	if err := a.Kind.Validate(); err != nil {
		return err
	}
	if a.OwnerID == "" {
		return fmt.Errorf("owner ID is required")
	}
	if a.TargetID == "" {
		return fmt.Errorf("target ID is required")
	}
	if a.CreatedAt.IsZero() || a.UpdatedAt.IsZero() {
		return fmt.Errorf("both timestamps are required")
	}
	return nil
}
