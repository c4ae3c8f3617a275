// Package relations loads related rows for a page of parent records in a
// fixed number of batched queries, never one query per parent.
package relations

import (
	"fmt"

	"github.com/concavehq/concave/internal/storage"
)

// Kind is the relation cardinality.
type Kind string

const (
	BelongsTo  Kind = "belongsTo"
	HasOne     Kind = "hasOne"
	HasMany    Kind = "hasMany"
	ManyToMany Kind = "manyToMany"
)

// Join describes the link table of a many-to-many relation.
type Join struct {
	Table     *storage.Table
	SourceKey string // join column referencing the parent
	TargetKey string // join column referencing the target
}

// Relation maps one named relation of a resource.
type Relation struct {
	Kind   Kind
	Target *storage.Table

	// ForeignKey is the linking column: on the parent for belongsTo, on
	// the target for hasOne/hasMany. Ignored for manyToMany.
	ForeignKey string

	// References is the column the foreign key points at. Defaults to the
	// target's primary key for belongsTo and the parent's primary key for
	// hasOne/hasMany.
	References string

	// Through is required for manyToMany.
	Through *Join

	// Relations exposes the target's own relations for nested includes.
	Relations map[string]*Relation
}

func (r *Relation) validate(name string) error {
	if r.Target == nil {
		return fmt.Errorf("relation %q has no target table", name)
	}
	switch r.Kind {
	case BelongsTo, HasOne, HasMany:
		if r.ForeignKey == "" {
			return fmt.Errorf("relation %q has no foreign key", name)
		}
	case ManyToMany:
		if r.Through == nil || r.Through.Table == nil ||
			r.Through.SourceKey == "" || r.Through.TargetKey == "" {
			return fmt.Errorf("relation %q has an incomplete join table", name)
		}
	default:
		return fmt.Errorf("relation %q has unknown kind %q", name, r.Kind)
	}
	return nil
}
