// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind declares the shape of one collection's content. The merge engine
// dispatches on the declared kind instead of sniffing the JSON at runtime.
type Kind int

const (
	KindList   Kind = iota // Ordered list of records
	KindMap                // Key-to-value map (rosters, schedules)
	KindScalar             // Single opaque value
)

// IdentityFunc computes the natural key of one record, for collections whose
// records predate unique ids. Returns false when the record does not carry
// the fields the key needs; the merge engine then falls back to structural
// equality.
type IdentityFunc func(record map[string]any) (string, bool)

// CollectionSpec declares one synchronized collection: its name, shape,
// default empty content, and the identity rule used to match records during
// merge.
type CollectionSpec struct {
	Name       string
	Kind       Kind
	Default    json.RawMessage
	Identity   IdentityFunc // nil for map/scalar kinds and pure-structural lists
	Tombstoned bool         // Records matching a revoked identity are removed on merge
}

// Schema is the registry of every synchronized collection. The set is fixed
// at build time; the sync scheduler never iterates outside it.
type Schema struct {
	specs         map[string]*CollectionSpec
	names         []string // Declaration order
	tombstoneName string
}

// NewSchema builds a registry from collection declarations. Exactly one
// collection must be named as the tombstone registry; it must be list-typed.
func NewSchema(specs []CollectionSpec, tombstoneName string) (*Schema, error) {
	s := &Schema{
		specs:         make(map[string]*CollectionSpec, len(specs)),
		tombstoneName: tombstoneName,
	}
	for i := range specs {
		spec := specs[i]
		if spec.Name == "" {
			return nil, fmt.Errorf("collection name must not be empty")
		}
		if _, dup := s.specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", spec.Name)
		}
		if spec.Default == nil {
			spec.Default = defaultContentFor(spec.Kind)
		}
		s.specs[spec.Name] = &spec
		s.names = append(s.names, spec.Name)
	}
	tomb, ok := s.specs[tombstoneName]
	if !ok {
		return nil, fmt.Errorf("tombstone collection %q is not declared", tombstoneName)
	}
	if tomb.Kind != KindList {
		return nil, fmt.Errorf("tombstone collection %q must be list-typed", tombstoneName)
	}
	return s, nil
}

// Names returns every declared collection name in declaration order
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Spec returns the declaration for one collection
func (s *Schema) Spec(name string) (*CollectionSpec, bool) {
	spec, ok := s.specs[name]
	return spec, ok
}

// DefaultFor returns the declared empty content for one collection
func (s *Schema) DefaultFor(name string) (json.RawMessage, error) {
	spec, ok := s.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return spec.Default, nil
}

// TombstoneCollection returns the name of the revoked-identities collection
func (s *Schema) TombstoneCollection() string {
	return s.tombstoneName
}

func defaultContentFor(kind Kind) json.RawMessage {
	switch kind {
	case KindList:
		return json.RawMessage(`[]`)
	case KindMap:
		return json.RawMessage(`{}`)
	default:
		return json.RawMessage(`null`)
	}
}

// Collection names of the training portal dataset
const (
	ColUsers        = "users"
	ColAssessments  = "assessments"
	ColScores       = "scores"
	ColAttendance   = "attendance"
	ColLiveSessions = "liveSessions"
	ColGroups       = "groups"
	ColSchedule     = "schedule"
	ColSettings     = "settings"
	ColRevokedUsers = "revokedUsers"
)

// DefaultSchema declares the training portal collection set. Identity rules
// follow the record population each collection carries: explicit ids when
// present, otherwise a domain natural key, otherwise structural equality.
func DefaultSchema() *Schema {
	schema, err := NewSchema([]CollectionSpec{
		{Name: ColUsers, Kind: KindList, Identity: FieldKey("user", true), Tombstoned: true},
		{Name: ColAssessments, Kind: KindList, Identity: FieldKey("name", true)},
		{Name: ColScores, Kind: KindList, Identity: CompositeKey("subject", "category", "context", "phase")},
		{Name: ColAttendance, Kind: KindList},
		{Name: ColLiveSessions, Kind: KindList, Identity: FieldKey("sessionId", false)},
		{Name: ColGroups, Kind: KindMap},
		{Name: ColSchedule, Kind: KindMap},
		{Name: ColSettings, Kind: KindScalar},
		{Name: ColRevokedUsers, Kind: KindList},
	}, ColRevokedUsers)
	if err != nil {
		// The built-in declaration is validated by tests; reaching here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return schema
}

// FieldKey builds an identity rule on a single string field. When fold is
// true the comparison is case-insensitive; values are always trimmed.
func FieldKey(field string, fold bool) IdentityFunc {
	return func(record map[string]any) (string, bool) {
		value, ok := record[field].(string)
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return "", false
		}
		if fold {
			value = strings.ToLower(value)
		}
		return field + "=" + value, true
	}
}

// CompositeKey builds an identity rule over several fields joined in order.
// All fields must be present for the key to apply.
func CompositeKey(fields ...string) IdentityFunc {
	return func(record map[string]any) (string, bool) {
		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			value, ok := record[field]
			if !ok || value == nil {
				return "", false
			}
			parts = append(parts, fmt.Sprintf("%s=%v", field, value))
		}
		return strings.Join(parts, "|"), true
	}
}
