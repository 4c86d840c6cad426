// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Merger reconciles a remote and a local snapshot of one or more collections
// into a single snapshot. One generic routine parameterized by the schema's
// per-collection kind and identity rules.
//
// Conflict policy: for records matched on both sides the local record
// replaces the server record wholesale (last-local-write-wins). There is no
// field-level reconciliation and no per-record timestamp comparison; the
// side running the merge treats its own state as authoritative. Safe for
// clients editing mostly-disjoint records, lossy for concurrent edits to the
// same record.
type Merger struct {
	schema *Schema
}

// NewMerger creates a merge engine over the given collection registry
func NewMerger(schema *Schema) *Merger {
	return &Merger{schema: schema}
}

// Merge reconciles full snapshots: a map of collection name to content for
// each side. The tombstone collection is merged first (always a union) so
// that revocations from either side apply to this merge's own output.
// Collections present on only one side pass through, subject to tombstone
// filtering.
func (m *Merger) Merge(server, local map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(server)+len(local))

	tombName := m.schema.TombstoneCollection()
	tombs, err := m.MergeCollection(tombName, server[tombName], local[tombName], nil)
	if err != nil {
		return nil, err
	}
	if tombs != nil {
		merged[tombName] = tombs
	}
	revoked, err := decodeRevokedSet(tombs)
	if err != nil {
		return nil, err
	}

	for _, name := range unionKeys(server, local) {
		if name == tombName {
			continue
		}
		out, err := m.MergeCollection(name, server[name], local[name], revoked)
		if err != nil {
			return nil, err
		}
		merged[name] = out
	}
	return merged, nil
}

// MergeCollection reconciles one collection. Either side may be nil (absent
// from its snapshot). revoked is the set of normalized revoked identities;
// it only affects collections declared Tombstoned. Merging the tombstone
// collection itself always yields the union of both sides.
func (m *Merger) MergeCollection(name string, server, local json.RawMessage, revoked map[string]bool) (json.RawMessage, error) {
	spec, ok := m.schema.Spec(name)
	if !ok {
		// Undeclared collections have no merge rules; treat as scalar so a
		// remote key the client predates still round-trips untouched.
		spec = &CollectionSpec{Name: name, Kind: KindScalar}
	}

	if name == m.schema.TombstoneCollection() {
		return mergeTombstones(server, local)
	}

	switch spec.Kind {
	case KindList:
		return m.mergeList(spec, server, local, revoked)
	case KindMap:
		return mergeMap(name, server, local)
	default:
		return mergeScalar(server, local), nil
	}
}

// mergeList starts from the server list and folds in local records: a local
// record replaces its identity match, or is appended when no match exists.
// Local-only additions always survive. Tombstoned collections then drop
// every record whose identity is revoked, regardless of which side it came
// from.
func (m *Merger) mergeList(spec *CollectionSpec, server, local json.RawMessage, revoked map[string]bool) (json.RawMessage, error) {
	serverList, err := decodeList(spec.Name, server)
	if err != nil {
		return nil, err
	}
	localList, err := decodeList(spec.Name, local)
	if err != nil {
		return nil, err
	}

	merged := make([]any, len(serverList))
	copy(merged, serverList)

	for _, localRec := range localList {
		matched := false
		for i, serverRec := range merged {
			if recordsMatch(spec, localRec, serverRec) {
				merged[i] = localRec
				matched = true
				break
			}
		}
		if !matched {
			merged = append(merged, localRec)
		}
	}

	if spec.Tombstoned && len(revoked) > 0 {
		kept := merged[:0]
		for _, rec := range merged {
			if !identityRevoked(spec, rec, revoked) {
				kept = append(kept, rec)
			}
		}
		merged = kept
	}

	return json.Marshal(merged)
}

// mergeMap shallow-merges two objects: local values overwrite server values
// for overlapping keys, keys present on only one side are kept.
func mergeMap(name string, server, local json.RawMessage) (json.RawMessage, error) {
	serverMap, err := decodeMap(name, server)
	if err != nil {
		return nil, err
	}
	localMap, err := decodeMap(name, local)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]json.RawMessage, len(serverMap)+len(localMap))
	for k, v := range serverMap {
		merged[k] = v
	}
	for k, v := range localMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// mergeScalar prefers the local value when it is present and non-empty
func mergeScalar(server, local json.RawMessage) json.RawMessage {
	if !isEmptyJSON(local) {
		return local
	}
	if server != nil {
		return server
	}
	return local
}

// mergeTombstones returns the union of both sides, server entries first,
// deduplicated on the normalized identity. Tombstones never merge away.
func mergeTombstones(server, local json.RawMessage) (json.RawMessage, error) {
	if server == nil && local == nil {
		return nil, nil
	}
	serverIDs, err := decodeTombstoneList(server)
	if err != nil {
		return nil, err
	}
	localIDs, err := decodeTombstoneList(local)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(serverIDs)+len(localIDs))
	union := make([]string, 0, len(serverIDs)+len(localIDs))
	for _, id := range append(serverIDs, localIDs...) {
		norm := normalizeIdentity(id)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		union = append(union, id)
	}
	return json.Marshal(union)
}

// recordsMatch applies the identity cascade to a pair of records: explicit
// id field when both sides carry one, then the collection's natural key,
// then full structural equality. The cascade tolerates the mixed-identity
// population left behind by records that predate unique ids.
func recordsMatch(spec *CollectionSpec, a, b any) bool {
	am, aOK := a.(map[string]any)
	bm, bOK := b.(map[string]any)
	if aOK && bOK {
		if aID, ok := explicitID(am); ok {
			if bID, ok := explicitID(bm); ok {
				return aID == bID
			}
		}
		if spec.Identity != nil {
			if aKey, ok := spec.Identity(am); ok {
				if bKey, ok := spec.Identity(bm); ok {
					return aKey == bKey
				}
			}
		}
	}
	return reflect.DeepEqual(a, b)
}

// identityRevoked reports whether a record's identity appears in the revoked
// set. Both the explicit id and the natural key are checked, so a tombstone
// written against either form of identity removes the record.
func identityRevoked(spec *CollectionSpec, rec any, revoked map[string]bool) bool {
	m, ok := rec.(map[string]any)
	if !ok {
		return false
	}
	if id, ok := explicitID(m); ok && revoked[normalizeIdentity(id)] {
		return true
	}
	if spec.Identity != nil {
		if key, ok := spec.Identity(m); ok {
			// Natural keys carry a "field=" prefix; tombstones store the bare value
			if i := strings.IndexByte(key, '='); i >= 0 {
				key = key[i+1:]
			}
			if revoked[normalizeIdentity(key)] {
				return true
			}
		}
	}
	return false
}

// explicitID extracts a non-empty unique id field from a record
func explicitID(record map[string]any) (string, bool) {
	switch v := record["id"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	case float64:
		return fmt.Sprintf("%v", v), true
	default:
		return "", false
	}
}

func normalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// decodeRevokedSet turns encoded tombstones into a normalized lookup set
func decodeRevokedSet(tombs json.RawMessage) (map[string]bool, error) {
	ids, err := decodeTombstoneList(tombs)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if norm := normalizeIdentity(id); norm != "" {
			set[norm] = true
		}
	}
	return set, nil
}

func decodeList(name string, raw json.RawMessage) ([]any, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("collection %s is not a list: %w", name, err)
	}
	return list, nil
}

func decodeMap(name string, raw json.RawMessage) (map[string]json.RawMessage, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("collection %s is not a map: %w", name, err)
	}
	return m, nil
}

func decodeTombstoneList(raw json.RawMessage) ([]string, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("tombstone collection is not a list of identities: %w", err)
	}
	return ids, nil
}

// unionKeys returns the sorted union of both snapshots' collection names
func unionKeys(a, b map[string]json.RawMessage) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// isEmptyJSON reports whether raw carries no usable value: absent, null,
// empty string, empty list or empty object.
func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}
