// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"reflect"
	"sort"
	"strings"
	"time"
)

// ConflictRecord is produced when a mutation's base version no longer matches
// the server and the server changed a field the local intent also changes.
// Both values stay visible until a human resolves the record.
type ConflictRecord struct {
	ID            int64
	MutationID    int64
	EntityID      string
	// Fields are the dotted paths where the local intent and the server's
	// changes overlap.
	Fields      []string
	LocalValue  map[string]any
	ServerValue map[string]any
	// ServerRow is the server's full current document, kept so resolution
	// can rebase the chosen value on it.
	ServerRow     map[string]any
	ServerVersion int64
	DetectedAt    time.Time
}

// Resolve applies the merge policy for a version-conflicted update.
//
// intent holds the fields the local mutation would change, base is the entity
// document as last known locally, and serverCurrent is the server's current
// row. If the intent's field set is disjoint from the set of fields the
// server changed since base, the intent is applied on top of serverCurrent
// and returned as a safe merge with a nil record. If the sets overlap, the
// merged document is nil and a ConflictRecord names the overlapping fields
// with both values.
//
// Nested custom_fields-style maps are compared per key, not whole-object, so
// an unrelated custom field edited on the server does not conflict with a
// different custom field edited locally.
func Resolve(intent, base, serverCurrent map[string]any) (map[string]any, *ConflictRecord) {
	intentFields := flattenKeys(intent)
	serverChanged := diffFields(base, serverCurrent)

	var overlap []string
	for f := range intentFields {
		if serverChanged[f] {
			overlap = append(overlap, f)
		}
	}

	if len(overlap) == 0 {
		merged := make(map[string]any, len(serverCurrent)+len(intent))
		for k, v := range serverCurrent {
			merged[k] = v
		}
		for k, v := range intent {
			if sub, ok := v.(map[string]any); ok {
				merged[k] = mergeNested(serverCurrent[k], sub)
				continue
			}
			merged[k] = v
		}
		return merged, nil
	}

	sort.Strings(overlap)
	local := make(map[string]any, len(overlap))
	server := make(map[string]any, len(overlap))
	for _, f := range overlap {
		local[f] = lookupPath(intent, f)
		server[f] = lookupPath(serverCurrent, f)
	}
	return nil, &ConflictRecord{
		Fields:      overlap,
		LocalValue:  local,
		ServerValue: server,
		DetectedAt:  time.Now().UTC(),
	}
}

// diffFields returns the dotted paths at which two entity documents differ.
// One level of map nesting is compared per key; deeper structures fall back
// to whole-value comparison at that path.
func diffFields(base, current map[string]any) map[string]bool {
	diff := make(map[string]bool)
	seen := make(map[string]bool, len(base)+len(current))
	for k := range base {
		seen[k] = true
	}
	for k := range current {
		seen[k] = true
	}
	for k := range seen {
		bv, bok := base[k]
		cv, cok := current[k]
		if bok != cok {
			markChanged(diff, k, bv, cv)
			continue
		}
		bm, bIsMap := bv.(map[string]any)
		cm, cIsMap := cv.(map[string]any)
		if bIsMap && cIsMap {
			for f := range diffFields(bm, cm) {
				diff[k+"."+f] = true
			}
			continue
		}
		if !equalValue(bv, cv) {
			diff[k] = true
		}
	}
	return diff
}

func markChanged(diff map[string]bool, key string, oldV, newV any) {
	// A map appearing or disappearing wholesale counts each of its keys as
	// changed so per-field overlap detection still works.
	m, ok := oldV.(map[string]any)
	if !ok {
		m, ok = newV.(map[string]any)
	}
	if ok {
		for f := range m {
			diff[key+"."+f] = true
		}
		return
	}
	diff[key] = true
}

// flattenKeys lists the dotted paths an intent document sets.
func flattenKeys(doc map[string]any) map[string]bool {
	out := make(map[string]bool, len(doc))
	for k, v := range doc {
		if sub, ok := v.(map[string]any); ok {
			for f := range sub {
				out[k+"."+f] = true
			}
			continue
		}
		out[k] = true
	}
	return out
}

func lookupPath(doc map[string]any, path string) any {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := doc[head]
	if !ok {
		return nil
	}
	if !nested {
		return v
	}
	sub, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return lookupPath(sub, rest)
}

func mergeNested(serverVal any, intent map[string]any) map[string]any {
	merged := make(map[string]any, len(intent))
	if sm, ok := serverVal.(map[string]any); ok {
		for k, v := range sm {
			merged[k] = v
		}
	}
	for k, v := range intent {
		merged[k] = v
	}
	return merged
}

// equalValue compares JSON-decoded values. Numbers decoded from different
// sources may arrive as int64 vs float64, so numeric kinds are normalized.
func equalValue(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
