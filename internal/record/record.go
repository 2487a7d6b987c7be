// Package record models platform resources as JSON-shaped documents and
// provides the value algebra the consistency layer is built on: canonical
// equality, field diffing, timestamp extraction and merge.
package record

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Record is one resource document (user, order, product, reservation, ...).
// Values are JSON-shaped: scalars, []any, map[string]any.
type Record map[string]any

// Timestamp fields, checked in order. Values are seconds since epoch.
const (
	FieldUpdatedAt = "updated_at"
	FieldTimestamp = "timestamp"
)

// Canonical returns the canonical JSON encoding of v. Values are round-tripped
// through encoding/json so that e.g. int(5) and float64(5) compare equal.
func Canonical(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return b
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return b
	}
	return out
}

// Equal reports whether two records hold the same content under canonical
// JSON encoding.
func Equal(a, b Record) bool {
	return string(Canonical(a)) == string(Canonical(b))
}

// FieldDiff returns the sorted set of top-level keys whose values differ
// between a and b, including keys present on only one side.
func FieldDiff(a, b Record) []string {
	seen := map[string]bool{}
	var diff []string
	for k, av := range a {
		seen[k] = true
		bv, ok := b[k]
		if !ok || string(Canonical(av)) != string(Canonical(bv)) {
			diff = append(diff, k)
		}
	}
	for k := range b {
		if !seen[k] {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}

// Timestamp extracts the record's modification timestamp (updated_at, falling
// back to timestamp). Returns 0 when neither field is present or numeric.
func Timestamp(r Record) float64 {
	for _, field := range []string{FieldUpdatedAt, FieldTimestamp} {
		if v, ok := r[field]; ok {
			if ts, ok := asFloat(v); ok {
				return ts
			}
		}
	}
	return 0
}

// Clone returns a deep copy of r via JSON round-trip.
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// PickLatest returns whichever record has the strictly greater timestamp.
// Equal timestamps favor remote.
func PickLatest(local, remote Record) Record {
	if Timestamp(local) > Timestamp(remote) {
		return local
	}
	return remote
}

// Merge performs a right-biased shallow merge: remote fields first, local
// fields overriding. When both sides hold an array at the same key, the merged
// value is the remote array followed by local elements not already present,
// deduplicated by canonical value.
func Merge(local, remote Record) Record {
	out := Record{}
	for k, v := range remote {
		out[k] = v
	}
	for k, lv := range local {
		rv, ok := out[k]
		if ok {
			if la, lok := asSlice(lv); lok {
				if ra, rok := asSlice(rv); rok {
					out[k] = mergeArrays(ra, la)
					continue
				}
			}
		}
		out[k] = lv
	}
	return out
}

// mergeArrays concatenates remote then local, deduplicating by canonical
// value, remote-first ordering.
func mergeArrays(remote, local []any) []any {
	seen := map[string]bool{}
	out := make([]any, 0, len(remote)+len(local))
	for _, v := range remote {
		key := string(Canonical(v))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	for _, v := range local {
		key := string(Canonical(v))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
