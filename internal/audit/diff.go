package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Change kinds.
const (
	KindScalar = "scalar"
	KindArray  = "array"
	KindObject = "object"
)

// Unchanged is the summary for fields equal on both sides.
const Unchanged = "unchanged"

// identityKey is the element field used to match array items across versions.
const identityKey = "id"

// FieldChange describes how one top-level field moved between versions.
type FieldChange struct {
	Kind    string `json:"kind"`
	Summary string `json:"summary"`

	// Object fields and changed scalars keep the raw values.
	Before any `json:"before,omitempty"`
	After  any `json:"after,omitempty"`

	// Array fields.
	Added      []any `json:"added,omitempty"`
	Removed    []any `json:"removed,omitempty"`
	Modified   []any `json:"modified,omitempty"`
	Same       []any `json:"unchanged,omitempty"`
	SizeBefore int   `json:"size_before"`
	SizeAfter  int   `json:"size_after"`
}

// Changed reports whether the field differs.
func (c FieldChange) Changed() bool {
	return c.Summary != Unchanged
}

// Diff maps top-level field names to their change.
type Diff map[string]FieldChange

// Fields returns the field names in lexical order.
func (d Diff) Fields() []string {
	out := make([]string, 0, len(d))
	for name := range d {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasChanges reports whether any field changed.
func (d Diff) HasChanges() bool {
	for _, c := range d {
		if c.Changed() {
			return true
		}
	}
	return false
}

// Compare computes the structured diff between two versions of a record. Either side may
// be nil. Structs are compared through their JSON form.
func Compare(before, after any) (Diff, error) {
	if before == nil && after == nil {
		return nil, nil
	}
	b, err := normalize(before)
	if err != nil {
		return nil, fmt.Errorf("audit: normalize before: %w", err)
	}
	a, err := normalize(after)
	if err != nil {
		return nil, fmt.Errorf("audit: normalize after: %w", err)
	}
	diff := make(Diff, len(b)+len(a))
	for field, bv := range b {
		av, ok := a[field]
		if !ok {
			av = nil
		}
		diff[field] = compareField(bv, av)
	}
	for field, av := range a {
		if _, seen := b[field]; seen {
			continue
		}
		diff[field] = compareField(nil, av)
	}
	return diff, nil
}

func normalize(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("value is not an object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func compareField(before, after any) FieldChange {
	_, beforeArr := before.([]any)
	_, afterArr := after.([]any)
	_, beforeObj := before.(map[string]any)
	_, afterObj := after.(map[string]any)

	switch {
	case (beforeArr || before == nil) && (afterArr || after == nil) && (beforeArr || afterArr):
		b, _ := before.([]any)
		a, _ := after.([]any)
		return compareArrays(b, a)
	case (beforeObj || before == nil) && (afterObj || after == nil) && (beforeObj || afterObj):
		if reflect.DeepEqual(before, after) {
			return FieldChange{Kind: KindObject, Summary: Unchanged}
		}
		return FieldChange{Kind: KindObject, Summary: "changed", Before: before, After: after}
	default:
		if reflect.DeepEqual(before, after) {
			return FieldChange{Kind: KindScalar, Summary: Unchanged}
		}
		return FieldChange{
			Kind:    KindScalar,
			Summary: fmt.Sprintf("changed: %s→%s", render(before), render(after)),
			Before:  before,
			After:   after,
		}
	}
}

func compareArrays(before, after []any) FieldChange {
	change := FieldChange{Kind: KindArray, SizeBefore: len(before), SizeAfter: len(after)}
	if hasIdentity(before) && hasIdentity(after) {
		matchByIdentity(&change, before, after)
	} else {
		matchByValue(&change, before, after)
	}
	change.Summary = summarize(change)
	return change
}

func hasIdentity(items []any) bool {
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := obj[identityKey]; !ok {
			return false
		}
	}
	return true
}

func matchByIdentity(change *FieldChange, before, after []any) {
	prior := make(map[string]any, len(before))
	for _, item := range before {
		prior[canonical(item.(map[string]any)[identityKey])] = item
	}
	seen := make(map[string]struct{}, len(after))
	for _, item := range after {
		key := canonical(item.(map[string]any)[identityKey])
		seen[key] = struct{}{}
		old, ok := prior[key]
		switch {
		case !ok:
			change.Added = append(change.Added, item)
		case reflect.DeepEqual(old, item):
			change.Same = append(change.Same, item)
		default:
			change.Modified = append(change.Modified, item)
		}
	}
	for _, item := range before {
		if _, ok := seen[canonical(item.(map[string]any)[identityKey])]; !ok {
			change.Removed = append(change.Removed, item)
		}
	}
}

// matchByValue pairs equal elements as a multiset so duplicates are counted.
func matchByValue(change *FieldChange, before, after []any) {
	pool := make(map[string][]any, len(before))
	for _, item := range before {
		key := canonical(item)
		pool[key] = append(pool[key], item)
	}
	for _, item := range after {
		key := canonical(item)
		if matches := pool[key]; len(matches) > 0 {
			change.Same = append(change.Same, item)
			pool[key] = matches[1:]
			continue
		}
		change.Added = append(change.Added, item)
	}
	for _, item := range before {
		key := canonical(item)
		if leftover := pool[key]; len(leftover) > 0 {
			change.Removed = append(change.Removed, item)
			pool[key] = leftover[1:]
		}
	}
}

func summarize(c FieldChange) string {
	var parts []string
	if n := len(c.Added); n > 0 {
		parts = append(parts, countPhrase(n, "added"))
	}
	if n := len(c.Removed); n > 0 {
		parts = append(parts, countPhrase(n, "removed"))
	}
	if n := len(c.Modified); n > 0 {
		parts = append(parts, countPhrase(n, "changed"))
	}
	if len(parts) == 0 {
		return Unchanged
	}
	return strings.Join(parts, ", ")
}

func countPhrase(n int, verb string) string {
	if n == 1 {
		return "1 item " + verb
	}
	return fmt.Sprintf("%d items %s", n, verb)
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case json.Number:
		return val.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// canonical encodes v for matching. Object keys marshal in sorted order.
func canonical(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(raw)
}
