// Package rtdb implements the shallow-merge document store of spec §4.H
// / P10: Firebase-style semantics where top-level fields are merged,
// nested objects are replaced wholesale rather than merged recursively,
// dot-notation keys address nested fields directly, and a null value
// deletes the addressed field.
package rtdb

import (
	"fmt"
	"strings"
)

// Document is a JSON object document as decoded by encoding/json (map
// values for nested objects, []any for arrays, and the usual scalar
// types). The top level is always an object: Merge's target is typed as
// Document, and a nil target is replaced by an empty one (spec §6 "RTDB
// documents are always JSON objects at top level").
type Document = map[string]any

// MergeError reports a patch that tried to traverse a dot-notation path
// through a field that isn't an object.
type MergeError struct {
	Path  string
	Field string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("rtdb: cannot apply %q: field %q is not an object", e.Path, e.Field)
}

// Merge applies patch onto target in place and returns target, following
// spec P10's shallow-merge law:
//
//  1. Top-level fields from patch overwrite target's fields.
//  2. A nested object value entirely replaces the corresponding target
//     field rather than merging into it.
//  3. A dot-notation key ("profile.age") addresses a nested field
//     without disturbing its siblings, creating intermediate objects as
//     needed.
//  4. A null patch value deletes the addressed field.
//
// Returns a *MergeError if a dot-notation key tries to traverse through
// an existing non-object field.
func Merge(target Document, patch Document) (Document, error) {
	if target == nil {
		target = make(Document)
	}
	for key, val := range patch {
		if strings.Contains(key, ".") {
			if err := applyDotted(target, key, val); err != nil {
				return target, err
			}
			continue
		}
		if val == nil {
			delete(target, key)
			continue
		}
		target[key] = val
	}
	return target, nil
}

// applyDotted navigates (creating intermediate objects as needed) to the
// parent of the final path segment and applies val there.
func applyDotted(target Document, dottedKey string, val any) error {
	parts := strings.Split(dottedKey, ".")
	cur := target
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			fresh := make(Document)
			cur[part] = fresh
			cur = fresh
			continue
		}
		obj, ok := next.(Document)
		if !ok {
			return &MergeError{Path: dottedKey, Field: part}
		}
		cur = obj
	}
	final := parts[len(parts)-1]
	if val == nil {
		delete(cur, final)
	} else {
		cur[final] = val
	}
	return nil
}
