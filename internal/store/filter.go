package store

import (
	"encoding/json"
	"strings"
)

// Filter is an LDAP-like predicate tree evaluated over a bucket object's
// decoded JSON fields (spec.md §6: "findObjects... supporting LDAP-like
// AND/OR filters").
type Filter interface {
	eval(fields map[string]any) bool
}

// Eq matches when Field equals Value (string/number/bool compared by ==,
// after round-tripping both sides through JSON so types line up the way
// they do for values decoded out of a JSON document).
type Eq struct {
	Field string
	Value any
}

func (f Eq) eval(fields map[string]any) bool {
	return normalize(fields[f.Field]) == normalize(f.Value)
}

// Contains matches when Field is a list containing Value, or a string
// containing Value as a substring.
type Contains struct {
	Field string
	Value string
}

func (f Contains) eval(fields map[string]any) bool {
	switch v := fields[f.Field].(type) {
	case []any:
		for _, item := range v {
			if normalize(item) == f.Value {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(v, f.Value)
	default:
		return false
	}
}

// And matches when every sub-filter matches.
type And []Filter

func (a And) eval(fields map[string]any) bool {
	for _, f := range a {
		if !f.eval(fields) {
			return false
		}
	}
	return true
}

// Or matches when any sub-filter matches.
type Or []Filter

func (o Or) eval(fields map[string]any) bool {
	for _, f := range o {
		if f.eval(fields) {
			return true
		}
	}
	return false
}

// Not inverts a sub-filter.
type Not struct{ Filter Filter }

func (n Not) eval(fields map[string]any) bool { return !n.Filter.eval(fields) }

// All matches every object in the bucket.
var All Filter = all{}

type all struct{}

func (all) eval(map[string]any) bool { return true }

func normalize(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// Matches decodes raw as JSON and evaluates filter over its top-level
// fields. Used by Store implementations that keep objects as opaque
// blobs and need to apply a Filter without bucket-specific schema
// knowledge.
func Matches(filter Filter, raw []byte) bool {
	if filter == nil {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	return filter.eval(fields)
}
