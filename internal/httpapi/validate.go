// Package httpapi is the thin HTTP surface over the core (spec.md
// §4.H): a declarative request validator, a small set of per-request
// middlewares, and REST handlers that do nothing but translate JSON to
// core calls and core errors to the error envelope.
//
// Grounded on the teacher's internal/gateway/gateway.go: a
// Config-struct-wired server exposing a stdlib http.Handler, typed
// error codes, and a JSON envelope on every response — generalized here
// from a JSON-RPC-over-WebSocket ACP surface to a REST surface, since
// spec.md explicitly puts HTTP framework choice out of scope.
package httpapi

import (
	"regexp"

	"github.com/basket/fleetcore/internal/fleeterr"
)

// Rule validates or transforms one field's value. val/ok mirror a
// "comma ok" map lookup: ok is false when the field was absent from the
// request body. A non-nil *fleeterr.FieldError short-circuits the rest
// of the field's rule chain.
type Rule func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError)

// FieldSpec is one field's name plus the ordered rule chain applied to
// it. Rules run in order; the first to produce a FieldError stops the
// chain for that field.
type FieldSpec struct {
	Name  string
	Rules []Rule
}

// Validator runs a declarative rule table against a decoded JSON body,
// per spec.md §4.H's exact rule-name list.
type Validator struct {
	Fields []FieldSpec
	Strict bool // reject unknown top-level keys
}

// Validate applies every field's rule chain to raw and returns the
// sanitized/defaulted output plus every field error encountered. A
// non-empty error slice means the caller should reject the request.
func (v Validator) Validate(raw map[string]any) (map[string]any, []fleeterr.FieldError) {
	out := make(map[string]any, len(v.Fields))
	var errs []fleeterr.FieldError
	known := make(map[string]bool, len(v.Fields))

	for _, f := range v.Fields {
		known[f.Name] = true
		val, ok := raw[f.Name]
		failed := false
		for _, r := range f.Rules {
			nv, nok, ferr := r(f.Name, val, ok)
			if ferr != nil {
				errs = append(errs, *ferr)
				failed = true
				break
			}
			val, ok = nv, nok
		}
		if !failed && ok {
			out[f.Name] = val
		}
	}

	if v.Strict {
		for k := range raw {
			if !known[k] {
				errs = append(errs, fleeterr.FieldError{Field: k, Code: "Invalid", Message: k + " is not a recognized field"})
			}
		}
	}
	return out, errs
}

// IsStringType requires the field, if present, to be a JSON string.
func IsStringType() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		s, isStr := val.(string)
		if !isStr {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " must be a string"}
		}
		return s, true, nil
	}
}

// IsArrayType requires the field, if present, to be a JSON array.
func IsArrayType() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		a, isArr := val.([]any)
		if !isArr {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " must be an array"}
		}
		return a, true, nil
	}
}

// IsObjectType requires the field, if present, to be a JSON object.
func IsObjectType() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		m, isObj := val.(map[string]any)
		if !isObj {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " must be an object"}
		}
		return m, true, nil
	}
}

// IsNumberType requires the field, if present, to be a JSON number.
// encoding/json decodes every JSON number into Go's map[string]any as a
// float64, so that is the only representation checked here.
func IsNumberType() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		n, isNum := val.(float64)
		if !isNum {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " must be a number"}
		}
		return n, true, nil
	}
}

// IsBooleanType requires the field, if present, to be a JSON boolean.
func IsBooleanType() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		b, isBool := val.(bool)
		if !isBool {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " must be a boolean"}
		}
		return b, true, nil
	}
}

// IsBooleanString requires the field, if present, to be the literal
// string "true" or "false" — the shape query-string-style callers send
// before sanitize(toBoolean) converts it.
func IsBooleanString() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		s, isStr := val.(string)
		if !isStr || (s != "true" && s != "false") {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + ` must be the string "true" or "false"`}
		}
		return s, true, nil
	}
}

// Optional substitutes def when the field is absent, and otherwise
// passes the existing value through unchanged. Place first in a rule
// chain so later type/sanitize rules see the default too.
func Optional(def any) Rule {
	return func(_ string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if ok {
			return val, ok, nil
		}
		return def, true, nil
	}
}

// SanitizeToBoolean converts a present bool or "true"/"false" string
// into a bool. Pairs with isBooleanString or a bare isStringType check
// upstream in the rule chain.
func SanitizeToBoolean() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		switch v := val.(type) {
		case bool:
			return v, true, nil
		case string:
			switch v {
			case "true":
				return true, true, nil
			case "false":
				return false, true, nil
			}
		}
		return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " could not be sanitized to a boolean"}
	}
}

// Regex requires a present string field to match re.
func Regex(re *regexp.Regexp) Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return val, ok, nil
		}
		s, isStr := val.(string)
		if !isStr || !re.MatchString(s) {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " does not match the required pattern"}
		}
		return s, true, nil
	}
}

// Required fails the chain if the field is absent. It is not one of the
// spec's named rules, but every rule table needs some way to say "no
// default, and it must be there" — grounded on the same table's implicit
// contrast with optional(default?).
func Required() Rule {
	return func(field string, val any, ok bool) (any, bool, *fleeterr.FieldError) {
		if !ok {
			return nil, false, &fleeterr.FieldError{Field: field, Code: "Invalid", Message: field + " is required"}
		}
		return val, ok, nil
	}
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
