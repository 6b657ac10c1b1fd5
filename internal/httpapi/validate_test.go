package httpapi

import "testing"

func TestValidatorOptionalFillsDefault(t *testing.T) {
	v := Validator{Fields: []FieldSpec{
		{Name: "timeout", Rules: []Rule{Optional(float64(30)), IsNumberType()}},
	}}
	out, errs := v.Validate(map[string]any{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if out["timeout"] != float64(30) {
		t.Fatalf("expected default 30, got %v", out["timeout"])
	}
}

func TestValidatorRequiredMissingFieldErrors(t *testing.T) {
	v := Validator{Fields: []FieldSpec{
		{Name: "hostname", Rules: []Rule{Required(), IsStringType()}},
	}}
	_, errs := v.Validate(map[string]any{})
	if len(errs) != 1 || errs[0].Field != "hostname" {
		t.Fatalf("expected one error on hostname, got %v", errs)
	}
}

func TestValidatorTypeMismatchErrors(t *testing.T) {
	v := Validator{Fields: []FieldSpec{
		{Name: "ram", Rules: []Rule{Required(), IsNumberType()}},
	}}
	_, errs := v.Validate(map[string]any{"ram": "not a number"})
	if len(errs) != 1 || errs[0].Code != "Invalid" {
		t.Fatalf("expected one Invalid error, got %v", errs)
	}
}

func TestValidatorSanitizeToBooleanFromString(t *testing.T) {
	v := Validator{Fields: []FieldSpec{
		{Name: "headnode", Rules: []Rule{IsBooleanString(), SanitizeToBoolean()}},
	}}
	out, errs := v.Validate(map[string]any{"headnode": "true"})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if out["headnode"] != true {
		t.Fatalf("expected sanitized true, got %v", out["headnode"])
	}
}

func TestValidatorRegexRejectsNonMatch(t *testing.T) {
	v := Validator{Fields: []FieldSpec{
		{Name: "uuid", Rules: []Rule{Required(), IsStringType(), Regex(uuidPattern)}},
	}}
	_, errs := v.Validate(map[string]any{"uuid": "not-a-uuid"})
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
}

func TestValidatorStrictRejectsUnknownField(t *testing.T) {
	v := Validator{
		Strict: true,
		Fields: []FieldSpec{{Name: "hostname", Rules: []Rule{Required(), IsStringType()}}},
	}
	_, errs := v.Validate(map[string]any{"hostname": "cn1", "bogus": 1})
	if len(errs) != 1 || errs[0].Field != "bogus" {
		t.Fatalf("expected one error on bogus field, got %v", errs)
	}
}

func TestValidatorArrayAndObjectTypes(t *testing.T) {
	v := Validator{Fields: []FieldSpec{
		{Name: "tags", Rules: []Rule{IsArrayType()}},
		{Name: "traits", Rules: []Rule{IsObjectType()}},
	}}
	_, errs := v.Validate(map[string]any{"tags": "not-an-array", "traits": []any{1, 2}})
	if len(errs) != 2 {
		t.Fatalf("expected two errors, got %v", errs)
	}
}
