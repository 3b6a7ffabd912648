package bundle

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Result is the outcome of a structural validation.
type Result struct {
	Valid  bool
	Errors []string
}

// Validate checks the structure of a decoded bundle against the supported schema versions.
//
// Every problem is reported, none of them stops the other checks.
func Validate(tree map[string]any, supported []string) Result {
	var errs []string

	info, ok := tree["export_info"].(map[string]any)
	if !ok {
		errs = append(errs, "missing export_info")
	} else {
		for _, field := range []string{"timestamp", "source_system", "schema_version"} {
			if !present(info[field]) {
				errs = append(errs, fmt.Sprintf("missing export_info.%s", field))
			}
		}
		if v := info["schema_version"]; present(v) && !slices.Contains(supported, fmt.Sprint(v)) {
			errs = append(errs, fmt.Sprintf("unsupported schema version %q, supported: %s",
				fmt.Sprint(v), strings.Join(supported, ", ")))
		}
	}

	affiliates, ok := tree["affiliates"].([]any)
	if !ok {
		errs = append(errs, "missing affiliates array")
		return Result{Valid: false, Errors: errs}
	}

	for i, a := range affiliates {
		errs = append(errs, validateAffiliate(i, a)...)
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

var requiredAffiliateFields = [][]string{
	{"id"},
	{"personal", "cedula"},
	{"personal", "full_name", "first"},
	{"personal", "full_name", "last"},
	{"plan", "code"},
	{"plan", "name"},
}

func validateAffiliate(index int, a any) (errs []string) {
	affiliate, ok := a.(map[string]any)
	if !ok {
		return []string{fmt.Sprintf("affiliate %d: not an object", index)}
	}

	for _, path := range requiredAffiliateFields {
		if !present(lookup(affiliate, path...)) {
			errs = append(errs, fmt.Sprintf("affiliate %d: missing %s", index, strings.Join(path, ".")))
		}
	}

	if amount := lookup(affiliate, "plan", "monthly_amount"); amount != nil && !numeric(amount) {
		errs = append(errs, fmt.Sprintf("affiliate %d: plan.monthly_amount must be numeric", index))
	}

	return errs
}

// lookup walks nested objects, returning nil as soon as a key is missing.
func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func present(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

func numeric(v any) bool {
	switch v.(type) {
	case json.Number, float64, int, int64:
		return true
	default:
		return false
	}
}
