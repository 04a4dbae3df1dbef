package schema

import (
	"fmt"
	"math"
	"sort"

	"github.com/bytedance/sonic"
)

var envelopeRequired = []string{
	"event_id",
	"trace_id",
	"produced_at",
	"schema",
	"schema_version",
	"payload",
}

var envelopeOptional = map[string]bool{
	"source_service": true,
}

// dlqRules is the generic payload shape of every dead-letter envelope.
var dlqRules = Rules{Fields: map[string]FieldRule{
	"original_stream":   Str(),
	"original_offset":   Str(),
	"original_envelope": {Kind: FieldObject}, // may also arrive as string, see below
	"error_kind":        Str(),
	"error_detail":      FieldRule{Kind: FieldString, MaxLen: 4096},
	"attempts":          Int(),
}}

// Validator enforces the strict v1 envelope contract and the registered
// payload rules. The same validator runs producer-side before append and
// consumer-side before dispatch.
type Validator struct {
	reg *Registry
}

// NewValidator creates a validator over the given registry.
func NewValidator(reg *Registry) *Validator {
	return &Validator{reg: reg}
}

// Registry exposes the validator's schema registry.
func (v *Validator) Registry() *Registry {
	return v.reg
}

// Validate checks raw envelope bytes and returns the decoded envelope on
// success. Any failure is a *ContractViolation.
func (v *Validator) Validate(data []byte) (Envelope, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Envelope{}, violation(KindMalformed, "", err.Error())
	}
	if err := v.ValidateMap(raw); err != nil {
		return Envelope{}, err
	}
	return Decode(data)
}

// ValidateMap checks a decoded envelope object against the v1 contract.
func (v *Validator) ValidateMap(raw map[string]any) error {
	if err := checkExactKeys(raw, envelopeRequired, envelopeOptional); err != nil {
		return err
	}

	for _, k := range []string{"event_id", "trace_id", "produced_at", "schema"} {
		if _, err := stringField(raw, k); err != nil {
			return err
		}
	}
	if ss, ok := raw["source_service"]; ok {
		if _, isStr := ss.(string); !isStr {
			return violation(KindTypeMismatch, "source_service", "must be string")
		}
	}

	producedAt := raw["produced_at"].(string)
	if _, err := ParseTimestamp(producedAt); err != nil {
		return violation(KindTypeMismatch, "produced_at", err.Error())
	}

	schemaName := raw["schema"].(string)
	ref, err := ParseSchema(schemaName)
	if err != nil {
		return violation(KindTypeMismatch, "schema", err.Error())
	}

	version, ok := intValue(raw["schema_version"])
	if !ok {
		return violation(KindTypeMismatch, "schema_version", "must be integer")
	}
	// The suffix in `schema` and the integer field must agree; disagreement
	// is rejected rather than normalized.
	if version != ref.Major {
		return violation(KindTypeMismatch, "schema_version",
			fmt.Sprintf("schema_version %d does not match schema suffix v%d", version, ref.Major))
	}

	payload, ok := raw["payload"].(map[string]any)
	if !ok {
		return violation(KindTypeMismatch, "payload", "must be object")
	}

	rules, ok := v.rulesFor(schemaName)
	if !ok {
		return violation(KindPayloadInvalid, "schema",
			fmt.Sprintf("unregistered schema: %s", schemaName))
	}
	return validateObject("payload", payload, rules)
}

func (v *Validator) rulesFor(schemaName string) (Rules, bool) {
	if IsDLQStream(schemaName) {
		return dlqRules, true
	}
	return v.reg.Rules(schemaName)
}

func checkExactKeys(obj map[string]any, required []string, optional map[string]bool) error {
	for _, k := range required {
		if _, ok := obj[k]; !ok {
			return violation(KindMissingField, k, "required field is missing")
		}
	}
	extras := make([]string, 0)
	req := make(map[string]bool, len(required))
	for _, k := range required {
		req[k] = true
	}
	for k := range obj {
		if !req[k] && !optional[k] {
			extras = append(extras, k)
		}
	}
	if len(extras) > 0 {
		sort.Strings(extras)
		return violation(KindUnknownField, extras[0],
			fmt.Sprintf("unknown fields not allowed in v1: %v", extras))
	}
	return nil
}

func stringField(obj map[string]any, key string) (string, error) {
	v, ok := obj[key].(string)
	if !ok {
		return "", violation(KindTypeMismatch, key, "must be string")
	}
	if v == "" {
		return "", violation(KindMissingField, key, "must be non-empty")
	}
	return v, nil
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func validateObject(path string, obj map[string]any, rules Rules) error {
	for name := range obj {
		if _, ok := rules.Fields[name]; !ok {
			return violation(KindUnknownField, fieldPath(path, name),
				"unknown field not allowed in v1")
		}
	}
	// Deterministic check order keeps error output stable across runs.
	names := make([]string, 0, len(rules.Fields))
	for name := range rules.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, ok := obj[name]
		if !ok {
			return violation(KindMissingField, fieldPath(path, name), "required field is missing")
		}
		if err := validateField(fieldPath(path, name), value, rules.Fields[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateField(path string, value any, rule FieldRule) error {
	switch rule.Kind {
	case FieldString, FieldTimestamp:
		s, ok := value.(string)
		if !ok {
			return violation(KindTypeMismatch, path, "must be string")
		}
		if s == "" {
			return violation(KindPayloadInvalid, path, "must be non-empty")
		}
		limit := rule.MaxLen
		if limit == 0 {
			limit = maxStringLen
		}
		if len(s) > limit {
			return violation(KindPayloadInvalid, path,
				fmt.Sprintf("string exceeds max length %d", limit))
		}
		if rule.Kind == FieldTimestamp {
			if _, err := ParseTimestamp(s); err != nil {
				return violation(KindPayloadInvalid, path, err.Error())
			}
		}
		if len(rule.Enum) > 0 && !contains(rule.Enum, s) {
			return violation(KindPayloadInvalid, path,
				fmt.Sprintf("must be one of %v", rule.Enum))
		}
		return nil

	case FieldNumber, FieldInt:
		n, ok := numberValue(value)
		if !ok {
			return violation(KindTypeMismatch, path, "must be number")
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return violation(KindPayloadInvalid, path, "must be finite")
		}
		if rule.Kind == FieldInt && n != math.Trunc(n) {
			return violation(KindTypeMismatch, path, "must be integer")
		}
		if rule.Min != nil {
			if rule.ExclusiveMin && n <= *rule.Min {
				return violation(KindPayloadInvalid, path,
					fmt.Sprintf("must be > %v", *rule.Min))
			}
			if !rule.ExclusiveMin && n < *rule.Min {
				return violation(KindPayloadInvalid, path,
					fmt.Sprintf("must be >= %v", *rule.Min))
			}
		}
		if rule.Max != nil && n > *rule.Max {
			return violation(KindPayloadInvalid, path,
				fmt.Sprintf("must be <= %v", *rule.Max))
		}
		return nil

	case FieldBool:
		if _, ok := value.(bool); !ok {
			return violation(KindTypeMismatch, path, "must be bool")
		}
		return nil

	case FieldObject:
		obj, ok := value.(map[string]any)
		if !ok {
			// DLQ envelopes embed an unparseable original as a string.
			if path == "payload.original_envelope" {
				if _, isStr := value.(string); isStr {
					return nil
				}
			}
			return violation(KindTypeMismatch, path, "must be object")
		}
		if rule.Nested != nil {
			return validateObject(path, obj, *rule.Nested)
		}
		return nil

	default:
		return violation(KindPayloadInvalid, path,
			fmt.Sprintf("unsupported rule kind %q", rule.Kind))
	}
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func fieldPath(base, name string) string {
	return base + "." + name
}
