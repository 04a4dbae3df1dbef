package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// FieldKind is the expected primitive kind of a payload field.
type FieldKind string

const (
	FieldString    FieldKind = "string"
	FieldNumber    FieldKind = "number"
	FieldInt       FieldKind = "int"
	FieldBool      FieldKind = "bool"
	FieldObject    FieldKind = "object"
	FieldTimestamp FieldKind = "timestamp"
)

// maxStringLen bounds string fields that do not declare their own limit.
const maxStringLen = 1024

// FieldRule constrains a single payload field.
type FieldRule struct {
	Kind         FieldKind `json:"kind"`
	Min          *float64  `json:"min,omitempty"`
	Max          *float64  `json:"max,omitempty"`
	ExclusiveMin bool      `json:"exclusive_min,omitempty"`
	Enum         []string  `json:"enum,omitempty"`
	MaxLen       int       `json:"max_len,omitempty"`
	Nested       *Rules    `json:"nested,omitempty"`
}

// Rules is the closed shape of a payload object. Every field listed is
// required; v1 rejects keys outside the set.
type Rules struct {
	Fields map[string]FieldRule `json:"fields"`
}

// Digest returns a stable fingerprint of the rules, used to make
// registration idempotent. encoding/json sorts map keys, so the
// serialization is deterministic.
func (r Rules) Digest() string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Rule constructors keep the catalog declarations short.

// Str is a bounded string field.
func Str() FieldRule { return FieldRule{Kind: FieldString} }

// StrEnum is a string field restricted to the given members.
func StrEnum(members ...string) FieldRule {
	return FieldRule{Kind: FieldString, Enum: members}
}

// Num is an unconstrained finite number field.
func Num() FieldRule { return FieldRule{Kind: FieldNumber} }

// NumMin is a number field with an inclusive lower bound.
func NumMin(min float64) FieldRule {
	return FieldRule{Kind: FieldNumber, Min: &min}
}

// NumRange is a number field with inclusive bounds.
func NumRange(min, max float64) FieldRule {
	return FieldRule{Kind: FieldNumber, Min: &min, Max: &max}
}

// NumGT is a number field that must exceed the given bound.
// The bound itself is excluded through ExclusiveMin.
func NumGT(bound float64) FieldRule {
	r := FieldRule{Kind: FieldNumber, Min: &bound}
	r.ExclusiveMin = true
	return r
}

// Int is an integer-valued number field.
func Int() FieldRule { return FieldRule{Kind: FieldInt} }

// Bool is a boolean field.
func Bool() FieldRule { return FieldRule{Kind: FieldBool} }

// Ts is a string field holding an RFC3339 timestamp with offset.
func Ts() FieldRule { return FieldRule{Kind: FieldTimestamp} }

// Obj is an object field with no inner shape constraints.
func Obj() FieldRule { return FieldRule{Kind: FieldObject} }

// ObjOf is an object field with a closed nested shape.
func ObjOf(fields map[string]FieldRule) FieldRule {
	return FieldRule{Kind: FieldObject, Nested: &Rules{Fields: fields}}
}
