package schema

import (
	"errors"
	"fmt"
)

// ValidationKind classifies a contract violation.
type ValidationKind string

const (
	KindMalformed      ValidationKind = "Malformed"
	KindUnknownField   ValidationKind = "UnknownField"
	KindMissingField   ValidationKind = "MissingField"
	KindTypeMismatch   ValidationKind = "TypeMismatch"
	KindPayloadInvalid ValidationKind = "PayloadInvalid"
)

// ContractViolation is the error surfaced whenever an envelope or payload
// breaks its registered contract. Publishers receive it synchronously;
// consumers route the offending event to the DLQ.
type ContractViolation struct {
	Kind   ValidationKind
	Field  string
	Reason string
}

func (e *ContractViolation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("contract violation: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("contract violation: %s: %s: %s", e.Kind, e.Field, e.Reason)
}

// AsContractViolation unwraps err into a ContractViolation if it is one.
func AsContractViolation(err error) (*ContractViolation, bool) {
	var cv *ContractViolation
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}

func violation(kind ValidationKind, field, reason string) *ContractViolation {
	return &ContractViolation{Kind: kind, Field: field, Reason: reason}
}

// ErrSchemaConflict is returned when a schema is re-registered with
// different payload rules. v1 rules are frozen once registered.
var ErrSchemaConflict = errors.New("schema already registered with different rules")
