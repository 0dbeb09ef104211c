package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code narrows an error kind down to the specific rule that was violated.
// Callers that only care about the kind use the Is* helpers; callers that
// need the exact reason use HasCode.
type Code string

// Identity conflict codes.
const (
	CodeDuplicateKey      Code = "DuplicateKey"
	CodeStateConflict     Code = "StateConflict"
	CodeEntitySetMismatch Code = "EntitySetMismatch"
	CodeReAddNotAllowed   Code = "ReAddNotAllowed"
	CodeKeyFixupConflict  Code = "KeyFixupConflict"
)

// Invalid key codes.
const (
	CodeTemporaryKey       Code = "CannotAttachTemporaryKey"
	CodeInvalidKeyValue    Code = "InvalidKeyValue"
	CodeKeyRequired        Code = "EntitySetOrKeyRequired"
	CodeKeyMemberChanged   Code = "KeyMemberChanged"
	CodeTypeNotMapped      Code = "TypeNotMapped"
	CodeUnknownEntitySet   Code = "UnknownEntitySet"
	CodeUnknownMember      Code = "UnknownMember"
	CodeAmbiguousEntitySet Code = "AmbiguousEntitySet"
)

// Not tracked codes.
const (
	CodeNotTracked     Code = "NotTracked"
	CodeKeyStubEntry   Code = "KeyStubEntry"
	CodeObjectNotFound Code = "ObjectNotFound"
)

// Illegal state transition codes.
const (
	CodeIllegalTransition  Code = "IllegalStateTransition"
	CodeCannotRefreshAdded Code = "CannotRefreshAdded"
	CodeDuplicateInRefresh Code = "DuplicateInRefresh"
)

// Graph integrity codes.
const (
	CodeConceptualNull           Code = "ConceptualNull"
	CodeClientEntityRemoved      Code = "ClientEntityRemovedFromStore"
	CodeUnexpectedEntityInResult Code = "UnexpectedEntityInResult"
	CodeReferentialConstraint    Code = "ReferentialConstraintViolation"
)

// coded is implemented by every entrack error that carries a Code.
type coded interface {
	ErrorCode() Code
}

// HasCode reports whether any error in err's chain carries the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if c, ok := err.(coded); ok && c.ErrorCode() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// --- Model loading ---

// ConfigError represents an error encountered while loading or decoding the
// metadata model or applying context options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that the model document failed schema or
// structural validation.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// --- Identity map error kinds ---

// IdentityConflictError reports a duplicate key held by a different object, or
// an add/attach over an existing entry in an incompatible state.
type IdentityConflictError struct {
	Code    Code
	Key     string
	State   string // state of the existing entry, if relevant
	Message string
}

func NewIdentityConflictError(code Code, key, state, message string) *IdentityConflictError {
	return &IdentityConflictError{Code: code, Key: key, State: state, Message: message}
}
func (e *IdentityConflictError) Error() string {
	msg := fmt.Sprintf("identity conflict (%s)", e.Code)
	if e.Key != "" {
		msg += fmt.Sprintf(" for key %s", e.Key)
	}
	if e.State != "" {
		msg += fmt.Sprintf(" [existing state %s]", e.State)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
func (e *IdentityConflictError) ErrorCode() Code { return e.Code }

// IsIdentityConflict checks if an error is an IdentityConflictError using errors.As.
func IsIdentityConflict(err error) bool {
	var target *IdentityConflictError
	return errors.As(err, &target)
}

// InvalidKeyError reports a temporary key used where a permanent one is
// required, or key values that do not satisfy the entity-set metadata.
type InvalidKeyError struct {
	Code    Code
	Key     string
	Message string
	Cause   error
}

func NewInvalidKeyError(code Code, key, message string, cause error) *InvalidKeyError {
	return &InvalidKeyError{Code: code, Key: key, Message: message, Cause: cause}
}
func (e *InvalidKeyError) Error() string {
	msg := fmt.Sprintf("invalid key (%s)", e.Code)
	if e.Key != "" {
		msg += fmt.Sprintf(" %s", e.Key)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}
func (e *InvalidKeyError) Unwrap() error   { return e.Cause }
func (e *InvalidKeyError) ErrorCode() Code { return e.Code }

// IsInvalidKey checks if an error is an InvalidKeyError using errors.As.
func IsInvalidKey(err error) bool {
	var target *InvalidKeyError
	return errors.As(err, &target)
}

// NotTrackedError reports an operation whose target object or key has no
// usable entry in the identity map. Index is the zero-based position of the
// offending element for collection arguments, or -1.
type NotTrackedError struct {
	Code    Code
	Target  string
	Index   int
	Message string
}

func NewNotTrackedError(code Code, target string, index int, message string) *NotTrackedError {
	return &NotTrackedError{Code: code, Target: target, Index: index, Message: message}
}
func (e *NotTrackedError) Error() string {
	msg := fmt.Sprintf("not tracked (%s)", e.Code)
	if e.Index >= 0 {
		msg += fmt.Sprintf(" element %d", e.Index)
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" %s", e.Target)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
func (e *NotTrackedError) ErrorCode() Code { return e.Code }

// IsNotTracked checks if an error is a NotTrackedError using errors.As.
func IsNotTracked(err error) bool {
	var target *NotTrackedError
	return errors.As(err, &target)
}

// IllegalStateTransitionError reports an operation that is not allowed from
// the entry's current lifecycle state.
type IllegalStateTransitionError struct {
	Code      Code
	Operation string
	From      string
	To        string
	Key       string
	Index     int
}

func NewIllegalStateTransitionError(operation, from, to, key string) *IllegalStateTransitionError {
	return &IllegalStateTransitionError{Code: CodeIllegalTransition, Operation: operation, From: from, To: to, Key: key, Index: -1}
}
func (e *IllegalStateTransitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "illegal state transition (%s)", e.Code)
	if e.Operation != "" {
		fmt.Fprintf(&b, " during %s", e.Operation)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " for element %d", e.Index)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " of %s", e.Key)
	}
	if e.To != "" {
		fmt.Fprintf(&b, ": %s -> %s", e.From, e.To)
	} else if e.From != "" {
		fmt.Fprintf(&b, ": not allowed in state %s", e.From)
	}
	return b.String()
}
func (e *IllegalStateTransitionError) ErrorCode() Code { return e.Code }

// IsIllegalStateTransition checks if an error is an IllegalStateTransitionError using errors.As.
func IsIllegalStateTransition(err error) bool {
	var target *IllegalStateTransitionError
	return errors.As(err, &target)
}

// GraphIntegrityError reports an inconsistent object graph detected at commit
// or refresh time. Keys lists every offending key so callers can fix all of
// them in one pass.
type GraphIntegrityError struct {
	Code    Code
	Keys    []string
	Message string
}

func NewGraphIntegrityError(code Code, keys []string, message string) *GraphIntegrityError {
	return &GraphIntegrityError{Code: code, Keys: keys, Message: message}
}
func (e *GraphIntegrityError) Error() string {
	msg := fmt.Sprintf("graph integrity violation (%s)", e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Keys) > 0 {
		quoted := make([]string, len(e.Keys))
		for i, k := range e.Keys {
			quoted[i] = "'" + k + "'"
		}
		msg += " [" + strings.Join(quoted, ",") + "]"
	}
	return msg
}
func (e *GraphIntegrityError) ErrorCode() Code { return e.Code }

// IsGraphIntegrity checks if an error is a GraphIntegrityError using errors.As.
func IsGraphIntegrity(err error) bool {
	var target *GraphIntegrityError
	return errors.As(err, &target)
}

// ResourceDisposedError reports use of a context after it was closed.
type ResourceDisposedError struct {
	Resource string
}

func NewResourceDisposedError(resource string) *ResourceDisposedError {
	return &ResourceDisposedError{Resource: resource}
}
func (e *ResourceDisposedError) Error() string {
	if e.Resource == "" {
		return "resource disposed"
	}
	return fmt.Sprintf("resource disposed: %s", e.Resource)
}

// IsResourceDisposed checks if an error is a ResourceDisposedError using errors.As.
func IsResourceDisposed(err error) bool {
	var target *ResourceDisposedError
	return errors.As(err, &target)
}

// StoreError wraps a failure reported by the underlying store collaborator.
type StoreError struct {
	Operation string
	Cause     error
}

func NewStoreError(operation string, cause error) *StoreError {
	return &StoreError{Operation: operation, Cause: cause}
}
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Operation, e.Cause)
}
func (e *StoreError) Unwrap() error { return e.Cause }
