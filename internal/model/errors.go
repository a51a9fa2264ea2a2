package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes persistence errors.
type ErrorCode string

const (
	// CodeMissingOrInvalidPrimaryKey: a new object never became commit-ready.
	CodeMissingOrInvalidPrimaryKey ErrorCode = "MISSING_OR_INVALID_PRIMARY_KEY"

	// CodeObjectAlreadyExists: two distinct new objects collided on their
	// caller-assigned key, or a new object reused the key of a live one.
	CodeObjectAlreadyExists ErrorCode = "OBJECT_ALREADY_EXISTS"

	// CodeMissingDataAccessObject: an update or delete affected zero rows.
	CodeMissingDataAccessObject ErrorCode = "MISSING_DATA_ACCESS_OBJECT"

	// CodeTransactionAborted: the underlying transaction aborted.
	CodeTransactionAborted ErrorCode = "TRANSACTION_ABORTED"

	// CodeUnresolvedDependency: the insert retry loop stopped making progress.
	CodeUnresolvedDependency ErrorCode = "UNRESOLVED_DEPENDENCY"

	// CodeNotInScope: a write was attempted through a non-transactional root context.
	CodeNotInScope ErrorCode = "NOT_IN_SCOPE"

	// CodeContextDisposed: a transaction context was used after disposal.
	CodeContextDisposed ErrorCode = "CONTEXT_DISPOSED"

	// CodeImmutablePrimaryKey: the key of a cached object was reassigned.
	CodeImmutablePrimaryKey ErrorCode = "IMMUTABLE_PRIMARY_KEY"
)

// Error is the structured error returned by the identity cache, the commit
// pipeline, the stores and the transaction layer.
type Error struct {
	Code    ErrorCode
	Message string

	// Type and Object identify the offending object, when there is one.
	Type   string
	Object string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Object != "" {
		msg += fmt.Sprintf(" (object=%s)", e.Object)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HasCode reports whether any *Error in err's chain carries code. Causes
// wrapped by TRANSACTION_ABORTED are found as well.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsMissingOrInvalidPrimaryKey reports whether err is CodeMissingOrInvalidPrimaryKey.
func IsMissingOrInvalidPrimaryKey(err error) bool {
	return HasCode(err, CodeMissingOrInvalidPrimaryKey)
}

// IsObjectAlreadyExists reports whether err is CodeObjectAlreadyExists.
func IsObjectAlreadyExists(err error) bool { return HasCode(err, CodeObjectAlreadyExists) }

// IsMissingDataAccessObject reports whether err is CodeMissingDataAccessObject.
func IsMissingDataAccessObject(err error) bool {
	return HasCode(err, CodeMissingDataAccessObject)
}

// IsTransactionAborted reports whether err is CodeTransactionAborted.
func IsTransactionAborted(err error) bool { return HasCode(err, CodeTransactionAborted) }

// NewMissingOrInvalidPrimaryKey reports a new object that is not commit-ready.
func NewMissingOrInvalidPrimaryKey(r *Record) *Error {
	return &Error{
		Code:    CodeMissingOrInvalidPrimaryKey,
		Message: "new object has an incomplete primary key at commit",
		Type:    r.Type().Name,
		Object:  r.String(),
	}
}

// NewObjectAlreadyExists reports a key collision between r and existing.
func NewObjectAlreadyExists(r, existing *Record) *Error {
	return &Error{
		Code:    CodeObjectAlreadyExists,
		Message: fmt.Sprintf("an object with the same key is already cached (%s)", existing),
		Type:    r.Type().Name,
		Object:  r.String(),
	}
}

// NewMissingDataAccessObject reports a write that matched no row.
func NewMissingDataAccessObject(r *Record, op string) *Error {
	return &Error{
		Code:    CodeMissingDataAccessObject,
		Message: op + " affected no rows",
		Type:    r.Type().Name,
		Object:  r.String(),
	}
}

// NewUnresolvedDependency reports new objects that could never be inserted.
func NewUnresolvedDependency(pending []*Record) *Error {
	names := make([]string, len(pending))
	for i, r := range pending {
		names[i] = r.String()
	}
	e := &Error{
		Code:    CodeUnresolvedDependency,
		Message: fmt.Sprintf("%d new objects depend on objects that can never be inserted first: %v", len(pending), names),
	}
	if len(pending) > 0 {
		e.Type = pending[0].Type().Name
		e.Object = pending[0].String()
	}
	return e
}

// NewTransactionAborted wraps the store error that aborted transaction id.
func NewTransactionAborted(id string, err error) *Error {
	return &Error{
		Code: CodeTransactionAborted,
		Message: fmt.Sprintf("transaction %s aborted; other non-relational participants in the same "+
			"distributed transaction may already have committed", id),
		Err: err,
	}
}

// NewNotInScope reports a write attempted without a transaction scope.
func NewNotInScope(op string) *Error {
	return &Error{
		Code:    CodeNotInScope,
		Message: op + " must be performed inside a transaction scope",
	}
}

// NewImmutablePrimaryKey reports an attempt to change the key of a cached
// object through field or reference name.
func NewImmutablePrimaryKey(r *Record, name string) *Error {
	return &Error{
		Code:    CodeImmutablePrimaryKey,
		Message: fmt.Sprintf("%s.%s is part of the key of a cached object", r.Type().Name, name),
		Type:    r.Type().Name,
		Object:  r.String(),
	}
}

// NewContextDisposed reports use of a disposed transaction context.
func NewContextDisposed(id string) *Error {
	return &Error{
		Code:    CodeContextDisposed,
		Message: fmt.Sprintf("transaction context %s has been disposed", id),
	}
}
