package domain

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

// Error codes exposed to callers. Values are part of the public contract.
const (
	CodeNotFound               Code = "NotFound"
	CodeInvalidParent          Code = "InvalidParent"
	CodeInvalidCategory        Code = "InvalidCategory"
	CodeInvalidTag             Code = "InvalidTag"
	CodeSelfContainment        Code = "SelfContainment"
	CodeCycleDetected          Code = "CycleDetected"
	CodeInvalidAmount          Code = "InvalidAmount"
	CodeIncompatibleMerge      Code = "IncompatibleMerge"
	CodeSelfMerge              Code = "SelfMerge"
	CodeHasActiveChildren      Code = "HasActiveChildren"
	CodeDataIntegrityViolation Code = "DataIntegrityViolation"
	CodeConflict               Code = "Conflict"
	CodeForbidden              Code = "Forbidden"
	CodeInvariantViolation     Code = "InvariantViolation"
	CodeInvalidRequest         Code = "InvalidRequest"
	CodeInternal               Code = "Internal"
)

// Error carries a stable code, a message describing what happened and a hint
// describing what the caller can do about it.
type Error struct {
	Code    Code
	Message string
	Hint    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code) + ": " + e.Hint
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is. Each Hint is the corrective action shown to users.
var (
	ErrNotFound               = &Error{Code: CodeNotFound, Hint: "scan again or check that the item has not been retired"}
	ErrInvalidParent          = &Error{Code: CodeInvalidParent, Hint: "pick an active container as the destination"}
	ErrInvalidCategory        = &Error{Code: CodeInvalidCategory, Hint: "use one of location, box, equipment or trace"}
	ErrInvalidTag             = &Error{Code: CodeInvalidTag, Hint: "correct the item details and submit again"}
	ErrSelfContainment        = &Error{Code: CodeSelfContainment, Hint: "an item cannot be placed inside itself"}
	ErrCycleDetected          = &Error{Code: CodeCycleDetected, Hint: "choose a different destination"}
	ErrInvalidAmount          = &Error{Code: CodeInvalidAmount, Hint: "enter an amount greater than zero and less than the current quantity"}
	ErrIncompatibleMerge      = &Error{Code: CodeIncompatibleMerge, Hint: "only traces of the same part and unit can be merged"}
	ErrSelfMerge              = &Error{Code: CodeSelfMerge, Hint: "scan two different traces to merge"}
	ErrHasActiveChildren      = &Error{Code: CodeHasActiveChildren, Hint: "empty the container first or retire its contents with it"}
	ErrDataIntegrityViolation = &Error{Code: CodeDataIntegrityViolation, Hint: "contact an operator; stored records are inconsistent"}
	ErrConflict               = &Error{Code: CodeConflict, Hint: "another change touched the same items; try again"}
	ErrForbidden              = &Error{Code: CodeForbidden, Hint: "ask an administrator for inventory access"}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest, Hint: "check the request fields and submit again"}
)

// Errorf builds an error with the sentinel's code and hint and a formatted message.
func Errorf(sentinel *Error, format string, args ...any) error {
	return &Error{Code: sentinel.Code, Hint: sentinel.Hint, Message: fmt.Sprintf(format, args...)}
}

// Conflict wraps a backend error signalling lock contention or a serialization failure.
func Conflict(cause error) error {
	return fmt.Errorf("%w: %v", ErrConflict, cause)
}

// CodeOf extracts the stable code of err. Unknown errors map to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var rv RuleViolationError
	if errors.As(err, &rv) {
		return CodeInvariantViolation
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Describe returns the message and corrective hint for err. Errors without a
// domain code get a generic description so internals are not leaked.
func Describe(err error) (message, hint string) {
	var rv RuleViolationError
	if errors.As(err, &rv) {
		return rv.Error(), "contact an operator; the change was rolled back"
	}
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" {
			msg = e.Hint
		}
		return msg, e.Hint
	}
	return "internal error", "try again later"
}
