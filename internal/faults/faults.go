// Package faults defines the error taxonomy shared by the explorer components.
//
// Every failure that crosses a component boundary is a *Error carrying a Code.
// Callers branch on the code with IsCode rather than on message text.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes failures.
type Code string

const (
	// CodeInvalidAmount indicates malformed decimal input to the unit converter.
	CodeInvalidAmount Code = "INVALID_AMOUNT"

	// CodeNoAccountSelected indicates a submission without an active wallet session.
	CodeNoAccountSelected Code = "NO_ACCOUNT_SELECTED"

	// CodeConnection indicates the ledger or query service could not be reached.
	CodeConnection Code = "CONNECTION_ERROR"

	// CodeDispatch indicates the ledger processed the operation but it failed logically.
	CodeDispatch Code = "DISPATCH_ERROR"

	// CodeTransport indicates the notification stream failed before a terminal notification.
	CodeTransport Code = "TRANSPORT_FAILURE"

	// CodeStaleRead indicates cached data outlived its hard lifetime and the refetch failed.
	CodeStaleRead Code = "STALE_READ"

	// CodeDuplicateID indicates a record id collision in the store.
	CodeDuplicateID Code = "DUPLICATE_ID"
)

// Dispatch is the structured module error reported by the ledger.
type Dispatch struct {
	Section string   `json:"section"`
	Name    string   `json:"name"`
	Docs    []string `json:"docs,omitempty"`

	// Raw is the error as the ledger rendered it when it could not be decoded
	// into section/name form.
	Raw string `json:"raw,omitempty"`
}

// Format renders the dispatch error as one line: "section.name: docs".
func (d *Dispatch) Format() string {
	if d == nil {
		return ""
	}
	if d.Section == "" && d.Name == "" {
		return d.Raw
	}
	head := d.Section + "." + d.Name
	if len(d.Docs) == 0 {
		return head
	}
	return head + ": " + strings.Join(d.Docs, " ")
}

// Error is the concrete error type for every taxonomy code.
type Error struct {
	Code    Code
	Message string

	// Dispatch is set for CodeDispatch.
	Dispatch *Dispatch

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode reports whether err (or anything it wraps) is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// InvalidAmount creates a CodeInvalidAmount error.
func InvalidAmount(amount, reason string) *Error {
	return &Error{
		Code:    CodeInvalidAmount,
		Message: fmt.Sprintf("invalid amount %q: %s", amount, reason),
	}
}

// NoAccountSelected creates a CodeNoAccountSelected error.
func NoAccountSelected() *Error {
	return &Error{Code: CodeNoAccountSelected, Message: "no account selected"}
}

// Connection creates a CodeConnection error wrapping cause.
func Connection(message string, cause error) *Error {
	return &Error{Code: CodeConnection, Message: message, Cause: cause}
}

// DispatchFailed creates a CodeDispatch error carrying structured detail.
func DispatchFailed(d *Dispatch) *Error {
	return &Error{Code: CodeDispatch, Message: d.Format(), Dispatch: d}
}

// Transport creates a CodeTransport error.
func Transport(message string, cause error) *Error {
	return &Error{Code: CodeTransport, Message: message, Cause: cause}
}

// StaleRead creates a CodeStaleRead error for key.
func StaleRead(key string, cause error) *Error {
	return &Error{
		Code:    CodeStaleRead,
		Message: fmt.Sprintf("cached %s exceeded its lifetime and refetch failed", key),
		Cause:   cause,
	}
}

// DuplicateID creates a CodeDuplicateID error.
func DuplicateID(id string) *Error {
	return &Error{Code: CodeDuplicateID, Message: fmt.Sprintf("record %s already exists", id)}
}
