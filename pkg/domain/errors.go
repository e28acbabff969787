package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a stable, numeric error category. Callers branch on
// codes rather than matching message strings.
type ErrorCode int

// Error codes for every failure category surfaced at the service boundary.
const (
	CodeUnauthorized         ErrorCode = 20000
	CodeMissingParameter     ErrorCode = 30000
	CodeIllegalParameter     ErrorCode = 30001
	CodeMetadataValidation   ErrorCode = 30010
	CodeConcurrency          ErrorCode = 40000
	CodeNoSuchUser           ErrorCode = 50000
	CodeNoSuchSample         ErrorCode = 50010
	CodeNoSuchSampleVersion  ErrorCode = 50020
	CodeNoSuchSampleNode     ErrorCode = 50030
	CodeNoSuchWorkspaceData  ErrorCode = 50040
	CodeNoSuchDataLink       ErrorCode = 50050
	CodeDataLinkExists       ErrorCode = 60000
	CodeTooManyDataLinks     ErrorCode = 60010
	CodeUnsupportedOperation ErrorCode = 100000
)

var errorCodeNames = map[ErrorCode]string{
	CodeUnauthorized:         "Unauthorized",
	CodeMissingParameter:     "Missing input parameter",
	CodeIllegalParameter:     "Illegal input parameter",
	CodeMetadataValidation:   "Metadata validation failed",
	CodeConcurrency:          "Concurrency violation",
	CodeNoSuchUser:           "No such user",
	CodeNoSuchSample:         "No such sample",
	CodeNoSuchSampleVersion:  "No such sample version",
	CodeNoSuchSampleNode:     "No such sample node",
	CodeNoSuchWorkspaceData:  "No such workspace data",
	CodeNoSuchDataLink:       "No such data link",
	CodeDataLinkExists:       "Data link exists for data ID",
	CodeTooManyDataLinks:     "Too many data links",
	CodeUnsupportedOperation: "Unsupported operation",
}

// Name returns the human-readable category name for the code.
func (c ErrorCode) Name() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Error is the typed domain error propagated unchanged to the service
// boundary.
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError constructs a coded domain error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf constructs a coded domain error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sample error %d %s", e.Code, e.Code.Name())
	}
	return fmt.Sprintf("sample error %d %s: %s", e.Code, e.Code.Name(), e.Message)
}

// ErrorCodeOf extracts the domain error code from err, if any.
func ErrorCodeOf(err error) (ErrorCode, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given domain error code.
func IsCode(err error, code ErrorCode) bool {
	got, ok := ErrorCodeOf(err)
	return ok && got == code
}

// OwnerChangedError signals that a sample's owner changed between the
// caller's permission check and the ACL write. It is recovered by a bounded
// retry in the service layer and never reaches end users directly.
type OwnerChangedError struct {
	Owner UserID
}

func (e OwnerChangedError) Error() string {
	return fmt.Sprintf("sample owner changed, current owner is %s", e.Owner)
}
