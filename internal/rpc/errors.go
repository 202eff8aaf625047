package rpc

import "fmt"

// Wire error codes. The protocol-level codes mirror the standard JSON-RPC
// set; the application codes extend it for this service's domain.
const (
	CodeParseError     = "PARSE_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeInternal       = "INTERNAL"

	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeDependencyFailed = "DEPENDENCY_FAILED"
	CodeUnsupported      = "UNSUPPORTED"
)

// numericCodes maps wire codes to their numeric aliases for clients that
// interoperate with standard JSON-RPC tooling.
var numericCodes = map[string]int{
	CodeParseError:     -32700,
	CodeInvalidRequest: -32600,
	CodeMethodNotFound: -32601,
	CodeInvalidParams:  -32602,
	CodeInternal:       -32603,

	CodeAuthRequired:     -32000,
	CodeAuthFailed:       -32001,
	CodePermissionDenied: -32002,
	CodeNotFound:         -32010,
	CodeInvalidState:     -32011,
	CodeRateLimited:      -32020,
	CodeDependencyFailed: -32030,
	CodeUnsupported:      -32040,
}

// Error is the wire error object.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Numeric returns the standard-protocol numeric alias for the error's code,
// zero when the code is unknown.
func (e *Error) Numeric() int { return numericCodes[e.Code] }

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches a payload, returning the error for chaining.
func (e *Error) WithData(data interface{}) *Error {
	e.Data = data
	return e
}
