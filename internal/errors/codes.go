package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for query serving
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Request errors, raised by the parse and validate stages
	ErrCodeParse      ErrorCode = 1000
	ErrCodeValidation ErrorCode = 1001

	// Distributed search errors
	ErrCodeProcessTimeout        ErrorCode = 2000
	ErrCodeMultiCall             ErrorCode = 2001
	ErrCodeSearchResponseInvalid ErrorCode = 2002

	// Chain construction errors, fatal at startup
	ErrCodeUnknownProcessor   ErrorCode = 3000
	ErrCodeInitFailed         ErrorCode = 3001
	ErrCodeNotFound           ErrorCode = 3002
	ErrCodeInvalidChainConfig ErrorCode = 3003

	ErrCodeInternal ErrorCode = 4000
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                    "OK",
	ErrCodeParse:                 "PARSE_ERROR",
	ErrCodeValidation:            "VALIDATION_ERROR",
	ErrCodeProcessTimeout:        "PROCESS_TIMEOUT",
	ErrCodeMultiCall:             "MULTI_CALL_ERROR",
	ErrCodeSearchResponseInvalid: "SEARCH_RESPONSE_INVALID",
	ErrCodeUnknownProcessor:      "UNKNOWN_PROCESSOR",
	ErrCodeInitFailed:            "INIT_FAILED",
	ErrCodeNotFound:              "NOT_FOUND",
	ErrCodeInvalidChainConfig:    "INVALID_CHAIN_CONFIG",
	ErrCodeInternal:              "INTERNAL_ERROR",
}

// String returns the wire name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// SearchError represents a structured error with code and context
type SearchError struct {
	Code    ErrorCode
	Message string
	// Cluster is the responder the error is attributed to, empty for request-level errors.
	Cluster string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SearchError) Error() string {
	msg := e.Message
	if e.Cluster != "" {
		msg = fmt.Sprintf("[%s] %s", e.Cluster, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *SearchError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SearchError to gRPC status
func (e *SearchError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *SearchError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeParse, ErrCodeValidation:
		return codes.InvalidArgument
	case ErrCodeProcessTimeout:
		return codes.DeadlineExceeded
	case ErrCodeMultiCall:
		return codes.Unavailable
	case ErrCodeSearchResponseInvalid:
		return codes.DataLoss
	case ErrCodeNotFound, ErrCodeUnknownProcessor:
		return codes.NotFound
	case ErrCodeInitFailed, ErrCodeInvalidChainConfig:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error to the status returned when it is the cause of a hard failure
func (e *SearchError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeParse, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeProcessTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeMultiCall, ErrCodeSearchResponseInvalid:
		return http.StatusServiceUnavailable
	case ErrCodeNotFound, ErrCodeUnknownProcessor:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// NewSearchError creates a new SearchError
func NewSearchError(code ErrorCode, message string, cause error) *SearchError {
	return &SearchError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SearchError) WithDetail(key string, value interface{}) *SearchError {
	e.Details[key] = value
	return e
}

// WithCluster attributes the error to a responder
func (e *SearchError) WithCluster(cluster string) *SearchError {
	e.Cluster = cluster
	return e
}

// Convenience constructors for common errors

func ParseError(message string, cause error) *SearchError {
	return NewSearchError(ErrCodeParse, message, cause)
}

func ValidationError(message string) *SearchError {
	return NewSearchError(ErrCodeValidation, message, nil)
}

func ProcessTimeout(phase string, wave int) *SearchError {
	return NewSearchError(ErrCodeProcessTimeout, fmt.Sprintf("%s timed out before wave %d", phase, wave), nil).
		WithDetail("phase", phase).
		WithDetail("wave", wave)
}

func MultiCallError(cluster, message string, cause error) *SearchError {
	return NewSearchError(ErrCodeMultiCall, message, cause).WithCluster(cluster)
}

func SearchResponseInvalid(cluster string, cause error) *SearchError {
	return NewSearchError(ErrCodeSearchResponseInvalid, "invalid search response", cause).WithCluster(cluster)
}

func UnknownProcessor(module, name string) *SearchError {
	return NewSearchError(ErrCodeUnknownProcessor, fmt.Sprintf("unknown processor %q in module %q", name, module), nil).
		WithDetail("module", module).
		WithDetail("processor", name)
}

func InitFailed(name string) *SearchError {
	return NewSearchError(ErrCodeInitFailed, fmt.Sprintf("processor %q failed to initialize", name), nil).
		WithDetail("processor", name)
}

func NotFound(what, name string) *SearchError {
	return NewSearchError(ErrCodeNotFound, fmt.Sprintf("%s %q not found", what, name), nil)
}

func InvalidChainConfig(message string) *SearchError {
	return NewSearchError(ErrCodeInvalidChainConfig, message, nil)
}

func InternalError(message string, cause error) *SearchError {
	return NewSearchError(ErrCodeInternal, message, cause)
}

// IsSearchError checks if an error is a SearchError
func IsSearchError(err error) bool {
	var se *SearchError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SearchError
	if stderrors.As(err, &se) {
		return se.Code
	}
	if err == nil {
		return ErrCodeOK
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain
func IsCode(err error, code ErrorCode) bool {
	var se *SearchError
	return stderrors.As(err, &se) && se.Code == code
}
