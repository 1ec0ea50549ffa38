package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared across subsystems.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the orchestration core.
var (
	ErrExpertNotFound  = fmt.Errorf("expert not found")
	ErrNoExperts       = fmt.Errorf("no expert available for step")
	ErrMaxSteps        = fmt.Errorf("leader reached max steps")
	ErrDecisionInvalid = fmt.Errorf("structured decision invalid")
	ErrToolNotFound    = fmt.Errorf("tool not found")
	ErrToolFailure     = fmt.Errorf("tool execution failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrMCPConnect      = fmt.Errorf("mcp server connection failed")

	// Transient tool-transport errors. The resilient tool node treats these
	// (and matching error strings) as refresh-and-retry candidates.
	ErrAuthExpired  = fmt.Errorf("authentication expired")
	ErrStreamClosed = fmt.Errorf("stream closed")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g. "Leader.Invoke")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeDuplicate       ErrorCode = "DUPLICATE"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeExpertNotFound  ErrorCode = "EXPERT_NOT_FOUND"
	CodeNoExperts       ErrorCode = "NO_EXPERTS"
	CodeMaxSteps        ErrorCode = "MAX_STEPS"
	CodeDecisionInvalid ErrorCode = "DECISION_INVALID"
	CodeToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure     ErrorCode = "TOOL_FAILURE"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeMCPConnect      ErrorCode = "MCP_CONNECT"
	CodeAuthExpired     ErrorCode = "AUTH_EXPIRED"
	CodeStreamClosed    ErrorCode = "STREAM_CLOSED"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:        CodeNotFound,
	ErrDuplicate:       CodeDuplicate,
	ErrTimeout:         CodeTimeout,
	ErrInvalidInput:    CodeInvalidInput,
	ErrExpertNotFound:  CodeExpertNotFound,
	ErrNoExperts:       CodeNoExperts,
	ErrMaxSteps:        CodeMaxSteps,
	ErrDecisionInvalid: CodeDecisionInvalid,
	ErrToolNotFound:    CodeToolNotFound,
	ErrToolFailure:     CodeToolFailure,
	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrMCPConnect:      CodeMCPConnect,
	ErrAuthExpired:     CodeAuthExpired,
	ErrStreamClosed:    CodeStreamClosed,
	ErrRateLimit:       CodeRateLimit,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
