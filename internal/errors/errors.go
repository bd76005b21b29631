package errors

import (
	stderrors "errors"
	"fmt"
)

// AgentError is the structured error type for uciagent.
type AgentError struct {
	// Code is the unique error code (e.g., "ERR_207_PERSISTENCE").
	Code string

	Message  string
	Category Category
	Severity Severity

	// Details contains additional context such as module or path.
	Details map[string]string

	Cause error

	// Retryable indicates the operation can be attempted again unchanged.
	Retryable bool

	// Suggestion is an actionable hint for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// Is matches by code, so errors.Is(err, New(code, "", nil)) works through wrapping.
func (e *AgentError) Is(target error) bool {
	if t, ok := target.(*AgentError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *AgentError) WithDetail(key, value string) *AgentError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
func (e *AgentError) WithSuggestion(suggestion string) *AgentError {
	e.Suggestion = suggestion
	return e
}

// New creates an AgentError. Category, severity and retryability are derived from the code.
func New(code string, message string, cause error) *AgentError {
	return &AgentError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an AgentError from an existing error, reusing its message.
func Wrap(code string, err error) *AgentError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *AgentError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// SourceError creates an error for a failed remote configuration fetch.
func SourceError(module string, cause error) *AgentError {
	return New(ErrCodeSourceUnavailable, "failed to fetch configuration", cause).
		WithDetail("module", module)
}

// EmbeddingError creates an error for a failed embedding call.
func EmbeddingError(message string, cause error) *AgentError {
	return New(ErrCodeEmbeddingFailed, message, cause)
}

// PersistenceError creates the durability error raised when the index or mapping
// could not be written after all retries.
func PersistenceError(what string, cause error) *AgentError {
	return New(ErrCodePersistence, "failed to persist "+what, cause).
		WithDetail("artifact", what).
		WithSuggestion("on-disk state may be stale; fix the storage problem and run 'uciagent sync --full'")
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *AgentError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *AgentError {
	return New(ErrCodeInternal, message, cause)
}

func asAgent(err error) (*AgentError, bool) {
	var ae *AgentError
	if err == nil || !stderrors.As(err, &ae) {
		return nil, false
	}
	return ae, true
}

// IsRetryable reports whether the first AgentError in the chain is retryable.
func IsRetryable(err error) bool {
	ae, ok := asAgent(err)
	return ok && ae.Retryable
}

// IsFatal reports whether the first AgentError in the chain has fatal severity.
func IsFatal(err error) bool {
	ae, ok := asAgent(err)
	return ok && ae.Severity == SeverityFatal
}

// GetCode extracts the error code, or "" if err carries no AgentError.
func GetCode(err error) string {
	if ae, ok := asAgent(err); ok {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category, or "" if err carries no AgentError.
func GetCategory(err error) Category {
	if ae, ok := asAgent(err); ok {
		return ae.Category
	}
	return ""
}

// HasCode reports whether any error in the chain (including joined errors) has code.
func HasCode(err error, code string) bool {
	return stderrors.Is(err, &AgentError{Code: code})
}
