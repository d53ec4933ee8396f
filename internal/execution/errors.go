package execution

import "fmt"

// RouteError represents different types of order routing failures
type RouteError struct {
	Type    string // "kill_switch", "no_credentials", "all_unavailable", "timeout", "not_implemented", "invalid_order"
	Backend string
	Message string
	Cause   error
}

func (e *RouteError) Error() string {
	scope := "routing"
	if e.Backend != "" {
		scope = e.Backend
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error on %s: %s (%v)", e.Type, scope, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error on %s: %s", e.Type, scope, e.Message)
}

func (e *RouteError) Unwrap() error { return e.Cause }

// Common error constructors
func NewKillSwitchError() *RouteError {
	return &RouteError{Type: "kill_switch", Message: "kill switch engaged, routing disabled"}
}

func NewNoCredentialsError(message string) *RouteError {
	return &RouteError{Type: "no_credentials", Message: message}
}

func NewAllUnavailableError(message string, cause error) *RouteError {
	return &RouteError{Type: "all_unavailable", Message: message, Cause: cause}
}

func NewTimeoutError(backend string, timeoutMs int) *RouteError {
	return &RouteError{
		Type:    "timeout",
		Backend: backend,
		Message: fmt.Sprintf("no response within %dms", timeoutMs),
	}
}

func NewNotImplementedError(backend, message string) *RouteError {
	return &RouteError{Type: "not_implemented", Backend: backend, Message: message}
}

func NewInvalidOrderError(message string) *RouteError {
	return &RouteError{Type: "invalid_order", Message: message}
}
