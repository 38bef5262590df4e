package schemas

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a provisioning failure. Codes implement error so they
// can be used directly as errors.Is targets.
type ErrorCode string

const (
	ErrCodeAuthentication       ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeQuotaExhausted       ErrorCode = "QUOTA_EXHAUSTED"
	ErrCodeNavigation           ErrorCode = "NAVIGATION_ERROR"
	ErrCodeFormOpen             ErrorCode = "FORM_OPEN_ERROR"
	ErrCodeSubmission           ErrorCode = "SUBMISSION_ERROR"
	ErrCodeCredentialExtraction ErrorCode = "CREDENTIAL_EXTRACTION_ERROR"
	ErrCodeAlreadyInProgress    ErrorCode = "ALREADY_IN_PROGRESS"
	ErrCodeDriverTimeout        ErrorCode = "DRIVER_TIMEOUT"
	ErrCodeBrowserUnavailable   ErrorCode = "BROWSER_UNAVAILABLE"
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidState         ErrorCode = "INVALID_STATE"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
)

func (c ErrorCode) Error() string { return string(c) }

// ProvisioningError is the single error type crossing package boundaries during a run.
type ProvisioningError struct {
	Code    ErrorCode
	Step    Step
	Message string
	Err     error
}

// NewError builds a ProvisioningError without a step; the orchestrator stamps the step.
func NewError(code ErrorCode, msg string, cause error) *ProvisioningError {
	return &ProvisioningError{Code: code, Message: msg, Err: cause}
}

func (e *ProvisioningError) Error() string {
	s := string(e.Code)
	if e.Step != "" {
		s = fmt.Sprintf("%s at %s", e.Code, e.Step)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Is matches the error's own code. Wrapped causes are still reachable
// through Unwrap, so a navigation failure caused by a driver timeout
// satisfies both codes.
func (e *ProvisioningError) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

// CodeOf returns the outermost error code in err's chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *ProvisioningError
	if errors.As(err, &se) {
		return se.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrCodeInternal
}

// StepOf returns the step recorded on err, if any.
func StepOf(err error) Step {
	var se *ProvisioningError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// UserMessage renders err for the requester. It never includes the wrapped
// cause, which may carry selectors or URLs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	timedOut := errors.Is(err, ErrCodeDriverTimeout)
	var msg string
	switch CodeOf(err) {
	case ErrCodeAuthentication:
		msg = "Could not log in to the panel. Check the reseller credentials."
	case ErrCodeQuotaExhausted:
		msg = "No credits left on the panel. Top up before creating new accounts."
	case ErrCodeNavigation:
		msg = "Could not open the accounts page on the panel."
	case ErrCodeFormOpen:
		msg = "The account creation form did not open."
	case ErrCodeSubmission:
		msg = "The panel did not accept the new account."
		// Only panel alert text is shown; it is the one message without a cause.
		var se *ProvisioningError
		if errors.As(err, &se) && se.Message != "" && se.Err == nil {
			msg = "The panel did not accept the new account: " + se.Message
		}
	case ErrCodeCredentialExtraction:
		msg = "The account may have been created, but its credentials could not be read. Check the panel manually before retrying."
	case ErrCodeAlreadyInProgress:
		msg = "A request is already running for you. Wait for it to finish."
	case ErrCodeBrowserUnavailable:
		msg = "The browser could not be started. Try again shortly."
	case ErrCodeInvalidRequest:
		msg = "That request is not valid."
	case ErrCodeDriverTimeout:
		msg = "The panel took too long to respond."
	default:
		msg = "Unexpected error while creating the account."
	}
	if timedOut && CodeOf(err) != ErrCodeDriverTimeout {
		msg += " (the panel timed out)"
	}
	return msg
}
