package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"agora/api/internal/fault"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// mapError turns any error returned by the service into a stable code and
// a caller-safe message.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var fe *fault.Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}

	switch fe.Kind {
	case fault.InvalidInput:
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			details = map[string]any{"fields": fieldErrors(fields)}
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", messageOr(fe, "Invalid input"), details
	case fault.Unconfigured:
		return http.StatusServiceUnavailable, "NOT_CONFIGURED", messageOr(fe, "A required service is not configured"), nil
	case fault.Transient:
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Upstream service unavailable", nil
	case fault.Permanent:
		return http.StatusBadGateway, "UPSTREAM_ERROR", "Upstream service rejected the request", nil
	case fault.Unparsable:
		return http.StatusBadGateway, "UPSTREAM_BAD_RESPONSE", "Upstream service returned an unrecognised response", nil
	case fault.NotFound:
		return http.StatusNotFound, "NOT_FOUND", messageOr(fe, "Not found"), nil
	case fault.Conflict:
		return http.StatusConflict, "CONFLICT", messageOr(fe, "Conflict"), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func messageOr(fe *fault.Error, fallback string) string {
	if fe.Message != "" {
		return fe.Message
	}
	return fallback
}

func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = describeRule(fe)
	}
	return out
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid"
}

// withDebug attaches the error chain to details in development mode.
func withDebug(details any, err error) any {
	debug := err.Error()
	switch d := details.(type) {
	case nil:
		return map[string]any{"debug": debug}
	case map[string]any:
		out := make(map[string]any, len(d)+1)
		for k, v := range d {
			out[k] = v
		}
		out["debug"] = debug
		return out
	default:
		return map[string]any{"info": d, "debug": debug}
	}
}
