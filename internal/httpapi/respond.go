package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/obs"
	"cooperp.org/internal/tenant"
)

const (
	statusSuccess = "success"
	statusFail    = "fail"
	statusError   = "error"
)

// Machine-readable error codes carried next to the message.
const (
	codeValidation   = "VALIDATION_FAILED"
	codeMFARequired  = "MFA_REQUIRED"
	codeLocked       = "ACCOUNT_LOCKED"
	codeTokenExpired = "TOKEN_EXPIRED"
	codeRateLimited  = "RATE_LIMIT_EXCEEDED"
	codeInternal     = "INTERNAL"
	codeEnrollMFA    = "MFA_ENROLLMENT_REQUIRED"
	codeFeatureOff   = "FEATURE_DISABLED"
)

const internalMessage = "Something went wrong"

type envelope struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Data       any    `json:"data,omitempty"`
}

type errorEnvelope struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code,omitempty"`
	Details    any    `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obs.Logger().WithError(err).Warn("write response")
	}
}

func writeData(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Status: statusSuccess, Message: message, StatusCode: code, Data: data})
}

// apiError is a response-ready failure.
type apiError struct {
	status  int
	code    string
	message string
	details any
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, e apiError) {
	body := errorEnvelope{
		Status:     statusFail,
		Message:    e.message,
		StatusCode: e.status,
		Code:       e.code,
		RequestID:  RequestIDFromContext(r.Context()),
	}
	if e.status >= 500 {
		body.Status = statusError
	}
	if !a.cfg.HardenedErrors {
		body.Details = e.details
	}
	switch e.status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusLocked:
		a.recorder.Security(r.Context(), audit.EventUnauthorizedAccess, map[string]any{
			"status":  e.status,
			"method":  r.Method,
			"path":    r.URL.Path,
			"message": e.message,
		})
	}
	writeJSON(w, e.status, body)
}

func (a *API) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	a.writeError(w, r, apiError{status: http.StatusBadRequest, code: codeValidation, message: msg})
}

// writeServiceError maps a service error to its status once for every handler.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= 500 {
		obs.Logger().WithError(err).WithFields(map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	a.writeError(w, r, e)
}

func classify(err error) apiError {
	var verr *auth.ValidationError
	switch {
	case errors.As(err, &verr):
		return apiError{status: http.StatusBadRequest, code: codeValidation, message: "Validation failed", details: verr.Fields}
	case errors.Is(err, tenant.ErrInvalidIdentifier):
		return apiError{status: http.StatusBadRequest, message: "Invalid tenant identifier"}
	case errors.Is(err, tenant.ErrNotFound):
		return apiError{status: http.StatusNotFound, message: "Tenant not found"}
	case errors.Is(err, tenant.ErrInactive):
		return apiError{status: http.StatusForbidden, message: "Tenant is not active"}
	case errors.Is(err, tenant.ErrConflict):
		return apiError{status: http.StatusConflict, message: "Tenant slug already exists"}
	case errors.Is(err, auth.ErrMFARequired):
		return apiError{status: http.StatusUnauthorized, code: codeMFARequired, message: auth.ErrMFARequired.Error()}
	case errors.Is(err, auth.ErrTokenExpired):
		return apiError{status: http.StatusUnauthorized, code: codeTokenExpired, message: auth.ErrTokenExpired.Error()}
	case errors.Is(err, auth.ErrInvalidInput):
		return apiError{status: http.StatusBadRequest, code: codeValidation, message: auth.Message(err)}
	case errors.Is(err, auth.ErrUnauthenticated):
		return apiError{status: http.StatusUnauthorized, message: auth.Message(err)}
	case errors.Is(err, auth.ErrAccountLocked):
		return apiError{status: http.StatusLocked, code: codeLocked, message: auth.Message(err)}
	case errors.Is(err, auth.ErrMFAEnrollment):
		return apiError{status: http.StatusForbidden, code: codeEnrollMFA, message: auth.Message(err)}
	case errors.Is(err, auth.ErrFeatureDisabled):
		return apiError{status: http.StatusForbidden, code: codeFeatureOff, message: auth.Message(err)}
	case errors.Is(err, auth.ErrForbidden):
		return apiError{status: http.StatusForbidden, message: auth.Message(err)}
	case errors.Is(err, auth.ErrConflict):
		return apiError{status: http.StatusConflict, message: auth.Message(err)}
	case errors.Is(err, auth.ErrNotFound):
		return apiError{status: http.StatusNotFound, message: "Resource not found"}
	case errors.Is(err, auth.ErrRateLimited):
		return apiError{status: http.StatusTooManyRequests, code: codeRateLimited, message: auth.Message(err)}
	default:
		return apiError{status: http.StatusInternalServerError, code: codeInternal, message: internalMessage}
	}
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bind decodes and validates a request body. It writes the failure itself.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, r, apiError{status: http.StatusRequestEntityTooLarge, message: "Request body too large"})
			return false
		}
		a.badRequest(w, r, "Invalid request body: "+err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			a.badRequest(w, r, err.Error())
			return false
		}
		a.writeError(w, r, apiError{
			status:  http.StatusBadRequest,
			code:    codeValidation,
			message: "Validation failed",
			details: fieldErrors(verrs),
		})
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

func fieldErrors(errs validator.ValidationErrors) map[string][]string {
	out := make(map[string][]string, len(errs))
	for _, e := range errs {
		field := e.Field()
		var msg string
		switch e.Tag() {
		case "required":
			msg = field + " is required"
		case "email":
			msg = field + " must be a valid email address"
		case "min":
			msg = fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		case "max":
			msg = fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		case "gte":
			msg = fmt.Sprintf("%s must be greater than or equal to %s", field, e.Param())
		case "lte":
			msg = fmt.Sprintf("%s must be less than or equal to %s", field, e.Param())
		case "len":
			msg = fmt.Sprintf("%s must be %s characters", field, e.Param())
		default:
			msg = fmt.Sprintf("%s failed validation for %s", field, e.Tag())
		}
		out[field] = append(out[field], msg)
	}
	return out
}
