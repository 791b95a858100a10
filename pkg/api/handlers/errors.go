package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hearth/hearth/pkg/api/middleware"
	"github.com/hearth/hearth/pkg/api/response"
	"github.com/hearth/hearth/pkg/engine"
	"github.com/hearth/hearth/pkg/memory"
	"github.com/hearth/hearth/pkg/storage"
	"github.com/hearth/hearth/pkg/syncer"
)

// validate checks request bodies. Field names in errors are the JSON names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON decodes and validates a request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes: %w", maxErr.Limit, response.ErrPayloadTooLarge)
		}
		return fmt.Errorf("invalid JSON body: %v: %w", err, response.ErrInvalidInput)
	}
	return validate.Struct(dst)
}

// writeError maps an error to the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := make(map[string]any, len(fieldErrs))
		for _, fe := range fieldErrs {
			details[fe.Field()] = fieldMessage(fe)
		}
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
			"request validation failed", details, requestID)
		return
	}

	var invalid *engine.InvalidRequestError
	if errors.As(err, &invalid) {
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
			invalid.Error(), map[string]any{invalid.Field: invalid.Message}, requestID)
		return
	}

	status := statusFromError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	response.Error(w, status, response.ErrorCodeFromStatus(status), message, requestID)
}

func statusFromError(err error) int {
	var notRunning *engine.NotRunningError
	switch {
	case errors.As(err, &notRunning):
		return http.StatusServiceUnavailable
	case storage.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrInvalidMemory),
		errors.Is(err, memory.ErrInvalidProject):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrContentImmutable),
		errors.Is(err, engine.ErrSyncDisabled),
		errors.Is(err, engine.ErrPatternsDisabled),
		errors.Is(err, syncer.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return response.HTTPStatusFromError(err)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "required_without":
		return fmt.Sprintf("is required when %s is absent", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
