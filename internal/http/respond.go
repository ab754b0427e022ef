package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/example/trip-dispatch/internal/errs"
)

const maxBodyBytes = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the shared validator, reporting fields by their JSON
// names.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

type errorPayload struct {
	Kind          errs.Kind         `json:"kind"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err for the caller. Internal causes are logged under
// the request's correlation id and never written to the response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, msg, details := errs.Public(err)
	rid := requestIDFromContext(r.Context())
	switch errs.KindOf(err) {
	case errs.Internal:
		s.logger.Error("request failed", "correlation_id", rid, "method", r.Method, "path", r.URL.Path, "error", err)
	case errs.Unavailable:
		s.logger.Warn("request rejected", "correlation_id", rid, "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, errs.HTTPStatus(kind), errorBody{Error: errorPayload{
		Kind:          kind,
		Message:       msg,
		Details:       details,
		CorrelationID: rid,
	}})
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return errs.Invalid(fmt.Sprintf("malformed request body: %v", err))
		}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return errs.Invalid("invalid request")
	}
	details := make(map[string]string, len(ve))
	for _, fe := range ve {
		details[fe.Field()] = fieldMessage(fe)
	}
	return errs.Invalid("validation failed").WithDetails(details)
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "latitude":
		return "must be a valid latitude (-90 to 90)"
	case "longitude":
		return "must be a valid longitude (-180 to 180)"
	case "max":
		return "must be at most " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	case "lte":
		return "must be less than or equal to " + e.Param()
	default:
		return "is invalid"
	}
}
