package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/obs"
)

const maxJSONBody = 1 << 20

var errEmptyBody = errors.New("request body is required")

// envelope is the shape of every JSON response.
type envelope struct {
	Success   bool              `json:"success"`
	Data      any               `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, code int, data any, msg string) {
	writeJSON(w, code, envelope{
		Success:   true,
		Data:      data,
		Message:   msg,
		RequestID: auth.MetaFromContext(r.Context()).RequestID,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, envelope{
		Error:     msg,
		RequestID: auth.MetaFromContext(r.Context()).RequestID,
	})
}

func writeFieldErrors(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, envelope{
		Error:     "validation failed",
		Errors:    fields,
		RequestID: auth.MetaFromContext(r.Context()).RequestID,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxJSONBody)
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

// decodeOptionalJSON accepts an empty body and leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

// bind decodes and validates a request body. It writes the 400 itself and
// reports false when the request should stop.
func bind(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	decode := decodeJSON
	if optional {
		decode = decodeOptionalJSON
	}
	if err := decode(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		if fields := fieldErrors(err); fields != nil {
			writeFieldErrors(w, r, fields)
			return false
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		switch fe.Tag() {
		case "required":
			out[name] = "is required"
		case "email":
			out[name] = "must be a valid email"
		case "oneof":
			out[name] = "must be one of: " + fe.Param()
		case "min":
			out[name] = "must be at least " + fe.Param()
		case "max":
			out[name] = "must be at most " + fe.Param()
		default:
			out[name] = "failed " + fe.Tag()
		}
	}
	return out
}

// handleError maps domain errors onto status codes. Unknown errors are
// logged and reported as 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, audit.ErrUnavailable):
		obs.From(r.Context()).Error("audit write failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "audit log unavailable")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	default:
		obs.From(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
