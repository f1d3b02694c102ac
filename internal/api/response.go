package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func WriteText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// RequestError is a body that could not be decoded or failed validation.
type RequestError struct {
	Reason string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DecodeRequest reads a JSON body into v and validates it. The body may
// also be a JSON string holding the JSON object.
func DecodeRequest(r *http.Request, maxBytes int64, validate *validator.Validate, v any) error {
	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(nil, r.Body, maxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return &RequestError{Reason: "failed to read request body", Err: err}
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return &RequestError{Reason: "the payload was not valid JSON", Err: err}
		}
		data = []byte(inner)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &RequestError{Reason: "the payload was not valid JSON", Err: err}
	}
	if validate != nil {
		if err := validate.Struct(v); err != nil {
			return &RequestError{Reason: "schema validation failed", Err: err}
		}
	}
	return nil
}

func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
