package errors

import (
	"encoding/json"
)

// jsonError is the wire representation of a KBError for diagnostic logging
// or any future external surface.
type jsonError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Kind      string            `json:"kind"`
	Details   map[string]string `json:"details,omitempty"`
	Cause     string            `json:"cause,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of err, or "null" for a nil error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ke, ok := err.(*KBError)
	if !ok {
		ke = Wrap(CodeQueryInvalidParam, err)
	}

	je := jsonError{
		Code:      ke.Code,
		Message:   ke.Message,
		Kind:      string(ke.Kind),
		Details:   ke.Details,
		Retryable: ke.Retryable,
	}
	if ke.Cause != nil {
		je.Cause = ke.Cause.Error()
	}

	return json.Marshal(je)
}

// LogAttrs returns key-value pairs suitable for slog.Any("error", ...) style
// structured logging of a KBError.
func LogAttrs(err error) map[string]any {
	if err == nil {
		return nil
	}

	ke, ok := err.(*KBError)
	if !ok {
		return map[string]any{"error": err.Error()}
	}

	attrs := map[string]any{
		"error_code": ke.Code,
		"kind":       string(ke.Kind),
		"message":    ke.Message,
		"retryable":  ke.Retryable,
	}
	if ke.Cause != nil {
		attrs["cause"] = ke.Cause.Error()
	}
	for k, v := range ke.Details {
		attrs["detail_"+k] = v
	}
	return attrs
}
