package errors

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatJSON_BasicError(t *testing.T) {
	err := New(CodeIONotExist, "file not found", nil).
		WithDetail("path", "/foo/bar.txt")

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, CodeIONotExist, result["code"])
	assert.Equal(t, "file not found", result["message"])
	assert.Equal(t, string(KindPermanentIO), result["kind"])

	details, ok := result["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/foo/bar.txt", details["path"])
}

func TestFormatJSON_StandardError(t *testing.T) {
	err := errors.New("generic error")

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, "generic error", result["message"])
}

func TestFormatJSON_NilError(t *testing.T) {
	data, err := FormatJSON(nil)
	assert.NoError(t, err)
	assert.Equal(t, "null", strings.TrimSpace(string(data)))
}

func TestFormatJSON_WithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := New(CodeStorageBusy, "operation failed", cause)

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, "underlying error", result["cause"])
}

func TestLogAttrs_BasicError(t *testing.T) {
	err := New(CodeCorruptIndex, "index damaged", nil)
	attrs := LogAttrs(err)

	assert.Equal(t, CodeCorruptIndex, attrs["error_code"])
	assert.Equal(t, string(KindCorruption), attrs["kind"])
}

func TestLogAttrs_NilError(t *testing.T) {
	assert.Nil(t, LogAttrs(nil))
}
