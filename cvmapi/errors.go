package cvmapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is returned for every non-2xx response. Body holds the raw
// response body, which for validation failures lists the offending fields.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned error %d: %s", e.Method, e.Path, e.StatusCode, string(e.Body))
}

// IsValidation reports a 422 Unprocessable Entity response.
func (e *APIError) IsValidation() bool {
	return e.StatusCode == http.StatusUnprocessableEntity
}

func (e *APIError) IsBadRequest() bool {
	return e.StatusCode == http.StatusBadRequest
}

func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// PrettyBody returns the body indented by two spaces when it is JSON, and
// verbatim otherwise.
func (e *APIError) PrettyBody() string {
	var out bytes.Buffer
	if err := json.Indent(&out, e.Body, "", "  "); err != nil {
		return string(e.Body)
	}
	return out.String()
}
