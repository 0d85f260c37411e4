package devcloud

import (
	"encoding/json"
	"errors"
	"net/http"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// ValidationIssue is one entry of a 422 response, shaped like the
// validation errors of the hosted API so clients print them unchanged.
type ValidationIssue struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

type issues []ValidationIssue

func (is *issues) add(typ, msg string, loc ...any) {
	*is = append(*is, ValidationIssue{Loc: append([]any{"body"}, loc...), Msg: msg, Type: typ})
}

func (is *issues) required(loc ...any) {
	is.add("missing", "Field required", loc...)
}

func (is *issues) positive(value int, loc ...any) {
	if value <= 0 {
		is.add("greater_than", "Input should be greater than 0", loc...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeIssues(w http.ResponseWriter, is issues) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string][]ValidationIssue{"detail": is})
}

// decodeBody reads a JSON body into dst, answering 413 or 422 itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		var is issues
		is.add("json_invalid", "JSON decode error: "+err.Error())
		writeIssues(w, is)
		return false
	}
	return true
}
