package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/store"
)

// maxBodyBytes bounds inbound request bodies. The largest legitimate body
// is an outbound-call request with a full prompt.
const maxBodyBytes = 64 << 10

// errorBody is the JSON error shape of the API.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false,"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

// writeError maps an error to its HTTP status via the fault taxonomy.
// Store lookups surface as 404.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	kind := fault.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), errorBody{
		Error: err.Error(),
		Code:  fault.CodeOf(err),
	})
}

// readBody drains the request body with the size cap applied.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "body_read", err)
	}
	return body, nil
}
