package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	for _, method := range allowed {
		w.Header().Add("Allow", method)
	}
	writeError(w, http.StatusMethodNotAllowed, errors.New("method "+r.Method+" not allowed"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeJSONAllowUnknown is used for payloads owned by third parties, which
// grow fields over time.
func decodeJSONAllowUnknown(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest)
}
