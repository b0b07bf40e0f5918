package apierr

import (
	"encoding/json"
	"net/http"
)

// Body is the error envelope every rejection is returned in.
type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write renders err as a JSON error body with its classified status.
// Internal errors never leak their message.
func Write(w http.ResponseWriter, err error) {
	code, status := Classify(err)
	msg := err.Error()
	if code == CodeInternal || code == CodeLedgerWriteFailed {
		msg = "internal server error"
	}

	data, _ := json.Marshal(Body{Error: Detail{Code: code, Message: msg}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
