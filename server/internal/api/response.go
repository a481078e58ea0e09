package api

import (
	"encoding/json"
	"net/http"

	"labelberry/common/model"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   model.ErrorKind `json:"error"`
	Message string          `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind model.ErrorKind, msg string) {
	writeJSON(w, status, errorBody{Error: kind, Message: msg})
}
