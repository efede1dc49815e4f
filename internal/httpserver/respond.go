package httpserver

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON envelope for error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Respond writes data as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an ErrorResponse as a JSON response.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}
