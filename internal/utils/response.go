package utils

import (
	"encoding/json"
	"net/http"
	"time"

	"ms-fulfillment/internal/apperror"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Code      string      `json:"code,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}

func WriteJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// StatusFor maps an error to the HTTP status it is reported with.
func StatusFor(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindInvalidState, apperror.KindInvalidTransition, apperror.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError reports err in the response envelope. Internal errors are not echoed to clients.
func WriteError(w http.ResponseWriter, message string, err error) int {
	status := StatusFor(err)
	resp := ErrorResponse(message, err.Error())
	resp.Code = string(apperror.KindOf(err))
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
		resp.Code = "internal"
	}
	WriteJSON(w, status, resp)
	return status
}
