// Package response provides JSON response helpers for API handlers.
//
// Every response body follows the wire contract shared by the FM and DO
// services: {"success": bool, "message": string, "data": ...}.
package response

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/errors"
)

// Response is the standard API response envelope.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"`
}

// JSON writes a success response with the given status code.
func JSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Message: message, Data: data}); err != nil {
		// Log error but can't do much else at this point
		http.Error(w, `{"success":false,"message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, message string, data any) {
	JSON(w, http.StatusOK, message, data)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, message string, data any) {
	JSON(w, http.StatusCreated, message, data)
}

// Accepted writes a 202 Accepted response.
func Accepted(w http.ResponseWriter, message string, data any) {
	JSON(w, http.StatusAccepted, message, data)
}

// Error writes an error response. The status code comes from the APIError;
// non-API errors map to 500 with the original message preserved.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(Response{Success: false, Message: apiErr.Message, Error: apiErr})
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, apierrors.ErrBadRequest.WithMessage(message))
}

// WrongRole writes a 403 Forbidden error response.
func WrongRole(w http.ResponseWriter) {
	Error(w, apierrors.ErrWrongRole)
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, apierrors.NewNotFoundError(resource))
}

// ValidationError writes a 400 validation error response.
func ValidationError(w http.ResponseWriter, field, message string) {
	Error(w, apierrors.NewValidationError(field, message))
}
