// Package models defines the core data structures for BookingPipe.
//
// It includes the conversation context, flow lock, classification result and decision types shared
// by the engine, the store and the HTTP surface.
package models

import "errors"

// Error variables for better error handling and testability
var (
	ErrInvalidEvent        = errors.New("invalid inbound event")
	ErrInvalidContext      = errors.New("invalid conversation context")
	ErrInvalidLock         = errors.New("invalid flow lock")
	ErrContextLoad         = errors.New("conversation context load failed")
	ErrContextSave         = errors.New("conversation context save failed")
	ErrUnknownTenant       = errors.New("unknown tenant")
	ErrSystemStateAsIntent = errors.New("system flow state is not a business intent")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK        APIStatus = "ok"
	APIStatusError     APIStatus = "error"
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
