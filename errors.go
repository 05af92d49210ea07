package main

import (
	"errors"
	"net/http"
)

// Error kinds surfaced by the inventory adapter.
// Adapter errors wrap one of these plus the underlying cause, so callers
// check the kind with errors.Is and still get the full message in logs.
var (
	// ErrStoreUnavailable covers any failed read or write against the document store
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrImageDecode means an uploaded file could not be read or is not an image
	ErrImageDecode = errors.New("image could not be decoded")

	// ErrInvalidItemName means the submitted name cannot be used as a document key
	ErrInvalidItemName = errors.New("invalid item name")

	// ErrNotFound is returned by point lookups for a key that does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict means a write kept losing to other writers of the same
	// document. The store is healthy; the client can simply retry.
	ErrConflict = errors.New("write conflict")
)

// errBadRequest is for request bodies that cannot be parsed at all
var errBadRequest = errors.New("bad request")

// apiError is the JSON body returned for every failed request:
//
//	{"error":"STORE_UNAVAILABLE","message":"store unavailable: list inventory: ..."}
type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	status  int
}

// classifyError maps an error to the HTTP status and code the client sees.
// Anything not recognised is an internal error.
func classifyError(err error) apiError {
	switch {
	case errors.Is(err, errBadRequest):
		return apiError{Code: "BAD_REQUEST", Message: err.Error(), status: http.StatusBadRequest}
	case errors.Is(err, ErrInvalidItemName):
		return apiError{Code: "INVALID_ITEM_NAME", Message: err.Error(), status: http.StatusBadRequest}
	case errors.Is(err, ErrImageDecode):
		return apiError{Code: "IMAGE_DECODE_ERROR", Message: err.Error(), status: http.StatusUnprocessableEntity}
	case errors.Is(err, ErrNotFound):
		return apiError{Code: "NOT_FOUND", Message: err.Error(), status: http.StatusNotFound}
	case errors.Is(err, ErrConflict):
		return apiError{Code: "CONFLICT", Message: err.Error(), status: http.StatusConflict}
	case errors.Is(err, ErrStoreUnavailable):
		return apiError{Code: "STORE_UNAVAILABLE", Message: err.Error(), status: http.StatusServiceUnavailable}
	default:
		return apiError{Code: "INTERNAL", Message: err.Error(), status: http.StatusInternalServerError}
	}
}
