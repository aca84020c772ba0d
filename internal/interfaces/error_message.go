// Package interfaces defines the contracts and shared structures used between
// the gateway's HTTP handlers and the components behind them.
package interfaces

import "net/http"

// ErrorMessage encapsulates an error with an associated HTTP status code.
type ErrorMessage struct {
	// StatusCode is the HTTP status code reported to the client.
	StatusCode int

	// Error is the underlying error that occurred.
	Error error

	// Param names the offending request field, if any.
	Param string

	// Addon contains additional headers to be added to the response.
	Addon http.Header
}
