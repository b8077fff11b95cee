// Package api holds the JSON wire types shared by the attachd server and
// client.
package api

// ErrorResponse is returned by every failing JSON endpoint.
type ErrorResponse struct {
	// ErrorCode is the stable attachd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RequestID echoes the server generated request identifier.
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is returned by the readiness probe.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
