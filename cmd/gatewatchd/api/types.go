// Package api provides the HTTP API handlers for the gatewatch dashboard.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	State        string          `json:"state"`
	Connected    bool            `json:"connected"`
	ConnectedAt  *time.Time      `json:"connected_at,omitempty"`
	UptimeMs     int64           `json:"uptime_ms"`
	Protocol     int             `json:"protocol,omitempty"`
	Server       json.RawMessage `json:"server,omitempty"`
	PendingCalls int             `json:"pending_calls"`
	LastSample   *Sample         `json:"last_sample,omitempty"`
}

// CallRequest is the request body for POST /api/v1/call.
type CallRequest struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout string          `json:"timeout,omitempty"`
}

// CallResponse is the response for POST /api/v1/call.
type CallResponse struct {
	Method   string          `json:"method"`
	Result   json.RawMessage `json:"result,omitempty"`
	Duration string          `json:"duration"`
}

// SampleListResponse is the response for GET /api/v1/samples.
type SampleListResponse struct {
	Samples []Sample `json:"samples"`
	Total   int      `json:"total"`
}

// Sample is one connection snapshot in API responses.
type Sample struct {
	ID           int64     `json:"id"`
	TakenAt      time.Time `json:"taken_at"`
	Connected    bool      `json:"connected"`
	State        string    `json:"state"`
	Protocol     int       `json:"protocol,omitempty"`
	PendingCalls int       `json:"pending_calls"`
	UptimeMs     int64     `json:"uptime_ms"`
}

// ProbeListResponse is the response for GET /api/v1/probes.
type ProbeListResponse struct {
	Results []ProbeResult `json:"results"`
	Total   int           `json:"total"`
}

// ProbeResult is one probe check in API responses.
type ProbeResult struct {
	ID         int64     `json:"id"`
	Probe      string    `json:"probe"`
	TakenAt    time.Time `json:"taken_at"`
	OK         bool      `json:"ok"`
	LatencyMs  int64     `json:"latency_ms"`
	StatusCode int       `json:"status_code,omitempty"`
	ErrorLines int       `json:"error_lines,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// AlertListResponse is the response for GET /api/v1/alerts.
type AlertListResponse struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
}

// Alert is one alert in API responses.
type Alert struct {
	ID         int64      `json:"id"`
	Rule       string     `json:"rule"`
	Message    string     `json:"message"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ErrorResponse is the error body for all endpoints.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// writeJSONResponse writes a JSON response.
func writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, ErrorResponse{Error: message})
}
