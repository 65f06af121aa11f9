package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gatewatch/gatewatch-go/pkg/connection"
	"github.com/gatewatch/gatewatch-go/pkg/gateway"
	"github.com/gatewatch/gatewatch-go/pkg/store"
)

// Gateway is the subset of the gateway client the API uses.
type Gateway interface {
	State() connection.State
	Status() gateway.Status
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// SampleSource provides the most recent persisted sample.
type SampleSource interface {
	LatestSample() (*store.Sample, error)
}

// maxCallTimeout caps the per-request timeout override.
const maxCallTimeout = 5 * time.Minute

// GatewayAPI handles the status and call endpoints.
type GatewayAPI struct {
	gw      Gateway
	samples SampleSource
}

// NewGatewayAPI creates the gateway API handler. samples may be nil.
func NewGatewayAPI(gw Gateway, samples SampleSource) *GatewayAPI {
	return &GatewayAPI{gw: gw, samples: samples}
}

// HandleStatus handles GET /api/v1/status.
func (a *GatewayAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := a.gw.Status()
	resp := StatusResponse{
		State:        a.gw.State().String(),
		Connected:    status.Connected,
		UptimeMs:     status.Uptime.Milliseconds(),
		Protocol:     status.Protocol,
		Server:       status.Server,
		PendingCalls: status.PendingCalls,
	}
	if !status.ConnectedAt.IsZero() {
		at := status.ConnectedAt
		resp.ConnectedAt = &at
	}

	if a.samples != nil {
		if last, err := a.samples.LatestSample(); err == nil && last != nil {
			resp.LastSample = &Sample{
				ID:           last.ID,
				TakenAt:      last.TakenAt,
				Connected:    last.Connected,
				State:        last.State,
				Protocol:     last.Protocol,
				PendingCalls: last.PendingCalls,
				UptimeMs:     last.UptimeMs,
			}
		}
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

// HandleCall handles POST /api/v1/call. The request is forwarded to the
// gateway and the result passed through verbatim.
func (a *GatewayAPI) HandleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Method == "" {
		writeJSONError(w, http.StatusBadRequest, "method is required")
		return
	}

	ctx := r.Context()
	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil || timeout <= 0 || timeout > maxCallTimeout {
			writeJSONError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}

	start := time.Now()
	result, err := a.gw.Call(ctx, req.Method, params)
	if err != nil {
		writeCallError(w, req.Method, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, CallResponse{
		Method:   req.Method,
		Result:   result,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	})
}

// writeCallError maps gateway failures onto HTTP status codes.
func writeCallError(w http.ResponseWriter, method string, err error) {
	var remoteErr *gateway.RemoteError
	var timeoutErr *gateway.TimeoutError

	switch {
	case errors.Is(err, gateway.ErrNotReady):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, gateway.ErrConnectionClosed):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &timeoutErr):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &remoteErr):
		writeJSONResponse(w, http.StatusBadGateway, ErrorResponse{
			Error:   remoteErr.Message,
			Code:    remoteErr.Code,
			Details: remoteErr.Details,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "call "+method+" canceled: "+err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
