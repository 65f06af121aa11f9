package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gatewatch/gatewatch-go/pkg/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HistoryAPI handles the persisted history endpoints.
type HistoryAPI struct {
	store *store.Store
}

// NewHistoryAPI creates the history API handler.
func NewHistoryAPI(st *store.Store) *HistoryAPI {
	return &HistoryAPI{store: st}
}

// HandleSamples handles GET /api/v1/samples. Query parameters: since
// (lookback duration, e.g. "1h") and limit.
func (a *HistoryAPI) HandleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	since, limit, err := listParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := a.store.ListSamples(since, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "listing samples: "+err.Error())
		return
	}

	resp := SampleListResponse{Samples: make([]Sample, 0, len(samples))}
	for _, s := range samples {
		resp.Samples = append(resp.Samples, Sample{
			ID:           s.ID,
			TakenAt:      s.TakenAt,
			Connected:    s.Connected,
			State:        s.State,
			Protocol:     s.Protocol,
			PendingCalls: s.PendingCalls,
			UptimeMs:     s.UptimeMs,
		})
	}
	resp.Total = len(resp.Samples)

	writeJSONResponse(w, http.StatusOK, resp)
}

// HandleProbes handles GET /api/v1/probes. Query parameters: probe
// (name filter), since and limit.
func (a *HistoryAPI) HandleProbes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	since, limit, err := listParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := a.store.ListProbeResults(r.URL.Query().Get("probe"), since, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "listing probe results: "+err.Error())
		return
	}

	resp := ProbeListResponse{Results: make([]ProbeResult, 0, len(results))}
	for _, pr := range results {
		resp.Results = append(resp.Results, ProbeResult{
			ID:         pr.ID,
			Probe:      pr.Probe,
			TakenAt:    pr.TakenAt,
			OK:         pr.OK,
			LatencyMs:  pr.LatencyMs,
			StatusCode: pr.StatusCode,
			ErrorLines: pr.ErrorLines,
			Detail:     pr.Detail,
		})
	}
	resp.Total = len(resp.Results)

	writeJSONResponse(w, http.StatusOK, resp)
}

// HandleAlerts handles GET /api/v1/alerts. Query parameters: open
// (true restricts to firing alerts) and limit.
func (a *HistoryAPI) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, limit, err := listParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	openOnly := r.URL.Query().Get("open") == "true"
	alerts, err := a.store.ListAlerts(openOnly, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "listing alerts: "+err.Error())
		return
	}

	resp := AlertListResponse{Alerts: make([]Alert, 0, len(alerts))}
	for _, al := range alerts {
		resp.Alerts = append(resp.Alerts, Alert{
			ID:         al.ID,
			Rule:       al.Rule,
			Message:    al.Message,
			OpenedAt:   al.OpenedAt,
			ResolvedAt: al.ResolvedAt,
		})
	}
	resp.Total = len(resp.Alerts)

	writeJSONResponse(w, http.StatusOK, resp)
}

// listParams parses the shared since/limit query parameters.
func listParams(r *http.Request) (time.Time, int, error) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		lookback, err := time.ParseDuration(raw)
		if err != nil || lookback <= 0 {
			return time.Time{}, 0, errInvalidParam("since")
		}
		since = time.Now().Add(-lookback)
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			return time.Time{}, 0, errInvalidParam("limit")
		}
		limit = n
	}

	return since, limit, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return "invalid " + string(e) + " parameter"
}
