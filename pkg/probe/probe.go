// Package probe polls the gateway host's side-channel status endpoints
// and reports observations to a sink. A failed check is a result, not an
// error: the runner keeps polling.
package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// maxBodyBytes bounds how much of a probe response is read.
const maxBodyBytes = 1 << 20

// Result is one probe observation.
type Result struct {
	Probe      string
	TakenAt    time.Time
	OK         bool
	Latency    time.Duration
	StatusCode int
	ErrorLines int
	Detail     string
}

// Sink receives probe results. Implementations must not block.
type Sink func(Result)

// Prober runs one kind of check against the gateway host.
type Prober interface {
	Name() string
	Check(ctx context.Context) Result
}

// HealthProbe polls GET <base>/health and expects a 200 with an
// {"status":"ok"} body.
type HealthProbe struct {
	url    string
	client *http.Client
}

var _ Prober = (*HealthProbe)(nil)

// NewHealthProbe creates a health probe against baseURL.
func NewHealthProbe(baseURL string, timeout time.Duration) *HealthProbe {
	return &HealthProbe{
		url:    strings.TrimRight(baseURL, "/") + "/health",
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HealthProbe) Name() string { return "health" }

func (p *HealthProbe) Check(ctx context.Context) Result {
	res := Result{Probe: p.Name(), TakenAt: time.Now()}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	resp, err := p.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		res.Detail = fmt.Sprintf("reading body: %v", err)
		return res
	}

	if resp.StatusCode != http.StatusOK {
		res.Detail = fmt.Sprintf("status %d", resp.StatusCode)
		return res
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err == nil && health.Status != "" && health.Status != "ok" {
		res.Detail = fmt.Sprintf("status %q", health.Status)
		return res
	}

	res.OK = true
	return res
}

// LogProbe polls GET <base>/logs/tail?lines=N and counts error-level
// lines in the returned tail.
type LogProbe struct {
	url    string
	client *http.Client
}

var _ Prober = (*LogProbe)(nil)

// NewLogProbe creates a log-tail probe against baseURL fetching the last
// `lines` lines.
func NewLogProbe(baseURL string, lines int, timeout time.Duration) *LogProbe {
	return &LogProbe{
		url:    fmt.Sprintf("%s/logs/tail?lines=%d", strings.TrimRight(baseURL, "/"), lines),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *LogProbe) Name() string { return "logs" }

func (p *LogProbe) Check(ctx context.Context) Result {
	res := Result{Probe: p.Name(), TakenAt: time.Now()}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	resp, err := p.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		res.Detail = fmt.Sprintf("status %d", resp.StatusCode)
		return res
	}

	scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxBodyBytes))
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	count := 0
	for scanner.Scan() {
		if isErrorLine(scanner.Text()) {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		res.Detail = fmt.Sprintf("reading tail: %v", err)
		return res
	}

	res.OK = true
	res.ErrorLines = count
	if count > 0 {
		res.Detail = fmt.Sprintf("%d error lines", count)
	}
	return res
}

// errorMarkers are the error-level markers recognized across the common
// log formats (plaintext, logfmt, JSON).
var errorMarkers = []string{
	" ERROR ",
	"[ERROR]",
	"level=error",
	`"level":"error"`,
}

func isErrorLine(line string) bool {
	for _, marker := range errorMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
