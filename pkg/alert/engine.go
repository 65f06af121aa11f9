// Package alert turns monitoring observations into alerts. An engine
// consumes connection samples and probe results, tracks per-rule state
// and emits one notification when a rule fires and one when it
// resolves. Transitions are persisted through an AlertStore.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewatch/gatewatch-go/pkg/probe"
)

// Rule names.
const (
	RuleGatewayDisconnected = "gateway-disconnected"
	RuleProbeFailure        = "probe-failure"
	RuleLogErrors           = "log-errors"
)

// Event is a rule transition.
type Event struct {
	Rule    string    `json:"rule"`
	Firing  bool      `json:"firing"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	AlertID int64     `json:"alertId,omitempty"`
}

// Notifier delivers rule transitions. Implementations are called
// outside the engine lock and may block briefly.
type Notifier interface {
	Notify(ev Event) error
}

// AlertStore persists rule transitions. *store.Store satisfies it.
type AlertStore interface {
	OpenAlert(rule, message string, at time.Time) (int64, error)
	ResolveAlert(id int64, at time.Time) error
}

// Config tunes the rules.
type Config struct {
	// DisconnectedGrace is how long the gateway may be not-ready before
	// the disconnected rule fires (default: 1m).
	DisconnectedGrace time.Duration

	// ProbeFailures is the consecutive-failure count that fires the
	// probe rule (default: 3).
	ProbeFailures int

	// LogErrorThreshold fires the log rule when more error lines than
	// this appear within LogErrorWindow (default: 10 in 5m).
	LogErrorThreshold int
	LogErrorWindow    time.Duration

	// Store persists transitions. Optional; the engine still notifies
	// without one.
	Store AlertStore

	// Notifiers receive every transition.
	Notifiers []Notifier

	// Logger receives operational logs. The zero value is disabled.
	Logger zerolog.Logger
}

type logSample struct {
	at    time.Time
	count int
}

// Engine evaluates the rules. All timing derives from observation
// timestamps, so behavior is deterministic for a given input sequence.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu                sync.Mutex
	disconnectedSince time.Time
	firing            map[string]int64
	consecutive       map[string]int
	logWindow         []logSample
}

// New creates an alert engine.
func New(cfg Config) *Engine {
	if cfg.DisconnectedGrace <= 0 {
		cfg.DisconnectedGrace = time.Minute
	}
	if cfg.ProbeFailures <= 0 {
		cfg.ProbeFailures = 3
	}
	if cfg.LogErrorThreshold <= 0 {
		cfg.LogErrorThreshold = 10
	}
	if cfg.LogErrorWindow <= 0 {
		cfg.LogErrorWindow = 5 * time.Minute
	}
	return &Engine{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "alert").Logger(),
		firing:      make(map[string]int64),
		consecutive: make(map[string]int),
	}
}

// ObserveStatus feeds one connection snapshot. The disconnected rule
// fires once the gateway has been not-ready for the grace period and
// resolves on the next ready snapshot.
func (e *Engine) ObserveStatus(connected bool, at time.Time) {
	e.mu.Lock()
	var events []Event

	if connected {
		e.disconnectedSince = time.Time{}
		events = e.resolveLocked(RuleGatewayDisconnected, RuleGatewayDisconnected,
			"gateway connection restored", at)
	} else {
		if e.disconnectedSince.IsZero() {
			e.disconnectedSince = at
		}
		if down := at.Sub(e.disconnectedSince); down >= e.cfg.DisconnectedGrace {
			events = e.fireLocked(RuleGatewayDisconnected, RuleGatewayDisconnected,
				fmt.Sprintf("gateway not ready for %s", down.Round(time.Second)), at)
		}
	}
	e.mu.Unlock()

	e.dispatch(events)
}

// ObserveProbe feeds one probe result. Failures fire after the
// configured consecutive count; a success resolves. Results from the
// log probe additionally feed the error-rate window.
func (e *Engine) ObserveProbe(res probe.Result) {
	e.mu.Lock()
	var events []Event

	key := RuleProbeFailure + ":" + res.Probe
	if res.OK {
		e.consecutive[res.Probe] = 0
		events = e.resolveLocked(key, RuleProbeFailure,
			fmt.Sprintf("probe %s recovered", res.Probe), res.TakenAt)
	} else {
		e.consecutive[res.Probe]++
		if n := e.consecutive[res.Probe]; n >= e.cfg.ProbeFailures {
			msg := fmt.Sprintf("probe %s failed %d times in a row", res.Probe, n)
			if res.Detail != "" {
				msg += ": " + res.Detail
			}
			events = e.fireLocked(key, RuleProbeFailure, msg, res.TakenAt)
		}
	}

	if res.Probe == "logs" && res.OK {
		events = append(events, e.observeLogCountLocked(res.TakenAt, res.ErrorLines)...)
	}
	e.mu.Unlock()

	e.dispatch(events)
}

func (e *Engine) observeLogCountLocked(at time.Time, count int) []Event {
	e.logWindow = append(e.logWindow, logSample{at: at, count: count})

	cutoff := at.Add(-e.cfg.LogErrorWindow)
	kept := e.logWindow[:0]
	total := 0
	for _, s := range e.logWindow {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		total += s.count
	}
	e.logWindow = kept

	if total > e.cfg.LogErrorThreshold {
		return e.fireLocked(RuleLogErrors, RuleLogErrors,
			fmt.Sprintf("%d error lines in the last %s", total, e.cfg.LogErrorWindow), at)
	}
	return e.resolveLocked(RuleLogErrors, RuleLogErrors,
		"log error rate back under threshold", at)
}

// fireLocked transitions a rule to firing. Re-firing an already firing
// rule is a no-op: one notification per incident.
func (e *Engine) fireLocked(key, rule, message string, at time.Time) []Event {
	if _, ok := e.firing[key]; ok {
		return nil
	}

	var id int64
	if e.cfg.Store != nil {
		var err error
		id, err = e.cfg.Store.OpenAlert(rule, message, at)
		if err != nil {
			e.logger.Error().Err(err).Str("rule", rule).Msg("cannot persist alert")
		}
	}
	e.firing[key] = id

	e.logger.Warn().Str("rule", rule).Str("message", message).Msg("alert firing")
	return []Event{{Rule: rule, Firing: true, Message: message, At: at, AlertID: id}}
}

func (e *Engine) resolveLocked(key, rule, message string, at time.Time) []Event {
	id, ok := e.firing[key]
	if !ok {
		return nil
	}
	delete(e.firing, key)

	if e.cfg.Store != nil && id != 0 {
		if err := e.cfg.Store.ResolveAlert(id, at); err != nil {
			e.logger.Error().Err(err).Str("rule", rule).Msg("cannot resolve alert")
		}
	}

	e.logger.Info().Str("rule", rule).Str("message", message).Msg("alert resolved")
	return []Event{{Rule: rule, Firing: false, Message: message, At: at, AlertID: id}}
}

func (e *Engine) dispatch(events []Event) {
	for _, ev := range events {
		for _, n := range e.cfg.Notifiers {
			if err := n.Notify(ev); err != nil {
				e.logger.Warn().Err(err).Str("rule", ev.Rule).Msg("notifier failed")
			}
		}
	}
}

// FiringRules returns the rules currently firing, for status endpoints.
func (e *Engine) FiringRules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := make([]string, 0, len(e.firing))
	for key := range e.firing {
		rules = append(rules, key)
	}
	return rules
}
