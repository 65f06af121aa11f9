package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gatewatch/gatewatch-go/pkg/wire"
)

// callResult is delivered on a pending call's channel exactly once.
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

// pendingTable correlates responses to in-flight requests by id.
//
// Every entry completes exactly once: resolve, reject, timeout and
// expireAll all remove the entry under the lock before delivering, so
// late or duplicate responses find nothing to complete.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add registers a new pending call and arms its timeout. The returned
// channel is buffered; the completion paths never block on it.
func (t *pendingTable) add(id, method string, timeout time.Duration) (<-chan callResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[id]; exists {
		return nil, fmt.Errorf("duplicate call id %q", id)
	}

	pc := &pendingCall{
		method: method,
		ch:     make(chan callResult, 1),
	}
	pc.timer = time.AfterFunc(timeout, func() {
		t.reject(id, &TimeoutError{Method: method, Timeout: timeout})
	})
	t.calls[id] = pc
	return pc.ch, nil
}

// take removes and returns the entry for id, stopping its timer.
// Returns nil if the id is unknown (late response, duplicate, expired).
func (t *pendingTable) take(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	pc.timer.Stop()
	return pc
}

// resolve completes the call with a payload. Returns false if the id is
// unknown.
func (t *pendingTable) resolve(id string, payload json.RawMessage) bool {
	pc := t.take(id)
	if pc == nil {
		return false
	}
	pc.ch <- callResult{payload: payload}
	return true
}

// reject completes the call with an error. Returns false if the id is
// unknown.
func (t *pendingTable) reject(id string, err error) bool {
	pc := t.take(id)
	if pc == nil {
		return false
	}
	pc.ch <- callResult{err: err}
	return true
}

// rejectRemote completes the call with a *RemoteError built from the
// server's error object. Returns false if the id is unknown.
func (t *pendingTable) rejectRemote(id string, respErr *wire.ResponseError) bool {
	pc := t.take(id)
	if pc == nil {
		return false
	}
	re := &RemoteError{Method: pc.method, Message: "request failed"}
	if respErr != nil {
		if respErr.Message != "" {
			re.Message = respErr.Message
		}
		re.Code = respErr.Code
		re.Details = respErr.Details
	}
	pc.ch <- callResult{err: re}
	return true
}

// abandon removes the call without completing it. Used when the caller
// stops waiting.
func (t *pendingTable) abandon(id string) {
	t.take(id)
}

// expireAll rejects every pending call with err and empties the table.
// Returns how many calls were rejected.
func (t *pendingTable) expireAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.ch <- callResult{err: err}
	}
	return len(calls)
}

// len returns the number of in-flight calls.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
