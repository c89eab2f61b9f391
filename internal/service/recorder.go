package service

import (
	"context"
	"fmt"
	"sync"
	"syscall"
)

// Recorder is an in-memory Manager that records every call
type Recorder struct {
	mu    sync.Mutex
	calls []string

	// Running lists units considered active by RestartIfRunning
	Running map[string]bool

	// State is returned by SystemState
	State string

	// Err, when set, is returned by every operation
	Err error
}

// NewRecorder creates a recorder reporting the "running" system state
func NewRecorder() *Recorder {
	return &Recorder{Running: map[string]bool{}, State: "running"}
}

func (r *Recorder) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.Err
}

// Calls returns the recorded calls in order
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Restart implements Manager
func (r *Recorder) Restart(ctx context.Context, unit string) error {
	return r.record("restart " + unit)
}

// RestartIfRunning implements Manager
func (r *Recorder) RestartIfRunning(ctx context.Context, unit string) error {
	r.mu.Lock()
	running := r.Running[unit]
	r.mu.Unlock()
	if !running {
		return r.record("skip " + unit)
	}
	return r.record("restart " + unit)
}

// Kill implements Manager
func (r *Recorder) Kill(ctx context.Context, unit string, sig syscall.Signal) error {
	return r.record(fmt.Sprintf("kill %s %d", unit, int(sig)))
}

// SystemState implements Manager
func (r *Recorder) SystemState(ctx context.Context) (string, error) {
	if err := r.record("system-state"); err != nil {
		return "", err
	}
	return r.State, nil
}

// Close implements Manager
func (r *Recorder) Close() {}
