// Package ratelimit limits expensive events to a fixed number per window.
// The window survives daemon restarts through a small state file.
package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// State is the persisted limiter state
type State struct {
	WindowStart time.Time
	Count       int
}

// Config configures a Limiter. A Limit or Window of zero disables limiting.
type Config struct {
	Limit  int
	Window time.Duration
	Path   string
}

// Limiter allows at most Limit events per Window
type Limiter struct {
	mu     sync.Mutex
	fs     afero.Fs
	config Config
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter whose state lives at config.Path on fs
func New(fs afero.Fs, config Config, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		fs:     fs,
		config: config,
		now:    time.Now,
		logger: logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Unlimited reports whether the limiter always allows events
func (l *Limiter) Unlimited() bool {
	return l.config.Limit <= 0 || l.config.Window <= 0
}

// CheckEvent records an event and reports whether it is allowed. Denied
// events do not change the persisted state.
func (l *Limiter) CheckEvent() bool {
	if l.Unlimited() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.load()

	if state.WindowStart.IsZero() || now.Before(state.WindowStart) || !now.Before(state.WindowStart.Add(l.config.Window)) {
		state = State{WindowStart: now}
	}

	if state.Count >= l.config.Limit {
		l.logger.Info("Rejecting event, rate limit reached",
			zap.Int("limit", l.config.Limit),
			zap.Duration("window", l.config.Window),
			zap.Time("window_start", state.WindowStart))
		return false
	}

	state.Count++
	if err := l.save(state); err != nil {
		// The event still goes through; losing history is preferable to losing the event.
		l.logger.Warn("Failed to persist rate limiter state",
			zap.String("path", l.config.Path),
			zap.Error(err))
	}
	return true
}

// load reads the persisted state. Missing or corrupt files yield an empty state.
func (l *Limiter) load() State {
	data, err := afero.ReadFile(l.fs, l.config.Path)
	if err != nil {
		return State{}
	}

	state, err := ParseState(string(data))
	if err != nil {
		l.logger.Warn("Ignoring corrupt rate limiter state",
			zap.String("path", l.config.Path),
			zap.Error(err))
		return State{}
	}
	return state
}

func (l *Limiter) save(state State) error {
	return afero.WriteFile(l.fs, l.config.Path, []byte(FormatState(state)), 0o644)
}

// ParseState decodes "<window start epoch seconds> <count>"
func ParseState(s string) (State, error) {
	var start int64
	var count int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d %d", &start, &count); err != nil {
		return State{}, fmt.Errorf("failed to parse rate limiter state: %w", err)
	}
	if start <= 0 || count < 0 {
		return State{}, fmt.Errorf("invalid rate limiter state %q", s)
	}
	return State{WindowStart: time.Unix(start, 0), Count: count}, nil
}

// FormatState encodes state for persistence
func FormatState(state State) string {
	return fmt.Sprintf("%d %d\n", state.WindowStart.Unix(), state.Count)
}
