// Package debounce decides when a user's pending messages become a batch.
//
// Every user has at most one flush window. A window is armed by the first
// message after idle, fires after a period of silence (reset by each message)
// or at an absolute ceiling measured from arming, whichever comes first.
package debounce

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStopped is returned by OnActivity after Stop.
	ErrStopped = errors.New("debounce: scheduler stopped")
	// ErrInvalidConfig is returned by New for unusable durations.
	ErrInvalidConfig = errors.New("debounce: invalid config")
)

// State is the per-user window state.
type State uint8

const (
	Idle State = iota
	Armed
	Fired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Reason tells the fire callback which timer won.
type Reason uint8

const (
	ReasonSilence Reason = iota + 1
	ReasonCeiling
)

func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonCeiling:
		return "ceiling"
	default:
		return "unknown"
	}
}

// FireFunc is invoked once per window, outside any scheduler lock.
type FireFunc func(userID string, reason Reason)

// Stats counts scheduler events since construction.
type Stats struct {
	Arms    int64
	Resets  int64
	Fires   int64
	Cancels int64
}

type window struct {
	mu      sync.Mutex
	state   State
	gen     uint64
	quietID uint64

	silence *time.Timer
	ceiling *time.Timer
}

// Scheduler owns the flush windows of all users.
type Scheduler struct {
	silence time.Duration
	ceiling time.Duration
	onFire  FireFunc
	log     *slog.Logger

	windows sync.Map // userID -> *window
	stopped atomic.Bool

	active  atomic.Int64
	arms    atomic.Int64
	resets  atomic.Int64
	fires   atomic.Int64
	cancels atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for debug events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// New constructs a Scheduler. silence must not exceed ceiling.
func New(silence, ceiling time.Duration, onFire FireFunc, opts ...Option) (*Scheduler, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("%w: ceiling must be > 0", ErrInvalidConfig)
	}
	if silence < 0 {
		return nil, fmt.Errorf("%w: silence must be >= 0", ErrInvalidConfig)
	}
	if silence > ceiling {
		return nil, fmt.Errorf("%w: silence %s exceeds ceiling %s", ErrInvalidConfig, silence, ceiling)
	}
	if onFire == nil {
		return nil, fmt.Errorf("%w: nil fire callback", ErrInvalidConfig)
	}

	s := &Scheduler{
		silence: silence,
		ceiling: ceiling,
		onFire:  onFire,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Scheduler) windowFor(userID string) *window {
	if v, ok := s.windows.Load(userID); ok {
		return v.(*window)
	}
	v, _ := s.windows.LoadOrStore(userID, &window{})
	return v.(*window)
}

// OnActivity records a message for userID. It arms a window when none is
// armed and restarts the silence timer either way. The ceiling is never reset.
func (s *Scheduler) OnActivity(userID string) error {
	if s.stopped.Load() {
		return ErrStopped
	}

	w := s.windowFor(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if s.stopped.Load() {
		return ErrStopped
	}

	if w.state != Armed {
		w.gen++
		w.state = Armed
		gen := w.gen
		w.ceiling = time.AfterFunc(s.ceiling, func() { s.fire(userID, w, gen, 0, ReasonCeiling) })
		s.arms.Add(1)
		s.active.Add(1)
	} else {
		s.resets.Add(1)
	}

	if w.silence != nil {
		w.silence.Stop()
	}
	w.quietID++
	gen, quiet := w.gen, w.quietID
	w.silence = time.AfterFunc(s.silence, func() { s.fire(userID, w, gen, quiet, ReasonSilence) })
	return nil
}

// fire runs the callback if the timer still belongs to the armed window.
// quiet is zero for the ceiling timer.
func (s *Scheduler) fire(userID string, w *window, gen, quiet uint64, reason Reason) {
	w.mu.Lock()
	if w.state != Armed || w.gen != gen || (quiet != 0 && w.quietID != quiet) {
		w.mu.Unlock()
		return
	}
	w.state = Fired
	w.stopTimersLocked()
	w.mu.Unlock()

	s.active.Add(-1)
	s.fires.Add(1)
	s.log.Debug("debounce.fire", "user_id", userID, "reason", reason.String(), "gen", gen)

	s.onFire(userID, reason)

	w.mu.Lock()
	if w.state == Fired && w.gen == gen {
		w.state = Idle
	}
	w.mu.Unlock()
}

// Cancel disarms the user's window. It is idempotent and a no-op once the
// window has fired.
func (s *Scheduler) Cancel(userID string) {
	v, ok := s.windows.Load(userID)
	if !ok {
		return
	}
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Armed {
		return
	}
	w.gen++
	w.state = Idle
	w.stopTimersLocked()
	s.active.Add(-1)
	s.cancels.Add(1)
}

// Stop cancels every armed window and rejects further activity.
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.windows.Range(func(k, _ any) bool {
		s.Cancel(k.(string))
		return true
	})
}

// State returns the user's current window state.
func (s *Scheduler) State(userID string) State {
	v, ok := s.windows.Load(userID)
	if !ok {
		return Idle
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Active returns the number of currently armed windows.
func (s *Scheduler) Active() int { return int(s.active.Load()) }

// Stats returns cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Arms:    s.arms.Load(),
		Resets:  s.resets.Load(),
		Fires:   s.fires.Load(),
		Cancels: s.cancels.Load(),
	}
}

func (w *window) stopTimersLocked() {
	if w.silence != nil {
		w.silence.Stop()
		w.silence = nil
	}
	if w.ceiling != nil {
		w.ceiling.Stop()
		w.ceiling = nil
	}
}
