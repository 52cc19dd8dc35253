// Package playback models the per-session audio playback lifecycle. Each
// session owns exactly one Controller, and the Controller holds at most one
// job at a time: a turn being generated, ready to play, playing, or paused.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emvazquez/agora/internal/observability"
	"github.com/emvazquez/agora/internal/session"
	"github.com/emvazquez/agora/internal/speech"
)

// State is the position of the controller's current job in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
	StateReady      State = "ready"
	StatePlaying    State = "playing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateEnded      State = "ended"
)

// Job is the unit of playback: one turn plus the audio produced for it.
// Artifact is nil for degraded turns, which carry text at most.
type Job struct {
	Turn     session.Turn
	Artifact *speech.Artifact
	Degraded bool
}

// Event describes a state transition. Stopped and Ended are announced and
// then the controller settles back to Idle, so observers see both.
type Event struct {
	SessionID string
	State     State
	Job       *Job
	Err       error
}

// GenerateFunc produces the next turn and its audio. It runs on a controller
// goroutine under the generation timeout; respecting ctx is what makes Stop
// able to abandon work in flight.
type GenerateFunc func(ctx context.Context) (session.Turn, *speech.Artifact, error)

// Controller is the playback state machine for one session. All mutating
// methods are safe for concurrent use.
type Controller struct {
	sessionID  string
	genTimeout time.Duration
	notify     func(Event)
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	current   *Job
	lastEnded *Job
	cancelGen context.CancelFunc
	genSeq    uint64 // invalidates in-flight generations after Stop
}

// Option configures a Controller.
type Option func(*Controller)

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController builds an idle controller for a session. notify receives
// every state transition, including the Generating announcement, and is
// called outside the controller lock.
func NewController(sessionID string, genTimeout time.Duration, notify func(Event), opts ...Option) *Controller {
	c := &Controller{
		sessionID:  sessionID,
		genTimeout: genTimeout,
		notify:     notify,
		logger:     slog.Default(),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a job occupies the controller. While Busy, no new
// turn may be scheduled for this session.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateGenerating, StateReady, StatePlaying, StatePaused:
		return true
	}
	return false
}

// Current returns the job occupying the controller, or nil when idle.
func (c *Controller) Current() *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Enqueue starts generating the next turn. Only an idle controller accepts
// work; a second enqueue while a job is in flight is a turn ordering bug and
// is rejected.
func (c *Controller) Enqueue(ctx context.Context, generate GenerateFunc) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	genCtx, cancel := context.WithTimeout(ctx, c.genTimeout)
	c.cancelGen = cancel
	c.genSeq++
	seq := c.genSeq
	c.state = StateGenerating
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StateGenerating})

	go c.runGeneration(genCtx, cancel, seq, generate)
	return nil
}

func (c *Controller) runGeneration(ctx context.Context, cancel context.CancelFunc, seq uint64, generate GenerateFunc) {
	defer cancel()
	turn, artifact, err := generate(ctx)

	c.mu.Lock()
	if c.genSeq != seq || c.state != StateGenerating {
		// Stopped while we were working; the result belongs to nobody.
		c.mu.Unlock()
		return
	}
	c.cancelGen = nil
	if err != nil {
		c.state = StateIdle
		c.current = nil
		c.mu.Unlock()
		c.announce(Event{SessionID: c.sessionID, State: StateIdle, Err: err})
		return
	}
	job := &Job{Turn: turn, Artifact: artifact, Degraded: artifact == nil}
	c.current = job
	c.state = StateReady
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StateReady, Job: job})
}

// InjectReady installs a pre-generated job, skipping the Generating state.
// Used when look-ahead generation already produced the turn. Idle only.
func (c *Controller) InjectReady(turn session.Turn, artifact *speech.Artifact) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	job := &Job{Turn: turn, Artifact: artifact, Degraded: artifact == nil}
	c.current = job
	c.state = StateReady
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StateReady, Job: job})
	return nil
}

// Play moves a Ready job into Playing. Playing again is a no-op.
func (c *Controller) Play() error {
	c.mu.Lock()
	switch c.state {
	case StatePlaying:
		c.mu.Unlock()
		return nil
	case StateReady:
	default:
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	c.state = StatePlaying
	job := c.current
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StatePlaying, Job: job})
	return nil
}

// Pause suspends playback. Pausing an already paused controller is a no-op;
// pausing anything that is not playing is rejected.
func (c *Controller) Pause() error {
	c.mu.Lock()
	switch c.state {
	case StatePaused:
		c.mu.Unlock()
		return nil
	case StatePlaying:
	default:
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	c.state = StatePaused
	job := c.current
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StatePaused, Job: job})
	return nil
}

// Resume continues a paused job from where it left off.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	c.state = StatePlaying
	job := c.current
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StatePlaying, Job: job})
	return nil
}

// Replay restarts the current job from the beginning. It works from Paused,
// from Ready, and from Idle when a finished job is still retained.
func (c *Controller) Replay() error {
	c.mu.Lock()
	var job *Job
	switch c.state {
	case StatePaused, StateReady:
		job = c.current
	case StateIdle:
		if c.lastEnded == nil {
			c.mu.Unlock()
			return session.ErrInvalidTurnTransition
		}
		job = c.lastEnded
		c.current = job
	default:
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	c.state = StatePlaying
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StatePlaying, Job: job})
	return nil
}

// FinishPlayback records that the client played the job to the end. The
// controller announces Ended, retains the job for Replay, and returns to
// Idle so the next turn can be scheduled.
func (c *Controller) FinishPlayback() error {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	job := c.current
	c.lastEnded = job
	c.current = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StateEnded, Job: job})
	return nil
}

// Stop abandons the current job from any non-idle state: in-flight
// generation is cancelled and its result discarded, audio is dropped, and
// nothing is retained for replay. Stopping an idle controller is rejected.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return session.ErrInvalidTurnTransition
	}
	if c.cancelGen != nil {
		c.cancelGen()
		c.cancelGen = nil
	}
	c.genSeq++ // any generation still running is now stale
	job := c.current
	c.current = nil
	c.lastEnded = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.announce(Event{SessionID: c.sessionID, State: StateStopped, Job: job})
	return nil
}

// Reset force-returns the controller to Idle without announcing. Used when
// the session itself terminates.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.cancelGen != nil {
		c.cancelGen()
		c.cancelGen = nil
	}
	c.genSeq++
	c.current = nil
	c.lastEnded = nil
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Controller) announce(ev Event) {
	if c.metrics != nil {
		c.metrics.PlaybackTransitions.WithLabelValues(string(ev.State)).Inc()
	}
	if ev.Err != nil {
		c.logger.Warn("playback generation failed", "session_id", ev.SessionID, "err", ev.Err)
	}
	if c.notify != nil {
		c.notify(ev)
	}
}
