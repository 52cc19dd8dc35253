// Package orchestrator drives multi-participant conversation sessions: it
// asks the scheduler who speaks next, produces that speaker's line and
// audio, and walks the per-session playback state machine while reacting to
// client control messages.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emvazquez/agora/internal/observability"
	"github.com/emvazquez/agora/internal/playback"
	"github.com/emvazquez/agora/internal/protocol"
	"github.com/emvazquez/agora/internal/provider"
	"github.com/emvazquez/agora/internal/schedule"
	"github.com/emvazquez/agora/internal/session"
	"github.com/emvazquez/agora/internal/speech"
	"github.com/emvazquez/agora/internal/textgen"
	"github.com/emvazquez/agora/internal/turnlog"
)

const (
	historyLimit        = 24
	turnAppendTimeout   = 2 * time.Second
	playbackEventBuffer = 16
)

type Config struct {
	GenerationTimeout time.Duration
	LookaheadEnabled  bool
}

type Orchestrator struct {
	sessions  *session.Manager
	scheduler *schedule.Scheduler
	generator textgen.Generator
	pipeline  *speech.Pipeline
	turns     turnlog.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	cfg       Config
}

func New(
	sessions *session.Manager,
	scheduler *schedule.Scheduler,
	generator textgen.Generator,
	pipeline *speech.Pipeline,
	turns turnlog.Store,
	metrics *observability.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:  sessions,
		scheduler: scheduler,
		generator: generator,
		pipeline:  pipeline,
		turns:     turns,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// prefetch is one speculative generation for the speaker expected to take
// the next slot. It is promoted when the scheduler confirms the guess and
// discarded otherwise.
type prefetch struct {
	speakerID string
	done      chan struct{}
	cancel    context.CancelFunc

	turn     session.Turn
	artifact *speech.Artifact
	err      error
}

// sessionLoop is the mutable state of one RunSession call. It lives on the
// loop goroutine; only the playback controller's callbacks cross goroutines,
// and those arrive through the events channel.
type sessionLoop struct {
	o          *Orchestrator
	s          *session.Session
	outbound   chan<- any
	controller *playback.Controller
	events     chan playback.Event

	started     bool
	halted      bool // stop was requested; wait for an explicit start
	lastTurn    *session.Turn
	awaiting    *schedule.Step
	genFailures int // consecutive turns with no text at all

	prefetchMu sync.Mutex
	inflight   *prefetch
}

// RunSession drives one session until the client disconnects, the session
// is ended, or ctx is cancelled. inbound carries parsed protocol messages;
// everything written to outbound is a protocol struct. The caller owns both
// channels and the single websocket writer behind outbound.
func (o *Orchestrator) RunSession(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	loop := &sessionLoop{
		o:        o,
		s:        s,
		outbound: outbound,
		events:   make(chan playback.Event, playbackEventBuffer),
	}
	loop.controller = playback.NewController(s.ID, o.cfg.GenerationTimeout, func(ev playback.Event) {
		select {
		case loop.events <- ev:
		case <-ctx.Done():
		}
	}, playback.WithMetrics(o.metrics), playback.WithLogger(o.logger))
	defer loop.cancelPrefetch()
	defer loop.controller.Reset()

	o.metrics.SessionEvents.WithLabelValues("loop_started").Inc()
	defer o.metrics.SessionEvents.WithLabelValues("loop_finished").Inc()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-loop.events:
			if done, err := loop.handlePlaybackEvent(ctx, ev); done {
				return err
			}
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if done, err := loop.handleMessage(ctx, msg); done {
				return err
			}
		}
	}
}

func (l *sessionLoop) handleMessage(ctx context.Context, msg any) (bool, error) {
	if err := l.o.sessions.Touch(l.s.ID); err != nil {
		l.sendError("session_not_found", false, err.Error())
		return true, err
	}

	switch m := msg.(type) {
	case protocol.ClientControl:
		return l.handleControl(ctx, m)
	case protocol.UserTurn:
		l.handleUserTurn(ctx, m)
	case protocol.SpeakerSelect:
		l.handleSpeakerSelect(ctx, m)
	default:
		l.sendError("unsupported_message", false, fmt.Sprintf("unexpected message %T", msg))
	}
	return false, nil
}

func (l *sessionLoop) handleControl(ctx context.Context, m protocol.ClientControl) (bool, error) {
	switch m.Action {
	case protocol.ActionStart:
		if l.started && !l.halted {
			l.sendError("invalid_transition", false, "session already running")
			return false, nil
		}
		l.started = true
		l.halted = false
		l.sendEvent("session_started", "")
		l.advance(ctx)
	case protocol.ActionPause:
		l.reportTransition(l.controller.Pause())
	case protocol.ActionResume:
		l.reportTransition(l.controller.Resume())
	case protocol.ActionReplay:
		l.reportTransition(l.controller.Replay())
	case protocol.ActionStop:
		l.halted = true
		l.cancelPrefetch()
		l.reportTransition(l.controller.Stop())
	case protocol.ActionPlaybackFinished:
		l.reportTransition(l.controller.FinishPlayback())
	case protocol.ActionEndSession:
		l.cancelPrefetch()
		if _, err := l.o.sessions.Complete(l.s.ID); err != nil {
			l.sendError("session_not_found", false, err.Error())
			return true, err
		}
		l.sendEvent("session_completed", "")
		return true, nil
	}
	return false, nil
}

// advance asks the scheduler for the next step and acts on it. It is called
// after start, after each finished playback, and after blocked input
// arrives.
func (l *sessionLoop) advance(ctx context.Context) {
	if !l.started || l.halted || l.controller.Busy() {
		return
	}

	snapshot, err := l.o.sessions.Get(l.s.ID)
	if err != nil {
		l.sendError("session_not_found", false, err.Error())
		return
	}
	l.s = snapshot

	step, err := l.o.scheduler.Next(ctx, snapshot, l.lastTurn)
	if err != nil {
		if errors.Is(err, session.ErrInvalidTurnTransition) {
			l.sendError("invalid_transition", false, err.Error())
			return
		}
		l.sendError("scheduling_failed", true, err.Error())
		return
	}

	switch step.Kind {
	case schedule.StepGenerate:
		l.awaiting = nil
		l.startGeneration(ctx, step)
	case schedule.StepAwaitHuman:
		l.awaiting = &step
		l.send(protocol.AwaitingInput{
			Type:      protocol.TypeAwaitingInput,
			SessionID: l.s.ID,
			Kind:      "human_turn",
			SpeakerID: step.SpeakerID,
		})
	case schedule.StepAwaitModerator:
		l.awaiting = &step
		l.send(protocol.AwaitingInput{
			Type:      protocol.TypeAwaitingInput,
			SessionID: l.s.ID,
			Kind:      "moderator_selection",
		})
	}
}

func (l *sessionLoop) startGeneration(ctx context.Context, step schedule.Step) {
	if pf := l.takePrefetch(step.SpeakerID); pf != nil {
		select {
		case <-pf.done:
			if pf.err == nil {
				if err := l.controller.InjectReady(pf.turn, pf.artifact); err == nil {
					l.o.metrics.SessionEvents.WithLabelValues("lookahead_hit").Inc()
					return
				}
			}
			// Speculation failed; fall through to a fresh generation.
		default:
			// Still in flight: let the controller wait for it instead of
			// duplicating the work.
			if err := l.controller.Enqueue(ctx, func(genCtx context.Context) (session.Turn, *speech.Artifact, error) {
				select {
				case <-pf.done:
					return pf.turn, pf.artifact, pf.err
				case <-genCtx.Done():
					pf.cancel()
					return session.Turn{}, nil, genCtx.Err()
				}
			}); err != nil {
				l.sendError("invalid_transition", false, err.Error())
			} else {
				l.o.metrics.SessionEvents.WithLabelValues("lookahead_join").Inc()
			}
			return
		}
	}

	snap := l.s
	if err := l.controller.Enqueue(ctx, func(genCtx context.Context) (session.Turn, *speech.Artifact, error) {
		return l.generateTurn(genCtx, snap, step)
	}); err != nil {
		l.sendError("invalid_transition", false, err.Error())
	}
}

// generateTurn produces one agent turn: line of text, then audio. A
// terminal failure from either stage degrades the turn instead of failing
// it, so the rotation keeps moving. Turn numbers are assigned at commit
// time in acceptTurn, never here: a discarded speculation must not burn
// one.
func (l *sessionLoop) generateTurn(ctx context.Context, snap *session.Session, step schedule.Step) (session.Turn, *speech.Artifact, error) {
	speaker, idx := snap.SpeakerByID(step.SpeakerID)
	if idx < 0 {
		return session.Turn{}, nil, fmt.Errorf("speaker %q left the roster", step.SpeakerID)
	}

	recent, err := l.o.turns.History(ctx, snap.ID, historyLimit)
	if err != nil {
		l.o.logger.Warn("turn history unavailable, generating without context",
			"session_id", snap.ID, "err", err)
		recent = nil
	}

	text, err := l.o.generator.Generate(ctx, textgen.Request{
		SessionID: snap.ID,
		Topic:     snap.Topic,
		Speaker:   speaker,
		Roster:    snap.Speakers,
		Recent:    recent,
	})
	if err != nil {
		if provider.IsTerminal(err) {
			// Every text provider is exhausted: commit an empty degraded
			// turn so the slot is consumed and the next speaker gets a shot.
			l.o.logger.Warn("text generation exhausted all providers, degrading turn",
				"session_id", snap.ID, "speaker_id", speaker.ID, "err", err)
			return session.Turn{
				ID:           uuid.NewString(),
				SessionID:    snap.ID,
				SpeakerID:    speaker.ID,
				SpeakerIndex: step.SpeakerIndex,
				Degraded:     true,
				CreatedAt:    time.Now().UTC(),
			}, nil, nil
		}
		return session.Turn{}, nil, fmt.Errorf("generate line for %s: %w", speaker.ID, err)
	}

	turn := session.Turn{
		ID:           uuid.NewString(),
		SessionID:    snap.ID,
		SpeakerID:    speaker.ID,
		SpeakerIndex: step.SpeakerIndex,
		Content:      text,
		CreatedAt:    time.Now().UTC(),
	}

	artifact, err := l.o.pipeline.Synthesize(ctx, text, speaker)
	switch {
	case err == nil:
		turn.VoiceIDUsed = artifact.VoiceIDUsed
		return turn, artifact, nil
	case provider.IsTerminal(err):
		// Every provider is exhausted: the conversation continues in text.
		l.o.logger.Warn("synthesis exhausted all providers, degrading turn",
			"session_id", snap.ID, "speaker_id", speaker.ID, "err", err)
		turn.Degraded = true
		return turn, nil, nil
	default:
		return session.Turn{}, nil, err
	}
}

func (l *sessionLoop) handlePlaybackEvent(ctx context.Context, ev playback.Event) (bool, error) {
	switch ev.State {
	case playback.StateGenerating:
		l.sendPlaybackState(string(playback.StateGenerating), "")

	case playback.StateReady:
		if done := l.acceptTurn(ctx, ev.Job); done {
			return true, nil
		}

	case playback.StatePlaying:
		l.sendPlaybackState(string(playback.StatePlaying), ev.Job.Turn.ID)
		l.maybePrefetch(ctx)

	case playback.StatePaused:
		l.sendPlaybackState(string(playback.StatePaused), ev.Job.Turn.ID)

	case playback.StateStopped:
		turnID := ""
		if ev.Job != nil {
			turnID = ev.Job.Turn.ID
		}
		l.sendPlaybackState(string(playback.StateStopped), turnID)

	case playback.StateEnded:
		l.sendPlaybackState(string(playback.StateEnded), ev.Job.Turn.ID)
		l.advance(ctx)

	case playback.StateIdle:
		if ev.Err != nil && !errors.Is(ev.Err, context.Canceled) {
			l.o.metrics.SessionEvents.WithLabelValues("turn_generation_failed").Inc()
			l.sendError("generation_failed", true, ev.Err.Error())
			// Halt so a plain start resumes the rotation from this slot.
			l.halted = true
		}
	}
	return false, nil
}

// acceptTurn commits a generated turn: number it, persist it, announce it,
// move the rotation cursor past the consumed slot, and start playback. It
// reports true when the session is done for good (a full rotation of
// speakers without a single line means the session fails rather than spin).
func (l *sessionLoop) acceptTurn(ctx context.Context, job *playback.Job) bool {
	if job == nil {
		return false
	}
	number, err := l.o.sessions.AllocateTurnNumber(l.s.ID)
	if err != nil {
		l.sendError("session_not_found", false, err.Error())
		l.controller.Reset()
		return true
	}
	job.Turn.TurnNumber = number
	turn := job.Turn
	l.appendTurn(ctx, turn)
	l.lastTurn = &turn

	if err := l.o.sessions.AdvanceCursor(l.s.ID, turn.SpeakerIndex); err != nil && !errors.Is(err, session.ErrNotFound) {
		l.o.logger.Warn("cursor advance failed", "session_id", l.s.ID, "err", err)
	}

	l.send(protocol.TurnStarted{
		Type:       protocol.TypeTurnStarted,
		SessionID:  l.s.ID,
		TurnID:     turn.ID,
		TurnNumber: turn.TurnNumber,
		SpeakerID:  turn.SpeakerID,
	})
	l.send(protocol.TurnText{
		Type:      protocol.TypeTurnText,
		SessionID: l.s.ID,
		TurnID:    turn.ID,
		SpeakerID: turn.SpeakerID,
		Text:      turn.Content,
	})

	if job.Degraded {
		l.o.metrics.TurnsTotal.WithLabelValues("degraded").Inc()
		reason := "synthesis_unavailable"
		if turn.Content == "" {
			reason = "generation_unavailable"
			l.genFailures++
		} else {
			l.genFailures = 0
		}
		l.send(protocol.TurnDegraded{
			Type:      protocol.TypeTurnDegraded,
			SessionID: l.s.ID,
			TurnID:    turn.ID,
			SpeakerID: turn.SpeakerID,
			Text:      turn.Content,
			Reason:    reason,
		})
		if l.genFailures >= l.s.AgentCount() && l.s.AgentCount() > 0 {
			l.cancelPrefetch()
			l.controller.Reset()
			if _, err := l.o.sessions.Fail(l.s.ID); err != nil {
				l.o.logger.Warn("failing session", "session_id", l.s.ID, "err", err)
			}
			l.sendEvent("session_failed", "no speaker could produce a line")
			return true
		}
		// Nothing to play; pass the job through so the loop advances.
		if err := l.controller.Play(); err == nil {
			_ = l.controller.FinishPlayback()
		}
		return false
	}

	l.genFailures = 0
	l.o.metrics.TurnsTotal.WithLabelValues("agent").Inc()
	l.send(protocol.TurnAudio{
		Type:        protocol.TypeTurnAudio,
		SessionID:   l.s.ID,
		TurnID:      turn.ID,
		Format:      job.Artifact.Format,
		AudioBase64: base64.StdEncoding.EncodeToString(job.Artifact.Payload),
		VoiceID:     job.Artifact.VoiceIDUsed,
	})
	l.reportTransition(l.controller.Play())
	return false
}

func (l *sessionLoop) handleUserTurn(ctx context.Context, m protocol.UserTurn) {
	speaker, idx := l.s.SpeakerByID(m.SpeakerID)
	if idx < 0 || speaker.Kind != session.SpeakerHuman {
		l.sendError("invalid_transition", false, fmt.Sprintf("speaker %q cannot submit text", m.SpeakerID))
		return
	}

	scheduled := l.awaiting != nil && l.awaiting.Kind == schedule.StepAwaitHuman && l.awaiting.SpeakerID == m.SpeakerID

	number, err := l.o.sessions.AllocateTurnNumber(l.s.ID)
	if err != nil {
		l.sendError("invalid_transition", false, err.Error())
		return
	}
	turn := session.Turn{
		ID:             uuid.NewString(),
		SessionID:      l.s.ID,
		TurnNumber:     number,
		SpeakerID:      speaker.ID,
		SpeakerIndex:   idx,
		Content:        m.Text,
		IsUserAuthored: true,
		CreatedAt:      time.Now().UTC(),
	}
	l.appendTurn(ctx, turn)
	l.lastTurn = &turn
	l.genFailures = 0

	l.send(protocol.TurnStarted{
		Type:       protocol.TypeTurnStarted,
		SessionID:  l.s.ID,
		TurnID:     turn.ID,
		TurnNumber: turn.TurnNumber,
		SpeakerID:  turn.SpeakerID,
	})
	l.send(protocol.TurnText{
		Type:      protocol.TypeTurnText,
		SessionID: l.s.ID,
		TurnID:    turn.ID,
		SpeakerID: turn.SpeakerID,
		Text:      turn.Content,
	})

	if scheduled {
		// The awaited human slot is consumed and the rotation moves on.
		l.o.metrics.TurnsTotal.WithLabelValues("human_slot").Inc()
		l.awaiting = nil
		if err := l.o.sessions.AdvanceCursor(l.s.ID, idx); err != nil {
			l.o.logger.Warn("cursor advance failed", "session_id", l.s.ID, "err", err)
		}
		l.advance(ctx)
		return
	}

	// An interjection never moves the cursor and never interrupts playback.
	l.o.metrics.TurnsTotal.WithLabelValues("interjection").Inc()
	l.sendEvent("interjection_recorded", turn.ID)
}

func (l *sessionLoop) handleSpeakerSelect(ctx context.Context, m protocol.SpeakerSelect) {
	snapshot, err := l.o.sessions.Get(l.s.ID)
	if err != nil {
		l.sendError("session_not_found", false, err.Error())
		return
	}
	l.s = snapshot

	step, err := l.o.scheduler.AcceptModeratorSelection(snapshot, m.SpeakerID, !l.controller.Busy())
	if err != nil {
		if errors.Is(err, session.ErrInvalidTurnTransition) {
			l.sendError("invalid_transition", false, err.Error())
		} else {
			l.sendError("invalid_selection", false, err.Error())
		}
		return
	}

	l.awaiting = nil
	switch step.Kind {
	case schedule.StepGenerate:
		l.startGeneration(ctx, step)
	case schedule.StepAwaitHuman:
		l.awaiting = &step
		l.send(protocol.AwaitingInput{
			Type:      protocol.TypeAwaitingInput,
			SessionID: l.s.ID,
			Kind:      "human_turn",
			SpeakerID: step.SpeakerID,
		})
	}
}

// maybePrefetch speculatively generates the next agent turn while the
// current one plays. Round robin only: its next speaker is fixed, so the
// guess cannot be wrong, only discarded.
func (l *sessionLoop) maybePrefetch(ctx context.Context) {
	if !l.o.cfg.LookaheadEnabled || l.s.Format != session.FormatRoundRobin {
		return
	}

	snapshot, err := l.o.sessions.Get(l.s.ID)
	if err != nil {
		return
	}
	step, err := l.o.scheduler.Next(ctx, snapshot, l.lastTurn)
	if err != nil || step.Kind != schedule.StepGenerate {
		return
	}

	l.prefetchMu.Lock()
	if l.inflight != nil {
		l.prefetchMu.Unlock()
		return
	}
	pfCtx, cancel := context.WithTimeout(ctx, l.o.cfg.GenerationTimeout)
	pf := &prefetch{
		speakerID: step.SpeakerID,
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	l.inflight = pf
	l.prefetchMu.Unlock()

	l.s = snapshot
	l.o.metrics.SessionEvents.WithLabelValues("lookahead_started").Inc()

	go func() {
		defer cancel()
		pf.turn, pf.artifact, pf.err = l.generateTurn(pfCtx, snapshot, step)
		close(pf.done)
	}()
}

// takePrefetch claims the in-flight speculation when it matches the
// scheduled speaker; any mismatch cancels it.
func (l *sessionLoop) takePrefetch(speakerID string) *prefetch {
	l.prefetchMu.Lock()
	defer l.prefetchMu.Unlock()
	pf := l.inflight
	if pf == nil {
		return nil
	}
	l.inflight = nil
	if pf.speakerID != speakerID {
		pf.cancel()
		l.o.metrics.SessionEvents.WithLabelValues("lookahead_discarded").Inc()
		return nil
	}
	return pf
}

func (l *sessionLoop) cancelPrefetch() {
	l.prefetchMu.Lock()
	pf := l.inflight
	l.inflight = nil
	l.prefetchMu.Unlock()
	if pf != nil {
		pf.cancel()
		l.o.metrics.SessionEvents.WithLabelValues("lookahead_discarded").Inc()
	}
}

func (l *sessionLoop) appendTurn(ctx context.Context, turn session.Turn) {
	appendCtx, cancel := context.WithTimeout(ctx, turnAppendTimeout)
	defer cancel()
	if err := l.o.turns.Append(appendCtx, turn); err != nil {
		// The transcript is best effort; the live session must not stall on it.
		l.o.logger.Warn("turn append failed", "session_id", l.s.ID, "turn_id", turn.ID, "err", err)
		l.o.metrics.SessionEvents.WithLabelValues("turn_append_failed").Inc()
	}
}

func (l *sessionLoop) reportTransition(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrInvalidTurnTransition) {
		l.sendError("invalid_transition", false, err.Error())
		return
	}
	l.sendError("playback_failed", true, err.Error())
}

func (l *sessionLoop) sendPlaybackState(state, turnID string) {
	l.send(protocol.PlaybackState{
		Type:      protocol.TypePlaybackState,
		SessionID: l.s.ID,
		State:     state,
		TurnID:    turnID,
	})
}

func (l *sessionLoop) sendEvent(code, detail string) {
	l.o.metrics.SessionEvents.WithLabelValues(code).Inc()
	l.send(protocol.SessionEvent{
		Type:      protocol.TypeSessionEvent,
		SessionID: l.s.ID,
		Code:      code,
		Detail:    detail,
	})
}

func (l *sessionLoop) sendError(code string, retryable bool, detail string) {
	l.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: l.s.ID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	})
}

// send never blocks the loop forever: a stuck client gets best-effort
// delivery with a bounded wait.
func (l *sessionLoop) send(msg any) {
	timer := time.NewTimer(600 * time.Millisecond)
	defer timer.Stop()
	select {
	case l.outbound <- msg:
	case <-timer.C:
		l.o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}
