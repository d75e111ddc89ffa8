package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rreusch2/parleyapp-sub005/internal/agent"
	"github.com/rreusch2/parleyapp-sub005/internal/logging"
	"github.com/rreusch2/parleyapp-sub005/internal/models"
)

// EventRelay delivers tool events and assistant messages to the web app.
type EventRelay interface {
	PostEvent(ctx context.Context, event models.ToolEvent) error
	PostAssistantMessage(ctx context.Context, sessionID, userID, message string) error
}

// ArtifactUploader externalizes one image to object storage and returns
// its storage path.
type ArtifactUploader interface {
	Upload(ctx context.Context, sessionID string, data []byte) (string, error)
}

// SessionState is the explicit lifecycle state of a session.
type SessionState int

const (
	StateCreated SessionState = iota
	StateRunning
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionDeps carries the collaborators a session needs to process turns.
type SessionDeps struct {
	Factory   agent.Factory
	Relay     EventRelay
	Uploader  ArtifactUploader
	Analytics *AnalyticsService // nil-safe, may be nil

	IdleTimeout time.Duration // loop exits after this much queue silence
	RunTimeout  time.Duration // ceiling on one agent turn; 0 = unbounded
}

// Session owns one conversation: one agent instance (created lazily, at
// most once per incarnation), one FIFO message queue, and one background
// loop that serializes all interaction with the agent. Nothing outside the
// loop ever touches the agent.
type Session struct {
	ID          string
	UserID      string
	Tier        string
	Preferences map[string]interface{}

	deps   SessionDeps
	queue  *messageQueue
	logger *slog.Logger

	mu         sync.Mutex
	state      SessionState
	lastActive time.Time

	// memCursor is the index of the first agent-memory entry not yet
	// scanned for artifacts. Only the loop goroutine touches it.
	memCursor int
}

// NewSession constructs a session in the Created state. Start spawns its
// loop.
func NewSession(deps SessionDeps, sessionID, userID, tier string, preferences map[string]interface{}) *Session {
	return &Session{
		ID:          sessionID,
		UserID:      userID,
		Tier:        tier,
		Preferences: preferences,
		deps:        deps,
		queue:       newMessageQueue(),
		logger:      logging.WithSession(sessionID, userID),
		state:       StateCreated,
		lastActive:  time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns the time of the last enqueue or completed turn.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// AddMessage appends one user message to the queue. Never blocks; safe to
// call before Start has finished creating the agent (queued items wait).
// Returns false once the session has terminated: the message was not
// accepted and the caller must obtain a fresh incarnation, so an accepted
// message can never be stranded in a dead consumer's queue.
func (s *Session) AddMessage(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.queue.Push(text)
	s.lastActive = time.Now()
	return true
}

// Start spawns the background loop. Idempotent: a second call while the
// session is running (or after it terminated) is a no-op. Errors during
// agent creation or the loop surface only as relayed events, never to the
// caller.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer s.finish()

	inst, err := s.deps.Factory.Create(ctx, agent.SessionParams{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Tier:        s.Tier,
		Preferences: s.Preferences,
	})
	if err != nil {
		s.logger.Error("agent creation failed", "error", err)
		GetMetrics().RecordTurnError("agent_create")
		s.relayEvent(ctx, models.PhaseResult, "Something went wrong", err.Error(), nil)
		return
	}
	s.logger.Info("agent ready", "tier", s.Tier)

	for {
		text, ok := s.queue.Pop(ctx, s.deps.IdleTimeout)
		if !ok {
			if ctx.Err() != nil {
				s.logger.Info("session shutting down")
				return
			}
			if !s.commitIdleExit() {
				// a message landed while the wait was giving up
				continue
			}
			s.logger.Info("session idle, winding down", "idle_timeout", s.deps.IdleTimeout)
			return
		}
		if err := s.processTurn(ctx, inst, text); err != nil {
			// The turn already relayed the error text; the session ends
			// on this turn rather than continuing.
			return
		}
	}
}

// processTurn drives one user message through the agent and relays each
// side effect. Only an agent failure ends the session; relay and upload
// failures are logged and swallowed.
func (s *Session) processTurn(ctx context.Context, inst agent.Instance, text string) error {
	start := time.Now()

	s.relayEvent(ctx, models.PhaseThinking, "Working on it", text, nil)

	runCtx := ctx
	if s.deps.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.deps.RunTimeout)
		defer cancel()
	}

	reply, err := inst.Run(runCtx, text)
	if err != nil {
		s.logger.Error("agent run failed", "error", err)
		GetMetrics().RecordTurnError("agent_run")
		s.relayEvent(ctx, models.PhaseResult, "Something went wrong", err.Error(), nil)
		s.deps.Analytics.RecordTurn(ctx, TurnRecord{
			SessionID:  s.ID,
			UserID:     s.UserID,
			Tier:       s.Tier,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
			CreatedAt:  time.Now(),
		})
		return err
	}

	if err := s.deps.Relay.PostAssistantMessage(ctx, s.ID, s.UserID, reply); err != nil {
		s.logger.Warn("failed to post assistant message", "error", err)
		GetMetrics().RecordRelayFailure("message")
	}

	artifacts := s.flushArtifacts(ctx, inst)
	if len(artifacts) > 0 {
		s.relayEvent(ctx, models.PhaseResult, "Captured screenshots",
			fmt.Sprintf("%d screenshot(s) from this turn", len(artifacts)), artifacts)
	}

	s.relayEvent(ctx, models.PhaseResult, "Turn complete", reply, nil)

	GetMetrics().RecordTurn(time.Since(start).Seconds())
	s.deps.Analytics.RecordTurn(ctx, TurnRecord{
		SessionID:     s.ID,
		UserID:        s.UserID,
		Tier:          s.Tier,
		DurationMs:    time.Since(start).Milliseconds(),
		ArtifactCount: len(artifacts),
		CreatedAt:     time.Now(),
	})
	s.touch()
	return nil
}

// flushArtifacts scans agent memory from the cursor for inline images and
// uploads each. A failed upload drops only that artifact.
func (s *Session) flushArtifacts(ctx context.Context, inst agent.Instance) []models.Artifact {
	memory := inst.Memory()

	var artifacts []models.Artifact
	for ; s.memCursor < len(memory); s.memCursor++ {
		entry := memory[s.memCursor]
		if len(entry.Image) == 0 {
			continue
		}
		storagePath, err := s.deps.Uploader.Upload(ctx, s.ID, entry.Image)
		if err != nil {
			s.logger.Warn("dropping artifact after failed upload", "error", err)
			GetMetrics().RecordArtifactUpload("error")
			continue
		}
		GetMetrics().RecordArtifactUpload("ok")
		artifacts = append(artifacts, models.Artifact{
			StoragePath: storagePath,
			ContentType: "image/png",
			Caption:     entry.Caption,
		})
	}
	return artifacts
}

// commitIdleExit flips the session to Terminated unless a message slipped
// in after the queue wait gave up. AddMessage holds the same mutex, so an
// accepted message is either visible here (and the loop keeps running) or
// rejected after the transition. Without this handshake a message pushed
// right at the idle deadline could be accepted and then silently lost when
// the next message replaces the incarnation.
func (s *Session) commitIdleExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() > 0 {
		return false
	}
	s.state = StateTerminated
	return true
}

// finish transitions to Terminated and relays the final completed event.
// The web app treats completed as the sole durable signal that the session
// is over, so it is relayed on every exit path and failures here are
// swallowed.
func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateTerminated
	stranded := s.queue.Len()
	s.mu.Unlock()
	if stranded > 0 {
		// only reachable on error or shutdown exits; the idle path commits
		// Terminated with an empty queue
		s.logger.Warn("terminating with unprocessed messages", "count", stranded)
	}

	// The loop's context may already be cancelled at shutdown; the
	// completed event still has to go out.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.relayEvent(ctx, models.PhaseCompleted, "Session complete", "", nil)

	s.logger.Info("session terminated")
}

func (s *Session) relayEvent(ctx context.Context, phase, title, message string, artifacts []models.Artifact) {
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}
	event := models.ToolEvent{
		AgentEventID: uuid.NewString(),
		SessionID:    s.ID,
		Phase:        phase,
		Tool:         models.DefaultTool,
		Title:        title,
		Message:      message,
		Artifacts:    artifacts,
	}
	if err := s.deps.Relay.PostEvent(ctx, event); err != nil {
		s.logger.Warn("failed to post event", "phase", phase, "error", err)
		GetMetrics().RecordRelayFailure("events")
	}
}

// messageQueue is an unbounded multiple-producer/single-consumer FIFO.
type messageQueue struct {
	mu    sync.Mutex
	items []string
	wake  chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		wake: make(chan struct{}, 1),
	}
}

// Push appends one item. Never blocks.
func (q *messageQueue) Push(item string) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop returns the next item in FIFO order, waiting up to timeout for one
// to arrive. Returns false on timeout or context cancellation.
func (q *messageQueue) Pop(ctx context.Context, timeout time.Duration) (string, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
			// re-check; a dropped wake is fine, items are re-checked
		case <-deadline.C:
			// A push can race the deadline with both channels ready. Check
			// the queue once more so an item that landed in time is not
			// reported as a timeout.
			q.mu.Lock()
			if len(q.items) > 0 {
				item := q.items[0]
				q.items = q.items[1:]
				q.mu.Unlock()
				return item, true
			}
			q.mu.Unlock()
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}

// Len returns the number of queued items.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
