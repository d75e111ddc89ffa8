package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rreusch2/parleyapp-sub005/internal/agent"
	"github.com/rreusch2/parleyapp-sub005/internal/models"
)

// --- fakes ---

type fakeAgent struct {
	mu           sync.Mutex
	runs         []string
	memory       []agent.Message
	appendPerRun []agent.Message // entries appended to memory on each run
	runErr       error
}

func (a *fakeAgent) Run(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runErr != nil {
		return "", a.runErr
	}
	a.runs = append(a.runs, text)
	for i, entry := range a.appendPerRun {
		// distinct image bytes per turn so upload paths never collide
		if entry.Image != nil {
			entry.Image = append([]byte(fmt.Sprintf("turn%d-%d-", len(a.runs), i)), entry.Image...)
		}
		a.memory = append(a.memory, entry)
	}
	return "re:" + text, nil
}

func (a *fakeAgent) Memory() []agent.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agent.Message, len(a.memory))
	copy(out, a.memory)
	return out
}

func (a *fakeAgent) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

type fakeFactory struct {
	mu      sync.Mutex
	agent   *fakeAgent
	err     error
	created int
}

func (f *fakeFactory) Create(ctx context.Context, params agent.SessionParams) (agent.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.err != nil {
		return nil, f.err
	}
	return f.agent, nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type fakeRelay struct {
	mu            sync.Mutex
	events        []models.ToolEvent
	messages      []models.AssistantMessage
	eventAttempts int
	failAll       bool
}

func (r *fakeRelay) PostEvent(ctx context.Context, event models.ToolEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventAttempts++
	if r.failAll {
		return errors.New("web app down")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRelay) PostAssistantMessage(ctx context.Context, sessionID, userID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errors.New("web app down")
	}
	r.messages = append(r.messages, models.AssistantMessage{
		SessionID: sessionID, UserID: userID, Message: message, Role: "assistant",
	})
	return nil
}

func (r *fakeRelay) eventsByPhase(phase string) []models.ToolEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ToolEvent
	for _, e := range r.events {
		if e.Phase == phase {
			out = append(out, e)
		}
	}
	return out
}

func (r *fakeRelay) assistantMessages() []models.AssistantMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AssistantMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads int
	err     error
}

func (u *fakeUploader) Upload(ctx context.Context, sessionID string, data []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.uploads++
	return fmt.Sprintf("%s/artifact-%d.png", sessionID, u.uploads), nil
}

func (u *fakeUploader) uploadCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads
}

func testDeps(factory *fakeFactory, relay *fakeRelay, uploader *fakeUploader, idle time.Duration) SessionDeps {
	return SessionDeps{
		Factory:     factory,
		Relay:       relay,
		Uploader:    uploader,
		IdleTimeout: idle,
		RunTimeout:  5 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// --- tests ---

func TestSessionProcessesMessagesInOrder(t *testing.T) {
	ag := &fakeAgent{}
	relay := &fakeRelay{}
	sess := NewSession(testDeps(&fakeFactory{agent: ag}, relay, &fakeUploader{}, 150*time.Millisecond), "s1", "u1", "pro", nil)

	// Messages queued before Start wait for the agent
	sess.AddMessage("first")
	sess.AddMessage("second")
	sess.Start(context.Background())
	sess.AddMessage("third")

	waitFor(t, "three replies", func() bool { return len(relay.assistantMessages()) == 3 })

	replies := relay.assistantMessages()
	for i, want := range []string{"re:first", "re:second", "re:third"} {
		if replies[i].Message != want {
			t.Errorf("Reply %d: expected %q, got %q", i, want, replies[i].Message)
		}
		if replies[i].Role != "assistant" {
			t.Errorf("Reply %d: expected assistant role, got %q", i, replies[i].Role)
		}
	}

	thinking := relay.eventsByPhase(models.PhaseThinking)
	if len(thinking) != 3 {
		t.Fatalf("Expected 3 thinking events, got %d", len(thinking))
	}
	for i, want := range []string{"first", "second", "third"} {
		if thinking[i].Message != want {
			t.Errorf("Thinking event %d: expected message %q, got %q", i, want, thinking[i].Message)
		}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	ag := &fakeAgent{}
	factory := &fakeFactory{agent: ag}
	relay := &fakeRelay{}
	sess := NewSession(testDeps(factory, relay, &fakeUploader{}, 200*time.Millisecond), "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	sess.Start(context.Background())
	sess.Start(context.Background())

	sess.AddMessage("hello")
	waitFor(t, "one reply", func() bool { return len(relay.assistantMessages()) == 1 })

	if got := factory.createdCount(); got != 1 {
		t.Errorf("Expected exactly one agent creation, got %d", got)
	}
	// One loop means exactly one consumer: a second reply would indicate
	// a duplicate loop racing on the queue
	time.Sleep(50 * time.Millisecond)
	if got := len(relay.assistantMessages()); got != 1 {
		t.Errorf("Expected 1 reply, got %d", got)
	}
}

func TestInactivityTimeoutTerminatesWithOneCompleted(t *testing.T) {
	relay := &fakeRelay{}
	sess := NewSession(testDeps(&fakeFactory{agent: &fakeAgent{}}, relay, &fakeUploader{}, 60*time.Millisecond), "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	waitFor(t, "termination", func() bool { return sess.State() == StateTerminated })

	completed := relay.eventsByPhase(models.PhaseCompleted)
	if len(completed) != 1 {
		t.Errorf("Expected exactly one completed event, got %d", len(completed))
	}
}

func TestMessageNearIdleDeadlineNotLost(t *testing.T) {
	ag := &fakeAgent{}
	relay := &fakeRelay{}
	sess := NewSession(testDeps(&fakeFactory{agent: ag}, relay, &fakeUploader{}, 12*time.Millisecond), "s1", "u1", "pro", nil)
	sess.Start(context.Background())

	// Land pushes as close to the idle deadline as scheduling allows.
	// Every message accepted while the session lives must produce a turn;
	// a rejected push means the session terminated first, which is the
	// caller's cue to obtain a fresh incarnation.
	accepted := 0
	for i := 0; i < 60; i++ {
		time.Sleep(11 * time.Millisecond)
		if !sess.AddMessage(fmt.Sprintf("m%d", i)) {
			break
		}
		accepted++
	}

	waitFor(t, "termination", func() bool { return sess.State() == StateTerminated })
	waitFor(t, "every accepted message processed", func() bool { return ag.runCount() >= accepted })
	if got := ag.runCount(); got != accepted {
		t.Errorf("Accepted %d messages but processed %d", accepted, got)
	}
	if got := len(relay.eventsByPhase(models.PhaseCompleted)); got != 1 {
		t.Errorf("Expected exactly one completed event, got %d", got)
	}
}

func TestAddMessageRejectedAfterTermination(t *testing.T) {
	sess := NewSession(testDeps(&fakeFactory{agent: &fakeAgent{}}, &fakeRelay{}, &fakeUploader{}, 20*time.Millisecond), "s1", "u1", "pro", nil)
	sess.Start(context.Background())
	waitFor(t, "termination", func() bool { return sess.State() == StateTerminated })

	if sess.AddMessage("late") {
		t.Error("Expected AddMessage to reject a terminated session")
	}
	if got := sess.queue.Len(); got != 0 {
		t.Errorf("Rejected message must not be queued, found %d items", got)
	}
}

func TestArtifactsUploadedOncePerMemoryEntry(t *testing.T) {
	ag := &fakeAgent{
		appendPerRun: []agent.Message{
			{Role: "tool", Content: "browsed"},
			{Role: "tool", Image: []byte("png-a"), Caption: "odds board"},
			{Role: "tool", Image: []byte("png-b"), Caption: "injury report"},
		},
	}
	relay := &fakeRelay{}
	uploader := &fakeUploader{}
	sess := NewSession(testDeps(&fakeFactory{agent: ag}, relay, uploader, 300*time.Millisecond), "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	sess.AddMessage("check the board")
	waitFor(t, "first reply", func() bool { return len(relay.assistantMessages()) == 1 })

	var artifactEvents []models.ToolEvent
	for _, e := range relay.eventsByPhase(models.PhaseResult) {
		if len(e.Artifacts) > 0 {
			artifactEvents = append(artifactEvents, e)
		}
	}
	if len(artifactEvents) != 1 {
		t.Fatalf("Expected 1 artifact event, got %d", len(artifactEvents))
	}
	arts := artifactEvents[0].Artifacts
	if len(arts) != 2 {
		t.Fatalf("Expected 2 artifacts, got %d", len(arts))
	}
	seen := map[string]bool{}
	for _, a := range arts {
		if !strings.HasPrefix(a.StoragePath, "s1/") {
			t.Errorf("Artifact path not scoped under session: %s", a.StoragePath)
		}
		if seen[a.StoragePath] {
			t.Errorf("Duplicate storage path: %s", a.StoragePath)
		}
		seen[a.StoragePath] = true
		if a.ContentType != "image/png" {
			t.Errorf("Expected image/png, got %s", a.ContentType)
		}
	}
	if arts[0].Caption != "odds board" || arts[1].Caption != "injury report" {
		t.Errorf("Captions not carried through: %+v", arts)
	}

	// The memory cursor must skip already-flushed entries on the next turn
	sess.AddMessage("again")
	waitFor(t, "second reply", func() bool { return len(relay.assistantMessages()) == 2 })
	waitFor(t, "second turn uploads", func() bool { return uploader.uploadCount() == 4 })
}

func TestUploadFailureDropsArtifactNotTurn(t *testing.T) {
	ag := &fakeAgent{
		appendPerRun: []agent.Message{
			{Role: "tool", Image: []byte("png-a")},
		},
	}
	relay := &fakeRelay{}
	uploader := &fakeUploader{err: errors.New("storage down")}
	sess := NewSession(testDeps(&fakeFactory{agent: ag}, relay, uploader, 300*time.Millisecond), "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	sess.AddMessage("go")
	waitFor(t, "reply despite upload failure", func() bool { return len(relay.assistantMessages()) == 1 })

	for _, e := range relay.eventsByPhase(models.PhaseResult) {
		if len(e.Artifacts) > 0 {
			t.Errorf("Failed uploads must not produce artifacts: %+v", e.Artifacts)
		}
	}
	if sess.State() == StateTerminated {
		t.Error("Upload failure must not terminate the session")
	}
}

func TestAgentRunErrorEndsSession(t *testing.T) {
	ag := &fakeAgent{runErr: errors.New("tool call exploded")}
	relay := &fakeRelay{}
	sess := NewSession(testDeps(&fakeFactory{agent: ag}, relay, &fakeUploader{}, 5*time.Second), "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	sess.AddMessage("boom")
	waitFor(t, "termination", func() bool { return sess.State() == StateTerminated })

	foundError := false
	for _, e := range relay.eventsByPhase(models.PhaseResult) {
		if strings.Contains(e.Message, "tool call exploded") {
			foundError = true
			break
		}
	}
	if !foundError {
		t.Error("Expected a result event carrying the error text")
	}
	if got := len(relay.eventsByPhase(models.PhaseCompleted)); got != 1 {
		t.Errorf("Expected exactly one completed event, got %d", got)
	}
}

func TestAgentCreationFailure(t *testing.T) {
	relay := &fakeRelay{}
	sess := NewSession(testDeps(&fakeFactory{err: errors.New("runtime unreachable")}, relay, &fakeUploader{}, 5*time.Second), "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	waitFor(t, "termination", func() bool { return sess.State() == StateTerminated })

	results := relay.eventsByPhase(models.PhaseResult)
	if len(results) != 1 || !strings.Contains(results[0].Message, "runtime unreachable") {
		t.Errorf("Expected one result event with the creation error, got %+v", results)
	}
	if got := len(relay.eventsByPhase(models.PhaseCompleted)); got != 1 {
		t.Errorf("Expected exactly one completed event, got %d", got)
	}
}

func TestFailureContainmentAcrossSessions(t *testing.T) {
	relayA := &fakeRelay{}
	relayB := &fakeRelay{}
	sessA := NewSession(testDeps(&fakeFactory{agent: &fakeAgent{runErr: errors.New("dead")}}, relayA, &fakeUploader{}, time.Second), "sA", "u1", "pro", nil)
	sessB := NewSession(testDeps(&fakeFactory{agent: &fakeAgent{}}, relayB, &fakeUploader{}, time.Second), "sB", "u2", "free", nil)

	sessA.Start(context.Background())
	sessB.Start(context.Background())
	sessA.AddMessage("boom")
	sessB.AddMessage("hello")

	waitFor(t, "session A failure", func() bool { return sessA.State() == StateTerminated })
	waitFor(t, "session B reply", func() bool { return len(relayB.assistantMessages()) == 1 })

	if sessB.State() == StateTerminated {
		t.Error("Session A's failure must not terminate session B")
	}
}

func TestRelayFailureDoesNotAbortTurn(t *testing.T) {
	ag := &fakeAgent{}
	relay := &fakeRelay{failAll: true}
	sess := NewSession(testDeps(&fakeFactory{agent: ag}, relay, &fakeUploader{}, time.Second), "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	sess.AddMessage("one")
	waitFor(t, "first turn processed", func() bool { return ag.runCount() == 1 })

	// A second message still gets through: relay failures never end the loop
	sess.AddMessage("two")
	waitFor(t, "second turn processed", func() bool { return ag.runCount() == 2 })
}

func TestRunCeilingTimeoutEndsTurn(t *testing.T) {
	relay := &fakeRelay{}
	deps := testDeps(nil, relay, &fakeUploader{}, 5*time.Second)
	deps.RunTimeout = 30 * time.Millisecond
	deps.Factory = staticFactory{inst: &hangingAgent{}}
	sess := NewSession(deps, "s1", "u1", "pro", nil)

	sess.Start(context.Background())
	sess.AddMessage("slow")
	waitFor(t, "termination via run ceiling", func() bool { return sess.State() == StateTerminated })

	if got := len(relay.eventsByPhase(models.PhaseCompleted)); got != 1 {
		t.Errorf("Expected exactly one completed event, got %d", got)
	}
}

// hangingAgent blocks until its context is cancelled.
type hangingAgent struct{}

func (a *hangingAgent) Run(ctx context.Context, text string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (a *hangingAgent) Memory() []agent.Message { return nil }

type staticFactory struct{ inst agent.Instance }

func (f staticFactory) Create(ctx context.Context, params agent.SessionParams) (agent.Instance, error) {
	return f.inst, nil
}

func TestMessageQueueFIFOAndTimeout(t *testing.T) {
	q := newMessageQueue()

	if _, ok := q.Pop(context.Background(), 20*time.Millisecond); ok {
		t.Error("Pop on empty queue should time out")
	}

	q.Push("a")
	q.Push("b")
	q.Push("c")
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop(context.Background(), 20*time.Millisecond)
		if !ok || got != want {
			t.Errorf("Expected %q, got %q (ok=%v)", want, got, ok)
		}
	}

	// Cancellation unblocks a waiting Pop
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, ok := q.Pop(ctx, time.Minute); ok {
		t.Error("Pop should return false on context cancellation")
	}
}

func TestMessageQueueDeadlineRecheck(t *testing.T) {
	q := newMessageQueue()
	type result struct {
		item string
		ok   bool
	}
	res := make(chan result, 1)
	go func() {
		item, ok := q.Pop(context.Background(), 50*time.Millisecond)
		res <- result{item, ok}
	}()

	// Land an item without a wake signal, standing in for a push whose
	// wake loses the select race against the deadline. Pop's deadline
	// branch must still find it instead of reporting a timeout.
	time.Sleep(10 * time.Millisecond)
	q.mu.Lock()
	q.items = append(q.items, "landed")
	q.mu.Unlock()

	got := <-res
	if !got.ok || got.item != "landed" {
		t.Fatalf("Expected the deadline path to return the queued item, got (%q, %v)", got.item, got.ok)
	}
}
