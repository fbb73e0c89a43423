package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/internal/events/bus"
	"github.com/lifeops/agentd/internal/runtime"
	"github.com/lifeops/agentd/internal/session/repository"
	"github.com/lifeops/agentd/internal/supervisor"
	"github.com/lifeops/agentd/internal/transcript"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// fakeExec is a scriptable runtime execution.
type fakeExec struct {
	events        chan runtime.Event
	closeOnCancel bool

	mu      sync.Mutex
	cancels int
}

func newFakeExec(closeOnCancel bool) *fakeExec {
	return &fakeExec{
		events:        make(chan runtime.Event, 32),
		closeOnCancel: closeOnCancel,
	}
}

func (f *fakeExec) Events() <-chan runtime.Event { return f.events }
func (f *fakeExec) Send(text string) error       { return nil }

func (f *fakeExec) Cancel() {
	f.mu.Lock()
	f.cancels++
	first := f.cancels == 1
	f.mu.Unlock()
	if first && f.closeOnCancel {
		f.finish(&runtime.Result{})
	}
}

func (f *fakeExec) finish(result *runtime.Result) {
	f.events <- runtime.Event{Type: runtime.EventDone, Result: result}
	close(f.events)
}

func (f *fakeExec) fail(err error) {
	f.events <- runtime.Event{Type: runtime.EventError, Err: err}
	close(f.events)
}

// fakeRunner hands out pre-seeded executions in order.
type fakeRunner struct {
	mu    sync.Mutex
	execs []*fakeExec
	reqs  []runtime.Request
}

func (r *fakeRunner) Start(ctx context.Context, req runtime.Request) (runtime.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if len(r.execs) == 0 {
		return nil, apperrors.SpawnFailure(os.ErrNotExist)
	}
	exec := r.execs[0]
	r.execs = r.execs[1:]
	return exec, nil
}

func (r *fakeRunner) requests() []runtime.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.Request(nil), r.reqs...)
}

// testHarness bundles a manager with its collaborators and a tap on the
// session event stream.
type testHarness struct {
	mgr    *Manager
	runner *fakeRunner
	repo   repository.Repository
	store  *transcript.Store
	events chan *bus.Event

	// seen holds messages received while waiting for a different type. The
	// memory bus dispatches asynchronously, so arrival order across
	// publishes is not guaranteed.
	seen []seenMessage
}

type seenMessage struct {
	Type    string
	Payload map[string]interface{}
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	log := testLogger(t)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	events := make(chan *bus.Event, 128)
	_, err := eventBus.Subscribe(bus.SubjectSessionEvents, func(ctx context.Context, e *bus.Event) error {
		events <- e
		return nil
	})
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace"), 0o755))
	policy, err := supervisor.NewSecurityPolicy(root, []string{"workspace"}, log)
	require.NoError(t, err)

	factory := func(goal string) *supervisor.Supervisor {
		return supervisor.New(supervisor.Config{
			Goal:         goal,
			EvalInterval: time.Hour,
		}, policy, supervisor.NewRuleEvaluator(), log)
	}

	store, err := transcript.NewStore(filepath.Join(root, "transcripts"), log)
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	t.Cleanup(func() { _ = repo.Close() })

	runner := &fakeRunner{}
	mgr := NewManager(cfg, runner, factory, store, repo, eventBus, log)
	return &testHarness{mgr: mgr, runner: runner, repo: repo, store: store, events: events}
}

// waitFor returns the next published wire message of the given type. Other
// messages that arrive first are kept in h.seen for later inspection.
func (h *testHarness) waitFor(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	for i, s := range h.seen {
		if s.Type == msgType {
			h.seen = append(h.seen[:i], h.seen[i+1:]...)
			return s.Payload
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.events:
			raw, err := json.Marshal(e.Data["message"])
			require.NoError(t, err)
			var msg struct {
				Type    string                 `json:"type"`
				Payload map[string]interface{} `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type != msgType {
				h.seen = append(h.seen, seenMessage{Type: msg.Type, Payload: msg.Payload})
				continue
			}
			return msg.Payload
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func (h *testHarness) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.mgr.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Zero(t, h.mgr.ActiveCount(), "manager never drained")
}

func TestManagerHappyPath(t *testing.T) {
	h := newHarness(t, Config{Model: "sonnet"})
	exec := newFakeExec(false)
	h.runner.execs = []*fakeExec{exec}

	h.mgr.HandleRequest(context.Background(), "s1", "fix the bug", "", "")

	exec.events <- runtime.Event{Type: runtime.EventText, Text: "looking"}
	exec.events <- runtime.Event{Type: runtime.EventToolUse, Tool: "Bash", Input: map[string]any{"command": "ls"}}
	exec.events <- runtime.Event{Type: runtime.EventToolResult, Tool: "Bash", Output: "main.go"}
	exec.finish(&runtime.Result{Text: "fixed", ToolsUsed: []string{"Bash"}, NumTurns: 1})

	done := h.waitFor(t, "agent.done")
	assert.Equal(t, "completed", done["reason"])

	stream := h.waitFor(t, "agent.stream")
	assert.Equal(t, "looking", stream["text"])
	toolUse := h.waitFor(t, "agent.tool_use")
	assert.Equal(t, "Bash", toolUse["tool"])
	toolResult := h.waitFor(t, "agent.tool_result")
	assert.Equal(t, "main.go", toolResult["output"])

	h.waitIdle(t)

	reqs := h.runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sonnet", reqs[0].Model)

	sess, err := h.repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "idle", sess.Status)
	assert.Equal(t, 2, sess.MessageCount)

	entries, err := h.store.Read("s1")
	require.NoError(t, err)
	var roles []string
	for _, e := range entries {
		if e.Kind == transcript.KindMessage {
			roles = append(roles, e.Role)
		}
	}
	assert.Equal(t, []string{transcript.RoleUser, transcript.RoleAssistant}, roles)
}

func TestManagerDuplicateRequestRejected(t *testing.T) {
	h := newHarness(t, Config{})
	exec := newFakeExec(true)
	h.runner.execs = []*fakeExec{exec}

	h.mgr.HandleRequest(context.Background(), "s1", "first", "", "")
	require.Equal(t, 1, h.mgr.ActiveCount())

	h.mgr.HandleRequest(context.Background(), "s1", "second", "", "")

	errPayload := h.waitFor(t, "agent.error")
	assert.Equal(t, apperrors.CodeConflict, errPayload["code"])

	// The first execution is untouched.
	assert.Equal(t, 1, h.mgr.ActiveCount())
	require.Len(t, h.runner.requests(), 1)

	h.mgr.CancelSession("s1")
	h.waitIdle(t)
}

func TestManagerIdleCancelIsNoop(t *testing.T) {
	h := newHarness(t, Config{})

	h.mgr.CancelSession("never-seen")

	select {
	case e := <-h.events:
		t.Fatalf("idle cancel published %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerCancelActive(t *testing.T) {
	h := newHarness(t, Config{})
	exec := newFakeExec(true)
	h.runner.execs = []*fakeExec{exec}

	h.mgr.HandleRequest(context.Background(), "s1", "task", "", "")
	h.mgr.CancelSession("s1")

	done := h.waitFor(t, "agent.done")
	assert.Equal(t, "cancelled", done["reason"])
	h.waitIdle(t)
}

// blockingRunner parks Start until released, so a test can act while the
// runner start is in flight.
type blockingRunner struct {
	inner   *fakeRunner
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRunner) Start(ctx context.Context, req runtime.Request) (runtime.Execution, error) {
	close(r.entered)
	<-r.release
	return r.inner.Start(ctx, req)
}

func TestManagerCancelDuringStart(t *testing.T) {
	h := newHarness(t, Config{})
	exec := newFakeExec(true)
	h.runner.execs = []*fakeExec{exec}
	br := &blockingRunner{inner: h.runner, entered: make(chan struct{}), release: make(chan struct{})}
	h.mgr.runner = br

	go h.mgr.HandleRequest(context.Background(), "s1", "task", "", "")

	// The session is active but its execution does not exist yet. The
	// cancel must land on the supervisor, not crash.
	<-br.entered
	h.mgr.CancelSession("s1")
	close(br.release)

	done := h.waitFor(t, "agent.done")
	assert.Equal(t, "cancelled", done["reason"])
	h.waitIdle(t)
}

func TestManagerRateLimitRetriesWithFallback(t *testing.T) {
	h := newHarness(t, Config{Model: "opus", FallbackModel: "sonnet"})
	first := newFakeExec(false)
	second := newFakeExec(false)
	h.runner.execs = []*fakeExec{first, second}

	h.mgr.HandleRequest(context.Background(), "s1", "task", "", "")
	first.fail(apperrors.RateLimited("429 too many requests"))

	// The retry is transparent; the fallback run completes normally.
	deadline := time.Now().Add(5 * time.Second)
	for len(h.runner.requests()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	reqs := h.runner.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "opus", reqs[0].Model)
	assert.Equal(t, "sonnet", reqs[1].Model)

	second.finish(&runtime.Result{Text: "done"})
	done := h.waitFor(t, "agent.done")
	assert.Equal(t, "completed", done["reason"])
	h.waitIdle(t)

	// No error surfaced to subscribers for the rate-limited first attempt.
	for {
		select {
		case e := <-h.events:
			assert.NotEqual(t, "agent.error", e.Type)
			continue
		default:
		}
		break
	}

	// The prompt was recorded once, not per attempt.
	sess, err := h.repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)
}

func TestManagerSecondRateLimitSurfaces(t *testing.T) {
	h := newHarness(t, Config{Model: "opus", FallbackModel: "sonnet"})
	first := newFakeExec(false)
	second := newFakeExec(false)
	h.runner.execs = []*fakeExec{first, second}

	h.mgr.HandleRequest(context.Background(), "s1", "task", "", "")
	first.fail(apperrors.RateLimited("429"))

	deadline := time.Now().Add(5 * time.Second)
	for len(h.runner.requests()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	second.fail(apperrors.RateLimited("429"))

	errPayload := h.waitFor(t, "agent.error")
	assert.Equal(t, apperrors.CodeRateLimited, errPayload["code"])
	h.waitIdle(t)
}

func TestManagerQueuesAtCapacity(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1})
	first := newFakeExec(false)
	second := newFakeExec(false)
	h.runner.execs = []*fakeExec{first, second}

	h.mgr.HandleRequest(context.Background(), "s1", "one", "", "")
	h.mgr.HandleRequest(context.Background(), "s2", "two", "", "")

	assert.Equal(t, 1, h.mgr.ActiveCount())
	assert.Equal(t, 1, h.mgr.QueuedCount())
	require.Len(t, h.runner.requests(), 1)

	first.finish(&runtime.Result{Text: "one done"})
	h.waitFor(t, "agent.done")

	deadline := time.Now().Add(5 * time.Second)
	for len(h.runner.requests()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	reqs := h.runner.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "s2", reqs[1].SessionID)
	assert.Zero(t, h.mgr.QueuedCount())

	second.finish(&runtime.Result{Text: "two done"})
	h.waitFor(t, "agent.done")
	h.waitIdle(t)
}

func TestManagerQueueFullRejected(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1, MaxQueued: 1})
	exec := newFakeExec(true)
	h.runner.execs = []*fakeExec{exec}

	h.mgr.HandleRequest(context.Background(), "s1", "one", "", "")
	h.mgr.HandleRequest(context.Background(), "s2", "two", "", "")
	h.mgr.HandleRequest(context.Background(), "s3", "three", "", "")

	errPayload := h.waitFor(t, "agent.error")
	assert.Equal(t, apperrors.CodeConflict, errPayload["code"])
	assert.Equal(t, "s3", errPayload["sessionId"])

	h.mgr.CancelSession("s2")
	assert.Zero(t, h.mgr.QueuedCount())
	h.mgr.CancelSession("s1")
	h.waitIdle(t)
}

func TestManagerSpawnFailurePublished(t *testing.T) {
	h := newHarness(t, Config{})
	// No execs seeded: the runner reports a spawn failure.

	h.mgr.HandleRequest(context.Background(), "s1", "task", "", "")

	errPayload := h.waitFor(t, "agent.error")
	assert.Equal(t, apperrors.CodeSpawnFailure, errPayload["code"])
	assert.Zero(t, h.mgr.ActiveCount())
}

func TestManagerBusRouting(t *testing.T) {
	h := newHarness(t, Config{})
	exec := newFakeExec(true)
	h.runner.execs = []*fakeExec{exec}

	require.NoError(t, h.mgr.Start(context.Background()))

	eventBus := h.mgr.bus
	require.NoError(t, eventBus.Publish(context.Background(), bus.SubjectAgentRequested,
		bus.NewEvent("agent.requested", "test", map[string]interface{}{
			"session_id": "s1",
			"message":    "do the thing",
		})))

	deadline := time.Now().Add(5 * time.Second)
	for h.mgr.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, h.mgr.ActiveCount())

	require.NoError(t, eventBus.Publish(context.Background(), bus.SubjectAgentCancel,
		bus.NewEvent("agent.cancel", "test", map[string]interface{}{
			"session_id": "s1",
		})))

	done := h.waitFor(t, "agent.done")
	assert.Equal(t, "cancelled", done["reason"])
	h.waitIdle(t)
}
