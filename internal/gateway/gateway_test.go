package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/internal/events/bus"
	"github.com/lifeops/agentd/internal/session"
	"github.com/lifeops/agentd/internal/session/repository"
	"github.com/lifeops/agentd/internal/transcript"
	"github.com/lifeops/agentd/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

type fakeActive struct{ n int }

func (f *fakeActive) ActiveCount() int { return f.n }

// env bundles the gateway handlers with their collaborators for direct
// dispatch tests (no real WebSocket connection).
type env struct {
	hub        *Hub
	handlers   *Handlers
	dispatcher *wire.Dispatcher
	bus        *bus.MemoryEventBus
	repo       repository.Repository
	store      *transcript.Store
}

func newEnv(t *testing.T, secret string) *env {
	t.Helper()
	log := testLogger(t)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	repo := repository.NewMemoryRepository()
	store, err := transcript.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	handlers, dispatcher := NewHandlers(secret, "127.0.0.1", 8790,
		hub, eventBus, repo, store, &fakeActive{n: 2}, log)
	return &env{
		hub:        hub,
		handlers:   handlers,
		dispatcher: dispatcher,
		bus:        eventBus,
		repo:       repo,
		store:      store,
	}
}

// connect registers a pumpless client for handler tests.
func (e *env) connect(t *testing.T, id string, authenticated bool) *Client {
	t.Helper()
	client := NewClient(id, nil, e.hub, e.dispatcher, 15*time.Second, authenticated, testLogger(t))
	e.hub.Register(client)
	require.Eventually(t, func() bool { return e.hub.Client(id) != nil },
		time.Second, 5*time.Millisecond)
	return client
}

func mustMessage(t *testing.T, msgType string, payload interface{}) *wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.ID = "req-1"
	return msg
}

// recv pops one queued outbound frame from the client's send buffer.
func recv(t *testing.T, c *Client) *wire.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg wire.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message queued for client")
		return nil
	}
}

func TestHubBroadcastReachesOnlySubscribers(t *testing.T) {
	e := newEnv(t, "")
	sub := e.connect(t, "c1", true)
	other := e.connect(t, "c2", true)

	e.hub.Subscribe(sub, "s1")
	e.hub.BroadcastToSession("s1", []byte(`{"type":"agent.stream"}`))

	select {
	case data := <-sub.send:
		assert.JSONEq(t, `{"type":"agent.stream"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the broadcast")
	}

	select {
	case <-other.send:
		t.Fatal("non-subscriber received a session event")
	default:
	}
}

func TestHubFullBufferDoesNotBlock(t *testing.T) {
	e := newEnv(t, "")
	stuck := e.connect(t, "stuck", true)
	healthy := e.connect(t, "healthy", true)
	e.hub.Subscribe(stuck, "s1")
	e.hub.Subscribe(healthy, "s1")

	for i := 0; i < cap(stuck.send); i++ {
		stuck.send <- []byte("{}")
	}

	done := make(chan struct{})
	go func() {
		e.hub.BroadcastToSession("s1", []byte(`{"n":1}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}

	// The healthy client still got the event.
	require.Eventually(t, func() bool { return len(healthy.send) == 1 },
		time.Second, 5*time.Millisecond)
}

func TestHubBroadcastDuringDisconnect(t *testing.T) {
	e := newEnv(t, "")

	// Fan out continuously while clients disconnect. The hub closes send
	// channels under its lock; a broadcast must never race that close.
	clients := make([]*Client, 50)
	for i := range clients {
		clients[i] = e.connect(t, fmt.Sprintf("c%d", i), true)
		e.hub.Subscribe(clients[i], "s1")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				e.hub.BroadcastToSession("s1", []byte(`{"type":"agent.stream"}`))
			}
		}
	}()

	for _, c := range clients {
		e.hub.Unregister(c)
	}
	require.Eventually(t, func() bool { return e.hub.ClientCount() == 0 },
		2*time.Second, 5*time.Millisecond)

	close(stop)
	wg.Wait()
}

func TestHubUnregisterCleansSubscriptions(t *testing.T) {
	e := newEnv(t, "")
	client := e.connect(t, "c1", true)
	e.hub.Subscribe(client, "s1")

	e.hub.Unregister(client)
	require.Eventually(t, func() bool { return e.hub.Client("c1") == nil },
		time.Second, 5*time.Millisecond)

	// Broadcast after unregister must not panic or deliver.
	e.hub.BroadcastToSession("s1", []byte("{}"))
	assert.Zero(t, e.hub.ClientCount())
}

func TestAuthWithSecret(t *testing.T) {
	e := newEnv(t, "s3cret")
	client := e.connect(t, "c1", false)

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeAuth, wire.AuthPayload{Secret: "wrong"}))
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAuthFail, resp.Type)
	assert.False(t, client.Authenticated())

	resp, err = e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeAuth, wire.AuthPayload{Secret: "s3cret", Channel: "cli"}))
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAuthOK, resp.Type)
	assert.True(t, client.Authenticated())

	var payload wire.AuthOKPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, "c1", payload.ClientID)
}

func TestLocalTrustAuth(t *testing.T) {
	e := newEnv(t, "")
	e.connect(t, "c1", true)

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeAuth, wire.AuthPayload{}))
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAuthOK, resp.Type)
}

func TestUnauthenticatedMessagesRejected(t *testing.T) {
	e := newEnv(t, "s3cret")
	client := e.connect(t, "c1", false)

	msg := mustMessage(t, wire.TypeAgentRequest, wire.AgentRequestPayload{Message: "hi"})
	client.handleMessage(context.Background(), msg)

	resp := recv(t, client)
	assert.Equal(t, wire.TypeError, resp.Type)
	var payload wire.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, wire.ErrorCodeAuthRequired, payload.Code)

	// Ping passes the gate even before auth.
	client.handleMessage(context.Background(), mustMessage(t, wire.TypePing, nil))
	assert.Equal(t, wire.TypePong, recv(t, client).Type)
}

func TestAgentRequestMintsSessionAndPublishes(t *testing.T) {
	e := newEnv(t, "")
	client := e.connect(t, "c1", true)

	requests := make(chan *bus.Event, 1)
	_, err := e.bus.Subscribe(bus.SubjectAgentRequested, func(ctx context.Context, ev *bus.Event) error {
		requests <- ev
		return nil
	})
	require.NoError(t, err)

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeAgentRequest, wire.AgentRequestPayload{Message: "fix it", Model: "opus"}))
	require.NoError(t, err)
	require.Equal(t, wire.TypeSessionData, resp.Type)

	var data wire.SessionDataPayload
	require.NoError(t, resp.ParsePayload(&data))
	require.NotNil(t, data.Session)
	require.NotEmpty(t, data.Session.ID)

	select {
	case ev := <-requests:
		assert.Equal(t, data.Session.ID, ev.String("session_id"))
		assert.Equal(t, "fix it", ev.String("message"))
		assert.Equal(t, "opus", ev.String("model"))
	case <-time.After(2 * time.Second):
		t.Fatal("agent.requested never published")
	}

	// The requester is now subscribed to the minted session.
	e.hub.BroadcastToSession(data.Session.ID, []byte(`{"type":"agent.stream"}`))
	assert.Equal(t, "agent.stream", recv(t, client).Type)
}

func TestAgentRequestRequiresMessage(t *testing.T) {
	e := newEnv(t, "")
	e.connect(t, "c1", true)

	_, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeAgentRequest, wire.AgentRequestPayload{}))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeBadRequest))
}

func TestAgentCancelPublishes(t *testing.T) {
	e := newEnv(t, "")
	e.connect(t, "c1", true)

	cancels := make(chan *bus.Event, 1)
	_, err := e.bus.Subscribe(bus.SubjectAgentCancel, func(ctx context.Context, ev *bus.Event) error {
		cancels <- ev
		return nil
	})
	require.NoError(t, err)

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeAgentCancel, wire.AgentCancelPayload{SessionID: "s1"}))
	require.NoError(t, err)
	assert.Nil(t, resp, "cancel has no direct response")

	select {
	case ev := <-cancels:
		assert.Equal(t, "s1", ev.String("session_id"))
	case <-time.After(2 * time.Second):
		t.Fatal("agent.cancel never published")
	}
}

func TestSessionListAndResume(t *testing.T) {
	e := newEnv(t, "")
	client := e.connect(t, "c1", true)

	require.NoError(t, e.repo.Create(context.Background(),
		&session.Session{ID: "s1", Model: "opus"}))
	require.NoError(t, e.store.Append("s1",
		transcript.NewMessage(transcript.RoleUser, "hello", nil)))
	require.NoError(t, e.store.Append("s1",
		transcript.NewMessage(transcript.RoleAssistant, "hi", nil)))

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeSessionList, nil))
	require.NoError(t, err)
	var list wire.SessionDataPayload
	require.NoError(t, resp.ParsePayload(&list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "s1", list.Sessions[0].ID)

	resp, err = e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeSessionResume, wire.SessionResumePayload{SessionID: "s1"}))
	require.NoError(t, err)
	var resume wire.SessionDataPayload
	require.NoError(t, resp.ParsePayload(&resume))
	require.NotNil(t, resume.Session)
	assert.Len(t, resume.History, 2)

	// Resume subscribed the client to the session.
	e.hub.BroadcastToSession("s1", []byte(`{"type":"agent.stream"}`))
	assert.Equal(t, "agent.stream", recv(t, client).Type)
}

func TestSessionListIncludesTranscriptOnlySessions(t *testing.T) {
	e := newEnv(t, "")
	e.connect(t, "c1", true)

	// A transcript left by an earlier daemon run, unknown to the repository.
	require.NoError(t, e.store.Append("old",
		transcript.NewMessage(transcript.RoleUser, "hello", nil)))
	require.NoError(t, e.store.Append("old",
		transcript.NewMessage(transcript.RoleAssistant, "hi", nil)))
	require.NoError(t, e.repo.Create(context.Background(), &session.Session{ID: "live"}))

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeSessionList, nil))
	require.NoError(t, err)
	var list wire.SessionDataPayload
	require.NoError(t, resp.ParsePayload(&list))
	require.Len(t, list.Sessions, 2)

	byID := map[string]wire.Session{}
	for _, s := range list.Sessions {
		byID[s.ID] = s
	}
	old, ok := byID["old"]
	require.True(t, ok, "transcript-only session missing from list")
	assert.Equal(t, session.StatusIdle, old.Status)
	assert.Equal(t, 2, old.MessageCount)
	assert.False(t, old.CreatedAt.IsZero())
	assert.False(t, old.LastActivity.Before(old.CreatedAt))
}

func TestSessionResumeUnknownSession(t *testing.T) {
	e := newEnv(t, "")
	e.connect(t, "c1", true)

	_, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeSessionResume, wire.SessionResumePayload{SessionID: "nope"}))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestStatusSnapshot(t *testing.T) {
	e := newEnv(t, "")
	e.connect(t, "c1", true)
	require.NoError(t, e.repo.Create(context.Background(), &session.Session{ID: "s1"}))

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, wire.TypeStatus, nil))
	require.NoError(t, err)
	require.Equal(t, wire.TypeStatusData, resp.Type)

	var status wire.StatusPayload
	require.NoError(t, resp.ParsePayload(&status))
	assert.True(t, status.Running)
	assert.Equal(t, 8790, status.Port)
	assert.Equal(t, "127.0.0.1", status.Bind)
	assert.Equal(t, 2, status.ActiveSessions)
	assert.Equal(t, 1, status.TotalSessions)
	assert.Len(t, status.Clients, 1)
	assert.NotZero(t, status.PID)
}

func TestUnknownMessageType(t *testing.T) {
	e := newEnv(t, "")
	e.connect(t, "c1", true)

	resp, err := e.dispatcher.Dispatch(context.Background(), "c1",
		mustMessage(t, "bogus.type", nil))
	require.NoError(t, err)
	require.Equal(t, wire.TypeError, resp.Type)
	var payload wire.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, wire.ErrorCodeUnknownType, payload.Code)
}
