package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controllerFixture struct {
	gateway  *fakeGateway
	session  *Session
	ctrl     *Controller
	notices  *noticeRecorder
	bus      *EventBus
	received chan Invalidation
}

func newControllerFixture(t *testing.T, gen Generator, refresh time.Duration) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		gateway: newFakeGateway(),
		session: NewSession(gen, "test-model"),
		notices: &noticeRecorder{},
		bus:     NewEventBus(nil),
	}
	ctx, cancel := context.WithCancel(context.Background())
	received, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	f.received = make(chan Invalidation, 64)
	go func() {
		for inv := range received {
			f.received <- inv
		}
	}()

	f.ctrl = NewController(f.gateway, f.session, ControllerOptions{
		RefreshInterval: refresh,
		SaveTimeout:     time.Second,
		Bus:             f.bus,
		OnNotice:        f.notices.record,
	})
	t.Cleanup(func() {
		f.ctrl.Close()
		cancel()
		f.bus.Close()
	})
	return f
}

// turn sends content and waits until the reply settled and its save finished.
func (f *controllerFixture) turn(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, f.ctrl.Send(content))
	f.session.Wait()
	f.ctrl.Flush()
}

func (f *controllerFixture) expectInvalidation(t *testing.T, op InvalidationOp) Invalidation {
	t.Helper()
	select {
	case inv := <-f.received:
		require.Equal(t, op, inv.Op)
		return inv
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s invalidation", op)
		return Invalidation{}
	}
}

func TestFirstTurnCreatesConversation(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"Entropy is ", "disorder."}}, time.Hour)

	state, id := f.ctrl.State()
	assert.Equal(t, SyncUnsaved, state)
	assert.Empty(t, id)

	f.turn(t, "Explain entropy in thermodynamics, briefly")

	state, id = f.ctrl.State()
	assert.Equal(t, SyncSaved, state)
	require.NotEmpty(t, id)
	assert.Equal(t, id, f.session.Snapshot().ConversationID)

	stored := f.gateway.stored(id)
	require.NotNil(t, stored)
	assert.Equal(t, "Explain entropy in thermodynamics, briefly", stored.Title)
	assert.Equal(t, []string{
		"user:Explain entropy in thermodynamics, briefly",
		"assistant:Entropy is disorder.",
	}, contents(stored.Messages))

	inv := f.expectInvalidation(t, InvalidationCreated)
	assert.Equal(t, id, inv.ConversationID)
}

func TestLaterTurnsUpdateWithFullSequence(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ack"}}, time.Hour)

	f.turn(t, "one")
	f.turn(t, "two")
	f.turn(t, "three")

	creates, updates := f.gateway.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 2, updates)

	_, id := f.ctrl.State()
	assert.Equal(t, []string{
		"user:one", "assistant:ack",
		"user:two", "assistant:ack",
		"user:three", "assistant:ack",
	}, contents(f.gateway.stored(id).Messages))
}

func TestRapidTurnsCreateOnce(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)
	gate := make(chan struct{})
	f.gateway.createGate = gate

	require.NoError(t, f.ctrl.Send("first"))
	f.session.Wait()
	require.Eventually(t, func() bool {
		state, _ := f.ctrl.State()
		return state == SyncSaving
	}, time.Second, time.Millisecond)

	// Completes while the create is still in flight.
	require.NoError(t, f.ctrl.Send("second"))
	f.session.Wait()

	close(gate)
	f.ctrl.Flush()

	creates, updates := f.gateway.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, updates, "pending turn is coalesced into one follow-up save")

	state, id := f.ctrl.State()
	assert.Equal(t, SyncSaved, state)
	assert.Equal(t, []string{
		"user:first", "assistant:ok",
		"user:second", "assistant:ok",
	}, contents(f.gateway.stored(id).Messages))
}

func TestCreateFailureRetriesOnNextTurn(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)
	f.gateway.createErrs = []error{TransportError("connection refused", errors.New("dial tcp"))}

	f.turn(t, "first")

	state, id := f.ctrl.State()
	assert.Equal(t, SyncUnsaved, state)
	assert.Empty(t, id)
	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ErrTransport, notices[0].Kind)
	assert.Equal(t, "create", notices[0].Op)

	f.turn(t, "second")

	creates, _ := f.gateway.counts()
	assert.Equal(t, 2, creates)
	state, id = f.ctrl.State()
	assert.Equal(t, SyncSaved, state)
	assert.Len(t, f.gateway.stored(id).Messages, 4, "no message is dropped by the failed create")
}

func TestErroredTurnIsNotSaved(t *testing.T) {
	gen := &scriptedGenerator{reply: []string{"par"}, err: errors.New("model overloaded")}
	f := newControllerFixture(t, gen, time.Hour)

	f.turn(t, "question")

	creates, updates := f.gateway.counts()
	assert.Zero(t, creates)
	assert.Zero(t, updates)
	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ErrStream, notices[0].Kind)
	assert.Equal(t, StatusError, f.session.Status())

	// The next successful turn persists everything kept locally.
	gen.err = nil
	gen.reply = []string{"done"}
	f.turn(t, "again")
	_, id := f.ctrl.State()
	assert.Equal(t, []string{
		"user:question", "assistant:par",
		"user:again", "assistant:done",
	}, contents(f.gateway.stored(id).Messages))
}

func TestStoppedTurnIsSaved(t *testing.T) {
	gen := newManualGenerator()
	f := newControllerFixture(t, gen, time.Hour)

	require.NoError(t, f.ctrl.Send("long answer please"))
	ms := gen.next()
	require.True(t, ms.send("Part one"))
	require.Eventually(t, func() bool { return f.session.Status() == StatusStreaming }, time.Second, time.Millisecond)

	f.ctrl.Stop()
	f.session.Wait()
	f.ctrl.Flush()

	_, id := f.ctrl.State()
	require.NotEmpty(t, id)
	assert.Equal(t, []string{"user:long answer please", "assistant:Part one"}, contents(f.gateway.stored(id).Messages))
}

func TestSwitchDuringStreamDropsOldDeltas(t *testing.T) {
	gen := newManualGenerator()
	f := newControllerFixture(t, gen, time.Hour)
	f.gateway.put(&Conversation{ID: "conv-b", Title: "B", Messages: []Message{{Role: RoleUser, Content: "b question"}}})

	require.NoError(t, f.ctrl.Send("a question"))
	ms := gen.next()
	require.True(t, ms.send("a partial"))

	require.NoError(t, f.ctrl.Open(context.Background(), "conv-b"))
	ms.send(" a late delta")
	ms.finish(nil)
	f.ctrl.Flush()

	snap := f.session.Snapshot()
	assert.Equal(t, "conv-b", snap.ConversationID)
	assert.Equal(t, []string{"user:b question"}, contents(snap.Messages))
	state, id := f.ctrl.State()
	assert.Equal(t, SyncSaved, state)
	assert.Equal(t, "conv-b", id)

	creates, _ := f.gateway.counts()
	assert.Zero(t, creates, "the abandoned turn is not persisted into any conversation")
}

func TestSwitchCancelsInFlightSave(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)
	f.gateway.put(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "a"}}})
	f.gateway.put(&Conversation{ID: "conv-b", Messages: []Message{{Role: RoleUser, Content: "b"}}})

	require.NoError(t, f.ctrl.Open(context.Background(), "conv-a"))
	f.gateway.updateGate = make(chan struct{})

	require.NoError(t, f.ctrl.Send("more"))
	f.session.Wait()
	require.Eventually(t, func() bool {
		state, _ := f.ctrl.State()
		return state == SyncSaving
	}, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Open(context.Background(), "conv-b") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("switch blocked on an in-flight save")
	}

	assert.Equal(t, "conv-b", f.session.Snapshot().ConversationID)
	assert.Equal(t, []string{"user:a"}, contents(f.gateway.stored("conv-a").Messages))
	assert.Empty(t, f.notices.all(), "cancelled saves are not reported")
}

func TestOpenMissingConversationKeepsSession(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)
	f.turn(t, "keep me")
	before := f.session.Snapshot()

	err := f.ctrl.Open(context.Background(), "conv-missing")
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrNotFound))

	after := f.session.Snapshot()
	assert.Equal(t, before.ConversationID, after.ConversationID)
	assert.Equal(t, before.Messages, after.Messages)
	notices := f.notices.all()
	require.NotEmpty(t, notices)
	assert.Equal(t, ErrNotFound, notices[len(notices)-1].Kind)
}

func TestRefreshAppliesRemoteChangesSilently(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, 10*time.Millisecond)
	f.gateway.put(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "v1"}}})
	require.NoError(t, f.ctrl.Open(context.Background(), "conv-a"))

	// Another device appends to the conversation.
	_, err := f.gateway.Update(context.Background(), "conv-a", []Message{
		{Role: RoleUser, Content: "v1"},
		{Role: RoleAssistant, Content: "from elsewhere"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.session.Snapshot().Messages) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.notices.all())
}

func TestRefreshNeverClobbersUnsavedLocalTurn(t *testing.T) {
	gen := &scriptedGenerator{reply: []string{"x"}, err: errors.New("boom")}
	f := newControllerFixture(t, gen, 10*time.Millisecond)
	f.gateway.put(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "v1"}}})
	require.NoError(t, f.ctrl.Open(context.Background(), "conv-a"))

	// Errored turns stay local until the next successful turn.
	f.turn(t, "unsaved question")
	_, err := f.gateway.Update(context.Background(), "conv-a", []Message{{Role: RoleUser, Content: "remote"}})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"user:v1", "user:unsaved question", "assistant:x"}, contents(f.session.Snapshot().Messages))
}

func TestRenameAndDelete(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)
	f.turn(t, "to be deleted")
	_, id := f.ctrl.State()
	f.expectInvalidation(t, InvalidationCreated)

	require.NoError(t, f.ctrl.Rename(context.Background(), id, "Renamed"))
	f.expectInvalidation(t, InvalidationRenamed)
	assert.Equal(t, "Renamed", f.gateway.stored(id).Title)

	require.NoError(t, f.ctrl.Delete(context.Background(), id))
	f.expectInvalidation(t, InvalidationDeleted)

	state, activeID := f.ctrl.State()
	assert.Equal(t, SyncUnsaved, state)
	assert.Empty(t, activeID)
	assert.Empty(t, f.session.Snapshot().Messages)

	err := f.ctrl.Delete(context.Background(), id)
	assert.True(t, IsKind(err, ErrNotFound))
}

func TestNewChatStartsUnsaved(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)
	f.turn(t, "first chat")
	_, first := f.ctrl.State()

	f.ctrl.NewChat()
	f.turn(t, "second chat")
	_, second := f.ctrl.State()

	assert.NotEqual(t, first, second)
	creates, _ := f.gateway.counts()
	assert.Equal(t, 2, creates)
}

func TestRefreshSkippedWhileSaveInFlight(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"local answer"}}, 10*time.Millisecond)
	f.gateway.put(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "v1"}}})
	require.NoError(t, f.ctrl.Open(context.Background(), "conv-a"))
	f.gateway.updateGate = make(chan struct{})

	require.NoError(t, f.ctrl.Send("local question"))
	f.session.Wait()
	require.Eventually(t, func() bool {
		state, _ := f.ctrl.State()
		return state == SyncSaving
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	gets := f.gateway.getCount()

	// A remote edit lands while the local save is blocked.
	f.gateway.put(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "remote"}}})
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, gets, f.gateway.getCount(), "no refresh while the save is in flight")
	want := []string{"user:v1", "user:local question", "assistant:local answer"}
	assert.Equal(t, want, contents(f.session.Snapshot().Messages))

	close(f.gateway.updateGate)
	f.ctrl.Flush()
	assert.Equal(t, want, contents(f.gateway.stored("conv-a").Messages))
}

func TestSwitchStopsOldRefresh(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, 10*time.Millisecond)
	f.gateway.put(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "a"}}})
	f.gateway.put(&Conversation{ID: "conv-b", Messages: []Message{{Role: RoleUser, Content: "b"}}})

	require.NoError(t, f.ctrl.Open(context.Background(), "conv-a"))
	require.NoError(t, f.ctrl.Open(context.Background(), "conv-b"))

	_, err := f.gateway.Update(context.Background(), "conv-a", []Message{{Role: RoleUser, Content: "a edited elsewhere"}})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	snap := f.session.Snapshot()
	assert.Equal(t, "conv-b", snap.ConversationID)
	assert.Equal(t, []string{"user:b"}, contents(snap.Messages))

	// The new conversation is still refreshed.
	_, err = f.gateway.Update(context.Background(), "conv-b", []Message{{Role: RoleUser, Content: "b edited elsewhere"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		messages := f.session.Snapshot().Messages
		return len(messages) == 1 && messages[0].Content == "b edited elsewhere"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "conv-b", f.session.Snapshot().ConversationID)
}

func TestStaleErroredTurnIsNotReported(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)
	left := f.session.Snapshot().Epoch
	f.ctrl.NewChat()

	failed := StreamResult{Outcome: OutcomeErrored, Err: StreamError(errors.New("upstream 502"))}
	f.ctrl.handleSettled(SettleEvent{Result: failed, Snapshot: Snapshot{Epoch: left}})
	assert.Empty(t, f.notices.all())

	f.ctrl.handleSettled(SettleEvent{Result: failed, Snapshot: f.session.Snapshot()})
	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ErrStream, notices[0].Kind)
}

func TestFlushWhileSavesStart(t *testing.T) {
	f := newControllerFixture(t, &scriptedGenerator{reply: []string{"ok"}}, time.Hour)

	stop := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-stop:
				return
			default:
				f.ctrl.Flush()
			}
		}
	}()

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, f.ctrl.Send(content))
		f.session.Wait()
	}
	close(stop)
	<-flushed
	f.ctrl.Flush()

	_, id := f.ctrl.State()
	require.NotEmpty(t, id)
	assert.Len(t, f.gateway.stored(id).Messages, 8)
}

func TestControllerSetModel(t *testing.T) {
	gen := &scriptedGenerator{reply: []string{"ok"}}
	f := newControllerFixture(t, gen, time.Hour)

	f.ctrl.SetModel("gpt-4o-mini")
	f.turn(t, "hello")
	assert.Equal(t, []string{"gpt-4o-mini"}, gen.modelsUsed())
}
