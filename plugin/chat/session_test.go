package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendUserMessageValidation(t *testing.T) {
	s := NewSession(&scriptedGenerator{reply: []string{"ok"}}, "test-model")
	defer s.Close()

	for _, content := range []string{"", "   ", "\n\t"} {
		err := s.AppendUserMessage(content)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrValidation))
	}
	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, StatusIdle, snap.Status)
}

func TestAppendUserMessageGrowsByOne(t *testing.T) {
	s := NewSession(&scriptedGenerator{}, "test-model")
	defer s.Close()

	inputs := []string{"first", "  second  ", "third\nline", "日本語"}
	var previous []Message
	for _, input := range inputs {
		require.NoError(t, s.AppendUserMessage(input))
		// An empty reply adds no assistant message.
		s.Wait()

		snap := s.Snapshot()
		require.Len(t, snap.Messages, len(previous)+1)
		if len(previous) > 0 {
			assert.Equal(t, previous, snap.Messages[:len(previous)])
		}
		assert.Equal(t, RoleUser, snap.Messages[len(previous)].Role)
		previous = snap.Messages
	}
	assert.Equal(t, "second", previous[1].Content)
}

func TestStreamDeltasBuildReply(t *testing.T) {
	s := NewSession(&scriptedGenerator{reply: []string{"Entropy ", "measures ", "disorder."}}, "test-model")
	defer s.Close()

	require.NoError(t, s.AppendUserMessage("Explain entropy"))
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, []string{"user:Explain entropy", "assistant:Entropy measures disorder."}, contents(snap.Messages))
	assert.Equal(t, StatusReady, snap.Status)
	assert.NoError(t, snap.Err)
}

func TestAppendRejectedWhileStreaming(t *testing.T) {
	gen := newManualGenerator()
	s := NewSession(gen, "test-model")
	defer s.Close()

	require.NoError(t, s.AppendUserMessage("one"))
	ms := gen.next()

	err := s.AppendUserMessage("two")
	assert.True(t, IsKind(err, ErrValidation))

	ms.finish(nil)
	s.Wait()
	assert.Len(t, s.Snapshot().Messages, 1)
	require.NoError(t, s.AppendUserMessage("two"))
}

func TestStreamFailureKeepsPartialReply(t *testing.T) {
	s := NewSession(&scriptedGenerator{reply: []string{"half an ans"}, err: errors.New("upstream 502")}, "test-model")
	defer s.Close()

	require.NoError(t, s.AppendUserMessage("question"))
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.True(t, IsKind(s.LastError(), ErrStream))
	assert.Equal(t, []string{"user:question", "assistant:half an ans"}, contents(snap.Messages))
}

func TestStopKeepsPartialReply(t *testing.T) {
	gen := newManualGenerator()
	s := NewSession(gen, "test-model")
	defer s.Close()

	var events []SettleEvent
	s.OnSettled(func(e SettleEvent) { events = append(events, e) })

	require.NoError(t, s.AppendUserMessage("tell me a story"))
	ms := gen.next()
	require.True(t, ms.send("Once upon"))
	require.Eventually(t, func() bool { return s.Status() == StatusStreaming }, time.Second, time.Millisecond)

	s.Stop()
	s.Wait()
	s.ApplyStreamDelta(" a time")

	snap := s.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, []string{"user:tell me a story", "assistant:Once upon"}, contents(snap.Messages))
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeCancelled, events[0].Result.Outcome)
}

func TestStopWhileStreamIsOpening(t *testing.T) {
	gen := newSlowOpenGenerator()
	s := NewSession(gen, "test-model")
	defer s.Close()

	appended := make(chan error, 1)
	go func() { appended <- s.AppendUserMessage("tell me a story") }()
	<-gen.opening
	assert.Equal(t, StatusSubmitted, s.Status())

	s.Stop()
	close(gen.release)
	require.NoError(t, <-appended)

	select {
	case <-gen.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("generation kept running after Stop")
	}
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, []string{"user:tell me a story"}, contents(snap.Messages))
}

func TestSetModelAppliesToNextGeneration(t *testing.T) {
	gen := &scriptedGenerator{reply: []string{"ok"}}
	s := NewSession(gen, "deepseek-chat")
	defer s.Close()

	require.NoError(t, s.AppendUserMessage("first"))
	s.Wait()
	s.SetModel("deepseek-reasoner")
	assert.Equal(t, "deepseek-reasoner", s.Model())
	require.NoError(t, s.AppendUserMessage("second"))
	s.Wait()

	assert.Equal(t, []string{"deepseek-chat", "deepseek-reasoner"}, gen.modelsUsed())
}

func TestLoadConversationDropsLateDeltas(t *testing.T) {
	gen := newManualGenerator()
	s := NewSession(gen, "test-model")
	defer s.Close()

	settled := 0
	s.OnSettled(func(SettleEvent) { settled++ })

	require.NoError(t, s.AppendUserMessage("old question"))
	ms := gen.next()
	require.True(t, ms.send("old "))
	require.Eventually(t, func() bool { return s.Status() == StatusStreaming }, time.Second, time.Millisecond)

	other := &Conversation{
		ID: "conv-b",
		Messages: []Message{
			{ID: "m1", Role: RoleUser, Content: "new question"},
			{ID: "m2", Role: RoleAssistant, Content: "new answer"},
		},
	}
	before := s.Snapshot().Epoch
	epoch := s.LoadConversation(other)
	assert.Greater(t, epoch, before)

	// Whatever the old stream still emits must not land in the new session.
	ms.send("reply")
	ms.finish(nil)
	// Direct deltas have no active generation to extend.
	s.ApplyStreamDelta("stale")
	s.SettleStream(StreamResult{Outcome: OutcomeCompleted})

	snap := s.Snapshot()
	assert.Equal(t, "conv-b", snap.ConversationID)
	assert.Equal(t, []string{"user:new question", "assistant:new answer"}, contents(snap.Messages))
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Zero(t, settled)
}

func TestResetClearsSession(t *testing.T) {
	s := NewSession(&scriptedGenerator{reply: []string{"hi"}}, "test-model")
	defer s.Close()

	s.LoadConversation(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	s.Reset()

	snap := s.Snapshot()
	assert.Empty(t, snap.ConversationID)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, StatusIdle, snap.Status)
}

func TestAssignIDRequiresSameEpoch(t *testing.T) {
	s := NewSession(&scriptedGenerator{}, "test-model")
	defer s.Close()

	epoch := s.Snapshot().Epoch
	s.Reset()
	assert.False(t, s.AssignID(epoch, "conv-stale"))

	epoch = s.Snapshot().Epoch
	assert.True(t, s.AssignID(epoch, "conv-1"))
	assert.False(t, s.AssignID(epoch, "conv-2"), "id is assigned once")
	assert.Equal(t, "conv-1", s.Snapshot().ConversationID)
}

func TestApplyRefreshGuards(t *testing.T) {
	s := NewSession(&scriptedGenerator{}, "test-model")
	defer s.Close()

	s.LoadConversation(&Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "v1"}}})
	snap := s.Snapshot()
	fresh := &Conversation{ID: "conv-a", Messages: []Message{{Role: RoleUser, Content: "v2"}}}

	_, ok := s.ApplyRefresh(snap.Epoch, snap.Revision-1, fresh)
	assert.False(t, ok, "stale revision")
	_, ok = s.ApplyRefresh(snap.Epoch, snap.Revision, &Conversation{ID: "conv-b"})
	assert.False(t, ok, "different conversation")

	revision, ok := s.ApplyRefresh(snap.Epoch, snap.Revision, fresh)
	require.True(t, ok)
	assert.Greater(t, revision, snap.Revision)
	assert.Equal(t, "v2", s.Snapshot().Messages[0].Content)
}
