package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Snapshot is an atomic copy of the session.
type Snapshot struct {
	ConversationID string
	Messages       []Message
	Status         Status
	Err            error
	// Epoch changes whenever the session switches identity.
	Epoch uint64
	// Revision changes whenever the message sequence changes.
	Revision uint64
}

// SettleEvent is delivered to settle listeners after a generation terminates.
type SettleEvent struct {
	Result   StreamResult
	Snapshot Snapshot
}

// Session is the Active Session: the locally held view of one conversation.
// It is the only component that mutates message content.
type Session struct {
	gen    Generator
	model  string
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversationID string
	messages       []Message
	status         Status
	lastErr        error
	epoch          uint64
	revision       uint64

	stream      *Stream
	last        *Stream
	turn        uint64
	stoppedTurn uint64
	replyIndex  int
	listeners   []func(SettleEvent)
}

type SessionOption func(*Session)

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession creates an empty, unsaved session generating replies with gen.
func NewSession(gen Generator, model string, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		gen:        gen,
		model:      model,
		logger:     slog.Default(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		status:     StatusIdle,
		replyIndex: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnSettled registers fn to run after every generation of the current
// identity settles. fn runs outside the session lock.
func (s *Session) OnSettled(fn func(SettleEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetModel selects the model used by generations started from now on.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// AppendUserMessage appends a user message and starts generating the reply.
func (s *Session) AppendUserMessage(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ValidationError("message must not be empty")
	}

	s.mu.Lock()
	if s.status.Active() {
		s.mu.Unlock()
		return ValidationError("a reply is still being generated")
	}
	s.messages = append(s.messages, Message{Role: RoleUser, Content: content, CreatedAt: s.now()})
	s.revision++
	s.status = StatusSubmitted
	s.lastErr = nil
	s.replyIndex = -1
	s.turn++
	turn := s.turn
	model := s.model
	history := CloneMessages(s.messages)
	s.mu.Unlock()

	stream := StartStream(s.ctx, s.gen, model, history,
		func(delta string) { s.applyDelta(turn, delta) },
		func(result StreamResult) { s.settle(turn, result) },
	)

	s.mu.Lock()
	s.last = stream
	if s.turn == turn && s.stoppedTurn != turn && s.status.Active() {
		s.stream = stream
		stream = nil
	}
	s.mu.Unlock()
	// Already settled, stopped while opening, or the identity changed meanwhile.
	stream.Stop()
	return nil
}

// ApplyStreamDelta extends the reply of the active generation.
func (s *Session) ApplyStreamDelta(text string) {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	s.applyDelta(turn, text)
}

func (s *Session) applyDelta(turn uint64, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn != s.turn || turn == s.stoppedTurn || !s.status.Active() {
		return
	}
	if s.replyIndex < 0 {
		s.messages = append(s.messages, Message{Role: RoleAssistant, CreatedAt: s.now()})
		s.replyIndex = len(s.messages) - 1
	}
	s.messages[s.replyIndex].Content += text
	s.status = StatusStreaming
	s.revision++
}

// SettleStream terminates the active generation with result.
func (s *Session) SettleStream(result StreamResult) {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	s.settle(turn, result)
}

func (s *Session) settle(turn uint64, result StreamResult) {
	s.mu.Lock()
	if turn != s.turn || !s.status.Active() {
		s.mu.Unlock()
		s.logger.Debug("dropping settle of stale generation", "outcome", result.Outcome)
		return
	}
	s.stream = nil
	s.replyIndex = -1
	if result.Outcome == OutcomeErrored {
		s.status = StatusError
		s.lastErr = result.Err
	} else {
		s.status = StatusReady
	}
	event := SettleEvent{Result: result, Snapshot: s.snapshotLocked()}
	listeners := append([]func(SettleEvent){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// Stop halts the active generation, keeping the partial reply.
func (s *Session) Stop() {
	s.mu.Lock()
	stream := s.stream
	if s.status.Active() {
		s.stoppedTurn = s.turn
	}
	s.mu.Unlock()
	stream.Stop()
}

// LoadConversation cancels any active generation and replaces the identity
// and messages of the session with conv. It returns the new epoch.
func (s *Session) LoadConversation(conv *Conversation) uint64 {
	return s.replace(conv.ID, conv.Messages)
}

// Reset clears the session to an empty, unsaved conversation and returns the new epoch.
func (s *Session) Reset() uint64 {
	return s.replace("", nil)
}

func (s *Session) replace(id string, messages []Message) uint64 {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	// Callbacks of the previous generation carry the old turn and are dropped.
	s.turn++
	s.replyIndex = -1
	s.epoch++
	s.revision++
	s.conversationID = id
	s.messages = CloneMessages(messages)
	s.status = StatusIdle
	s.lastErr = nil
	epoch := s.epoch
	s.mu.Unlock()

	stream.Stop()
	return epoch
}

// AssignID records the server-assigned id of a freshly created conversation.
// It has no effect when the session changed identity since epoch.
func (s *Session) AssignID(epoch uint64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.conversationID != "" {
		return false
	}
	s.conversationID = id
	return true
}

// ApplyRefresh replaces the messages with a freshly fetched copy of the same
// conversation. It applies only if nothing changed locally since the snapshot
// at revision was taken and no generation is active. It returns the new revision.
func (s *Session) ApplyRefresh(epoch, revision uint64, conv *Conversation) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || revision != s.revision || s.status.Active() || conv.ID != s.conversationID {
		return s.revision, false
	}
	s.messages = CloneMessages(conv.Messages)
	s.revision++
	return s.revision, true
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: s.conversationID,
		Messages:       CloneMessages(s.messages),
		Status:         s.status,
		Err:            s.lastErr,
		Epoch:          s.epoch,
		Revision:       s.revision,
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the failure of the most recent generation, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Wait blocks until the most recent generation has settled and its settle
// listeners have returned.
func (s *Session) Wait() {
	s.mu.Lock()
	stream := s.last
	s.mu.Unlock()
	if stream != nil {
		<-stream.Done()
	}
}

// Close stops any generation. The session must not be used afterwards.
func (s *Session) Close() {
	s.Stop()
	s.cancel()
}
