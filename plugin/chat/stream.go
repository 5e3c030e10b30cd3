package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StreamTimeout bounds a single generation.
const StreamTimeout = 5 * time.Minute

// Status is the lifecycle of one generation.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// Active reports whether a generation is submitted or streaming.
func (s Status) Active() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// Outcome is how a generation terminated.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeErrored   Outcome = "errored"
)

// StreamResult is the terminal state of a generation.
type StreamResult struct {
	Outcome Outcome
	// Content is every delta accepted before termination.
	Content string
	Err     error
}

// Generator produces a reply to a message sequence as incremental text.
//
// The content channel is closed when generation ends; at most one error is
// sent on the error channel, which is closed afterwards.
type Generator interface {
	ChatStream(ctx context.Context, model string, messages []Message) (<-chan string, <-chan error)
}

// Stream is one in-flight generation. It cannot be restarted.
type Stream struct {
	done chan struct{}

	mu      sync.Mutex
	status  Status
	stopped bool
	content strings.Builder
	cancel  context.CancelFunc
	result  StreamResult
}

// StartStream opens a generation and consumes it on its own goroutine.
// onDelta receives every accepted increment in order; onSettle receives the
// result once, before Wait returns.
func StartStream(ctx context.Context, gen Generator, model string, messages []Message, onDelta func(string), onSettle func(StreamResult)) *Stream {
	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)
	s := &Stream{
		done:   make(chan struct{}),
		status: StatusSubmitted,
		cancel: cancel,
	}
	contentChan, errChan := gen.ChatStream(ctx, model, CloneMessages(messages))
	go s.consume(ctx, contentChan, errChan, onDelta, onSettle)
	return s
}

func (s *Stream) consume(ctx context.Context, contentChan <-chan string, errChan <-chan error, onDelta func(string), onSettle func(StreamResult)) {
	var streamErr error
	for contentChan != nil || errChan != nil {
		select {
		case delta, ok := <-contentChan:
			if !ok {
				contentChan = nil
				continue
			}
			if s.accept(delta) && onDelta != nil {
				onDelta(delta)
			}

		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}

		case <-ctx.Done():
			streamErr = ctx.Err()
			contentChan, errChan = nil, nil
		}
	}

	result := s.settle(ctx, streamErr)
	if onSettle != nil {
		onSettle(result)
	}
	close(s.done)
}

func (s *Stream) accept(delta string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || delta == "" {
		return false
	}
	s.status = StatusStreaming
	s.content.WriteString(delta)
	return true
}

func (s *Stream) settle(ctx context.Context, streamErr error) StreamResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()

	result := StreamResult{Content: s.content.String()}
	switch {
	case s.stopped:
		result.Outcome = OutcomeCancelled
		s.status = StatusReady
	case streamErr == nil:
		result.Outcome = OutcomeCompleted
		s.status = StatusReady
	case errors.Is(streamErr, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		// The caller's context went away without an explicit Stop.
		result.Outcome = OutcomeCancelled
		s.status = StatusReady
	default:
		result.Outcome = OutcomeErrored
		result.Err = StreamError(streamErr)
		s.status = StatusError
	}
	s.result = result
	return result
}

// Stop halts the generation. Increments not yet accepted are discarded and the
// content received so far is kept. It is safe to call multiple times.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
}

// Wait blocks until the stream has settled.
func (s *Stream) Wait() StreamResult {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Done is closed once the stream has settled.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Content returns the text accepted so far.
func (s *Stream) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}
