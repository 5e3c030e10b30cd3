package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// scriptedGenerator replies with a fixed sequence of deltas, then err.
type scriptedGenerator struct {
	reply []string
	err   error

	mu     sync.Mutex
	calls  [][]Message
	models []string
}

func (g *scriptedGenerator) ChatStream(ctx context.Context, model string, messages []Message) (<-chan string, <-chan error) {
	g.mu.Lock()
	g.calls = append(g.calls, messages)
	g.models = append(g.models, model)
	g.mu.Unlock()

	contentChan := make(chan string)
	errChan := make(chan error, 1)
	go func() {
		defer close(contentChan)
		defer close(errChan)
		for _, delta := range g.reply {
			select {
			case contentChan <- delta:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
		}
		if g.err != nil {
			errChan <- g.err
		}
	}()
	return contentChan, errChan
}

func (g *scriptedGenerator) modelsUsed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.models...)
}

// slowOpenGenerator blocks inside ChatStream until release is closed, then
// streams deltas until its context is cancelled.
type slowOpenGenerator struct {
	opening   chan struct{}
	release   chan struct{}
	cancelled chan struct{}
}

func newSlowOpenGenerator() *slowOpenGenerator {
	return &slowOpenGenerator{
		opening:   make(chan struct{}),
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (g *slowOpenGenerator) ChatStream(ctx context.Context, _ string, _ []Message) (<-chan string, <-chan error) {
	close(g.opening)
	<-g.release

	contentChan := make(chan string)
	errChan := make(chan error, 1)
	go func() {
		defer close(contentChan)
		defer close(errChan)
		for {
			select {
			case contentChan <- "more ":
			case <-ctx.Done():
				close(g.cancelled)
				errChan <- ctx.Err()
				return
			}
		}
	}()
	return contentChan, errChan
}

// manualGenerator hands every opened stream to the test.
type manualGenerator struct {
	streams chan *manualStream
}

func newManualGenerator() *manualGenerator {
	return &manualGenerator{streams: make(chan *manualStream, 8)}
}

type manualStream struct {
	ctx      context.Context
	messages []Message
	content  chan string
	errs     chan error
	once     sync.Once
}

func (g *manualGenerator) ChatStream(ctx context.Context, _ string, messages []Message) (<-chan string, <-chan error) {
	ms := &manualStream{
		ctx:      ctx,
		messages: messages,
		content:  make(chan string),
		errs:     make(chan error, 1),
	}
	g.streams <- ms
	return ms.content, ms.errs
}

func (g *manualGenerator) next() *manualStream {
	select {
	case ms := <-g.streams:
		return ms
	case <-time.After(2 * time.Second):
		panic("no stream opened")
	}
}

// send delivers delta unless the consumer went away.
func (ms *manualStream) send(delta string) bool {
	select {
	case ms.content <- delta:
		return true
	case <-ms.ctx.Done():
		return false
	}
}

func (ms *manualStream) finish(err error) {
	ms.once.Do(func() {
		if err != nil {
			ms.errs <- err
		}
		close(ms.content)
		close(ms.errs)
	})
}

// fakeGateway is an in-memory Gateway for one owner.
type fakeGateway struct {
	mu      sync.Mutex
	seq     int
	clock   time.Time
	convs   map[string]*Conversation
	creates int
	updates int
	gets    int
	lists   int

	createErrs []error
	createGate chan struct{}
	updateGate chan struct{}
	listGate   chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		convs: make(map[string]*Conversation),
	}
}

func (g *fakeGateway) tick() time.Time {
	g.clock = g.clock.Add(time.Second)
	return g.clock
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return TransportError("request cancelled", ctx.Err())
	}
}

func (g *fakeGateway) Create(ctx context.Context, messages []Message) (*Conversation, error) {
	g.mu.Lock()
	gate := g.createGate
	g.creates++
	var err error
	if len(g.createErrs) > 0 {
		err, g.createErrs = g.createErrs[0], g.createErrs[1:]
	}
	g.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	now := g.tick()
	conv := &Conversation{
		ID:             fmt.Sprintf("conv-%d", g.seq),
		Title:          DeriveTitle(messages),
		Preview:        DerivePreview(messages),
		CreatedAt:      now,
		LastAccessedAt: now,
		Messages:       CloneMessages(messages),
	}
	g.convs[conv.ID] = conv
	return g.copy(conv), nil
}

func (g *fakeGateway) Get(_ context.Context, id string) (*Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets++
	conv, ok := g.convs[id]
	if !ok {
		return nil, NotFoundError(id)
	}
	conv.LastAccessedAt = g.tick()
	return g.copy(conv), nil
}

func (g *fakeGateway) Update(ctx context.Context, id string, messages []Message) (*Conversation, error) {
	g.mu.Lock()
	gate := g.updateGate
	g.updates++
	g.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	conv, ok := g.convs[id]
	if !ok {
		return nil, NotFoundError(id)
	}
	conv.Messages = CloneMessages(messages)
	conv.LastAccessedAt = g.tick()
	return g.copy(conv), nil
}

func (g *fakeGateway) List(ctx context.Context) ([]Summary, error) {
	g.mu.Lock()
	gate := g.listGate
	g.lists++
	g.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	list := make([]Summary, 0, len(g.convs))
	for _, conv := range g.convs {
		list = append(list, conv.Summary())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LastAccessedAt.After(list[j].LastAccessedAt) })
	return list, nil
}

func (g *fakeGateway) Rename(_ context.Context, id, title string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	conv, ok := g.convs[id]
	if !ok {
		return NotFoundError(id)
	}
	conv.Title = title
	return nil
}

func (g *fakeGateway) Delete(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.convs[id]; !ok {
		return NotFoundError(id)
	}
	delete(g.convs, id)
	return nil
}

// put stores conv directly, bypassing counters.
func (g *fakeGateway) put(conv *Conversation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conv.LastAccessedAt.IsZero() {
		conv.LastAccessedAt = g.tick()
	}
	g.convs[conv.ID] = g.copy(conv)
}

func (g *fakeGateway) stored(id string) *Conversation {
	g.mu.Lock()
	defer g.mu.Unlock()
	conv, ok := g.convs[id]
	if !ok {
		return nil
	}
	return g.copy(conv)
}

func (g *fakeGateway) getCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gets
}

func (g *fakeGateway) counts() (creates, updates int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.updates
}

func (g *fakeGateway) copy(conv *Conversation) *Conversation {
	out := *conv
	out.Messages = CloneMessages(conv.Messages)
	return &out
}

// noticeRecorder collects controller notices.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func contents(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}
