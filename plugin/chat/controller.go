package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRefreshInterval is how often the active conversation is re-fetched.
	DefaultRefreshInterval = 15 * time.Second
	// DefaultSaveTimeout bounds every gateway call issued by the controller.
	DefaultSaveTimeout = 30 * time.Second
)

// SyncState is the persistence state of the active conversation.
type SyncState string

const (
	SyncUnsaved    SyncState = "unsaved"
	SyncSaving     SyncState = "saving"
	SyncSaved      SyncState = "saved"
	SyncRefreshing SyncState = "refreshing"
)

// Notice is a user-visible report of a failed operation.
type Notice struct {
	Op             string
	ConversationID string
	Kind           ErrorKind
	Err            error
}

type ControllerOptions struct {
	RefreshInterval time.Duration
	SaveTimeout     time.Duration
	Logger          *slog.Logger
	// Bus receives an Invalidation after every create, update, rename and delete.
	Bus *EventBus
	// OnNotice is called for every failure worth showing to the user.
	OnNotice func(Notice)
}

// tracker holds the sync state of one session identity.
type tracker struct {
	epoch         uint64
	id            string
	state         SyncState
	inFlight      bool
	pending       bool
	savedRevision uint64
	refreshing    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Controller keeps the Active Session and the Gateway in sync.
type Controller struct {
	gateway Gateway
	session *Session
	opts    ControllerOptions
	logger  *slog.Logger

	mu     sync.Mutex
	active *tracker
	locks  map[string]*semaphore.Weighted
	closed bool
	// saving counts running save loops; idle is signalled when it drops to zero.
	saving int
	idle   *sync.Cond
}

// NewController attaches a controller to session. The session starts unsaved.
func NewController(gateway Gateway, session *Session, opts ControllerOptions) *Controller {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		gateway: gateway,
		session: session,
		opts:    opts,
		logger:  opts.Logger,
		locks:   make(map[string]*semaphore.Weighted),
	}
	c.idle = sync.NewCond(&c.mu)
	snap := session.Snapshot()
	c.active = c.newTracker(snap.Epoch, snap.ConversationID, snap.Revision)
	if snap.ConversationID != "" {
		c.startRefresh(c.active)
	}
	session.OnSettled(c.handleSettled)
	return c
}

func (c *Controller) newTracker(epoch uint64, id string, revision uint64) *tracker {
	ctx, cancel := context.WithCancel(context.Background())
	state := SyncUnsaved
	if id != "" {
		state = SyncSaved
	}
	return &tracker{
		epoch:         epoch,
		id:            id,
		state:         state,
		savedRevision: revision,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Session returns the Active Session driven by the controller.
func (c *Controller) Session() *Session {
	return c.session
}

// State returns the sync state and id of the active conversation.
func (c *Controller) State() (SyncState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return SyncUnsaved, ""
	}
	return c.active.state, c.active.id
}

// Send appends a user message and starts the reply. The turn is saved once it settles.
func (c *Controller) Send(content string) error {
	if err := c.session.AppendUserMessage(content); err != nil {
		c.notify("send", "", err)
		return err
	}
	return nil
}

// SetModel selects the model for the following replies.
func (c *Controller) SetModel(model string) {
	c.session.SetModel(model)
}

// Stop halts the reply being generated. The partial reply is kept and saved.
func (c *Controller) Stop() {
	c.session.Stop()
}

func (c *Controller) handleSettled(event SettleEvent) {
	c.mu.Lock()
	tr := c.active
	if c.closed || tr == nil || tr.epoch != event.Snapshot.Epoch {
		c.mu.Unlock()
		return
	}
	if event.Result.Outcome == OutcomeErrored {
		c.mu.Unlock()
		// Kept locally, persisted with the next successful turn.
		c.notify("generate", event.Snapshot.ConversationID, event.Result.Err)
		return
	}
	defer c.mu.Unlock()
	if tr.inFlight {
		tr.pending = true
		return
	}
	tr.inFlight = true
	tr.state = SyncSaving
	tr.wg.Add(1)
	c.saving++
	go c.saveLoop(tr)
}

// saveLoop saves the latest snapshot until no turn is pending.
func (c *Controller) saveLoop(tr *tracker) {
	defer func() {
		c.mu.Lock()
		c.saving--
		if c.saving == 0 {
			c.idle.Broadcast()
		}
		c.mu.Unlock()
	}()
	defer tr.wg.Done()

	for {
		snap := c.session.Snapshot()
		var err error
		if snap.Epoch == tr.epoch {
			err = c.save(tr, snap)
		}

		c.mu.Lock()
		if tr.ctx.Err() != nil || snap.Epoch != tr.epoch || !tr.pending {
			tr.inFlight = false
			tr.pending = false
			if tr.id == "" {
				tr.state = SyncUnsaved
			} else {
				tr.state = SyncSaved
			}
			c.mu.Unlock()
			return
		}
		tr.pending = false
		c.mu.Unlock()
		if err != nil {
			c.logger.Info("retrying save with coalesced turns", "id", tr.id)
		}
	}
}

func (c *Controller) save(tr *tracker, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(tr.ctx, c.opts.SaveTimeout)
	defer cancel()

	c.mu.Lock()
	id := tr.id
	c.mu.Unlock()

	if id == "" {
		conv, err := c.gateway.Create(ctx, snap.Messages)
		if err != nil {
			if tr.ctx.Err() == nil {
				c.notify("create", "", err)
			}
			return err
		}
		c.mu.Lock()
		tr.id = conv.ID
		tr.savedRevision = snap.Revision
		c.mu.Unlock()
		c.session.AssignID(tr.epoch, conv.ID)
		c.publish(InvalidationCreated, conv.ID)
		c.startRefresh(tr)
		return nil
	}

	lock := c.lockFor(id)
	if err := lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer lock.Release(1)

	if _, err := c.gateway.Update(ctx, id, snap.Messages); err != nil {
		if tr.ctx.Err() == nil {
			c.notify("update", id, err)
		}
		return err
	}
	c.mu.Lock()
	if snap.Revision > tr.savedRevision {
		tr.savedRevision = snap.Revision
	}
	c.mu.Unlock()
	c.publish(InvalidationUpdated, id)
	return nil
}

// lockFor serializes saves of one conversation across session identities.
func (c *Controller) lockFor(id string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[id]
	if !ok {
		lock = semaphore.NewWeighted(1)
		c.locks[id] = lock
	}
	return lock
}

func (c *Controller) startRefresh(tr *tracker) {
	c.mu.Lock()
	if tr.refreshing || tr.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	tr.refreshing = true
	tr.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer tr.wg.Done()
		ticker := time.NewTicker(c.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tr.ctx.Done():
				return
			case <-ticker.C:
				c.refresh(tr)
			}
		}
	}()
}

// refresh re-fetches the active conversation and applies it silently,
// skipping the cycle when a local change or save could be overwritten.
func (c *Controller) refresh(tr *tracker) {
	c.mu.Lock()
	if tr.inFlight || tr.pending || tr.id == "" {
		c.mu.Unlock()
		return
	}
	id, savedRevision := tr.id, tr.savedRevision
	tr.state = SyncRefreshing
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if tr.state == SyncRefreshing {
			tr.state = SyncSaved
		}
		c.mu.Unlock()
	}()

	snap := c.session.Snapshot()
	if snap.Epoch != tr.epoch || snap.Status.Active() || snap.Revision != savedRevision {
		return
	}

	ctx, cancel := context.WithTimeout(tr.ctx, c.opts.SaveTimeout)
	defer cancel()
	conv, err := c.gateway.Get(ctx, id)
	if err != nil {
		if tr.ctx.Err() == nil {
			c.logger.Debug("skipping refresh", "id", id, "error", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tr.inFlight || tr.pending || tr.ctx.Err() != nil {
		return
	}
	if revision, ok := c.session.ApplyRefresh(tr.epoch, snap.Revision, conv); ok {
		tr.savedRevision = revision
	}
}

// Open loads the conversation id into the session, cancelling the stream,
// saves and refresh of the conversation being replaced.
func (c *Controller) Open(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SaveTimeout)
	defer cancel()
	conv, err := c.gateway.Get(ctx, id)
	if err != nil {
		c.notify("open", id, err)
		return err
	}
	c.switchTo(func() uint64 { return c.session.LoadConversation(conv) })
	return nil
}

// NewChat starts an empty, unsaved conversation.
func (c *Controller) NewChat() {
	c.switchTo(c.session.Reset)
}

func (c *Controller) switchTo(load func() uint64) {
	c.mu.Lock()
	old := c.active
	c.active = nil
	c.mu.Unlock()

	if old != nil {
		old.cancel()
		old.wg.Wait()
	}

	load()
	snap := c.session.Snapshot()
	tr := c.newTracker(snap.Epoch, snap.ConversationID, snap.Revision)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tr.cancel()
		return
	}
	c.active = tr
	c.mu.Unlock()

	if tr.id != "" {
		c.startRefresh(tr)
	}
}

// Rename changes the title of a stored conversation.
func (c *Controller) Rename(ctx context.Context, id, title string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SaveTimeout)
	defer cancel()
	if err := c.gateway.Rename(ctx, id, title); err != nil {
		c.notify("rename", id, err)
		return err
	}
	c.publish(InvalidationRenamed, id)
	return nil
}

// Delete removes a stored conversation. Deleting the active one starts a new chat.
func (c *Controller) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SaveTimeout)
	defer cancel()
	if err := c.gateway.Delete(ctx, id); err != nil {
		c.notify("delete", id, err)
		return err
	}
	c.publish(InvalidationDeleted, id)

	if _, activeID := c.State(); activeID == id {
		c.NewChat()
	}
	return nil
}

// Flush waits until no save is running. Saves started while it waits are
// waited for too.
func (c *Controller) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.saving > 0 {
		c.idle.Wait()
	}
}

// Close stops refresh and cancels in-flight saves. The session is closed too.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	tr := c.active
	c.active = nil
	c.mu.Unlock()

	c.session.Close()
	if tr != nil {
		tr.cancel()
		tr.wg.Wait()
	}
}

func (c *Controller) publish(op InvalidationOp, id string) {
	if c.opts.Bus == nil {
		return
	}
	_ = c.opts.Bus.Publish(Invalidation{Op: op, ConversationID: id})
}

func (c *Controller) notify(op, id string, err error) {
	kind := KindOf(err)
	c.logger.Warn("conversation sync failed", "op", op, "id", id, "kind", kind, "error", err)
	if c.opts.OnNotice != nil {
		c.opts.OnNotice(Notice{Op: op, ConversationID: id, Kind: kind, Err: err})
	}
}
