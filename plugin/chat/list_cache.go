package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultListInterval is how often the conversation list is pulled.
const DefaultListInterval = 10 * time.Second

type ListCacheOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
	// OnChange is called with the merged list after every successful refresh.
	OnChange func([]Summary)
}

// ListCache holds the conversation summaries used for navigation.
//
// A refresh replaces every entry wholesale, except entries under a local
// rename edit, which keep their local title until the edit ends.
type ListCache struct {
	gateway Gateway
	opts    ListCacheOptions
	logger  *slog.Logger
	group   singleflight.Group

	mu        sync.RWMutex
	summaries []Summary
	editing   map[string]string
	loaded    bool
}

func NewListCache(gateway Gateway, opts ListCacheOptions) *ListCache {
	if opts.Interval <= 0 {
		opts.Interval = DefaultListInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSaveTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ListCache{
		gateway: gateway,
		opts:    opts,
		logger:  opts.Logger,
		editing: make(map[string]string),
	}
}

// Summaries returns a copy of the current list.
func (l *ListCache) Summaries() []Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Summary(nil), l.summaries...)
}

// Loaded reports whether at least one refresh succeeded.
func (l *ListCache) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// Refresh pulls the list from the gateway and merges it. Concurrent calls
// share one gateway request.
func (l *ListCache) Refresh(ctx context.Context) error {
	_, err, _ := l.group.Do("list", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
		incoming, err := l.gateway.List(ctx)
		if err != nil {
			return nil, err
		}
		merged := l.merge(incoming)
		if l.opts.OnChange != nil {
			l.opts.OnChange(merged)
		}
		return nil, nil
	})
	return err
}

func (l *ListCache) merge(incoming []Summary) []Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous := make(map[string]Summary, len(l.summaries))
	for _, s := range l.summaries {
		previous[s.ID] = s
	}

	merged := make([]Summary, 0, len(incoming))
	seen := make(map[string]bool, len(incoming))
	for _, s := range incoming {
		seen[s.ID] = true
		if _, ok := l.editing[s.ID]; ok {
			if old, ok := previous[s.ID]; ok {
				s = old
			}
		}
		merged = append(merged, s)
	}
	// An entry under edit survives even if the server no longer lists it.
	for _, old := range l.summaries {
		if _, ok := l.editing[old.ID]; ok && !seen[old.ID] {
			merged = append(merged, old)
		}
	}

	l.summaries = merged
	l.loaded = true
	return append([]Summary(nil), merged...)
}

// BeginRename marks id as under local edit, seeding the draft with its title.
func (l *ListCache) BeginRename(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	draft := ""
	for _, s := range l.summaries {
		if s.ID == id {
			draft = s.Title
		}
	}
	l.editing[id] = draft
}

func (l *ListCache) SetRenameDraft(id, draft string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.editing[id]; ok {
		l.editing[id] = draft
	}
}

// RenameDraft returns the draft title of id and whether it is under edit.
func (l *ListCache) RenameDraft(id string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	draft, ok := l.editing[id]
	return draft, ok
}

func (l *ListCache) CancelRename(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.editing, id)
}

// EndRename finishes the edit of id and applies title locally.
func (l *ListCache) EndRename(id, title string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.editing, id)
	for i := range l.summaries {
		if l.summaries[i].ID == id {
			l.summaries[i].Title = title
		}
	}
}

// Run refreshes on the interval and on every invalidation from bus until ctx is done.
func (l *ListCache) Run(ctx context.Context, bus *EventBus) error {
	var invalidations <-chan Invalidation
	if bus != nil {
		ch, err := bus.Subscribe(ctx)
		if err != nil {
			return err
		}
		invalidations = ch
	}

	l.refreshQuietly(ctx)
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.refreshQuietly(ctx)
		case inv, ok := <-invalidations:
			if !ok {
				invalidations = nil
				continue
			}
			if inv.Op == InvalidationRenamed || inv.Op == InvalidationDeleted {
				l.CancelRename(inv.ConversationID)
			}
			l.refreshQuietly(ctx)
		}
	}
}

func (l *ListCache) refreshQuietly(ctx context.Context) {
	if err := l.Refresh(ctx); err != nil && ctx.Err() == nil {
		l.logger.Debug("conversation list refresh failed", "error", err)
	}
}
