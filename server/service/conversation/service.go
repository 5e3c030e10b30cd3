// Package conversation provides the owner-scoped conversation operations
// behind the /conversations API.
//
// Key rules:
//   - Title and preview are derived from the first user message at creation only
//   - Update replaces the whole message sequence
//   - A conversation owned by someone else is reported as not found
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/chatsync/plugin/chat"
	"github.com/hrygo/chatsync/store"
	"github.com/hrygo/chatsync/store/cache"
)

const (
	// MaxMessages bounds the size of a stored conversation.
	MaxMessages = 500
	// MaxTitleLength bounds a title set by rename, in runes.
	MaxTitleLength = 200
)

// Service implements conversation persistence for authenticated owners.
type Service struct {
	store *store.Store
	now   func() time.Time
	// ids maps an owner's public conversation id to its row id.
	ids *cache.LRU[conversationKey, int32]
}

type conversationKey struct {
	ownerID int32
	uid     string
}

// NewService creates a new Service instance.
func NewService(store *store.Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		ids:   cache.NewLRU[conversationKey, int32](cache.DefaultCapacity, cache.DefaultTTL),
	}
}

// Create validates messages and stores them as a new conversation of ownerID.
func (s *Service) Create(ctx context.Context, ownerID int32, messages []chat.Message) (*chat.Conversation, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	create := &store.Conversation{
		UID:       shortuuid.New(),
		CreatorID: ownerID,
		Title:     chat.DeriveTitle(messages),
		Preview:   chat.DerivePreview(messages),
		CreatedTs: now,
		UpdatedTs: now,
	}
	rows := toStoreMessages(messages, now)
	conversation, err := s.store.CreateConversation(ctx, create, rows)
	if err != nil {
		return nil, chat.TransportError("failed to create conversation", err)
	}
	s.ids.Set(conversationKey{ownerID: ownerID, uid: conversation.UID}, conversation.ID)
	return toConversation(conversation, rows), nil
}

// Get returns the conversation and marks it as accessed.
func (s *Service) Get(ctx context.Context, ownerID int32, id string) (*chat.Conversation, error) {
	conversation, err := s.touch(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, &store.FindMessage{ConversationID: &conversation.ID})
	if err != nil {
		return nil, chat.TransportError("failed to list messages", err)
	}
	return toConversation(conversation, messages), nil
}

// Update replaces every message of the conversation. Title and preview are kept.
func (s *Service) Update(ctx context.Context, ownerID int32, id string, messages []chat.Message) (*chat.Conversation, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}
	key := conversationKey{ownerID: ownerID, uid: id}
	rowID, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	rows := toStoreMessages(messages, now)
	conversation, err := s.store.ReplaceMessages(ctx, &store.UpdateConversation{ID: rowID, UpdatedTs: &now}, rows)
	if err != nil {
		return nil, s.convertStoreError(err, key)
	}
	return toConversation(conversation, rows), nil
}

// List returns the summaries of ownerID, most recently accessed first.
func (s *Service) List(ctx context.Context, ownerID int32) ([]chat.Summary, error) {
	conversations, err := s.store.ListConversations(ctx, &store.FindConversation{CreatorID: &ownerID})
	if err != nil {
		return nil, chat.TransportError("failed to list conversations", err)
	}
	summaries := make([]chat.Summary, 0, len(conversations))
	for _, c := range conversations {
		summaries = append(summaries, toConversation(c, nil).Summary())
	}
	return summaries, nil
}

// Rename sets the title. The preview is left untouched.
func (s *Service) Rename(ctx context.Context, ownerID int32, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.ValidationError("title must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return chat.ValidationError("title is too long")
	}
	key := conversationKey{ownerID: ownerID, uid: id}
	rowID, err := s.resolve(ctx, key)
	if err != nil {
		return err
	}
	if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{ID: rowID, Title: &title}); err != nil {
		return s.convertStoreError(err, key)
	}
	return nil
}

// Delete removes the conversation and its messages.
func (s *Service) Delete(ctx context.Context, ownerID int32, id string) error {
	key := conversationKey{ownerID: ownerID, uid: id}
	rowID, err := s.resolve(ctx, key)
	if err != nil {
		return err
	}
	err = s.store.DeleteConversation(ctx, &store.DeleteConversation{ID: rowID})
	s.ids.Delete(key)
	if err != nil {
		return s.convertStoreError(err, key)
	}
	slog.Debug("conversation deleted", "id", id, "owner", ownerID)
	return nil
}

// resolve returns the row id of key.uid within key.ownerID's conversations only.
func (s *Service) resolve(ctx context.Context, key conversationKey) (int32, error) {
	if key.uid == "" {
		return 0, chat.NotFoundError(key.uid)
	}
	if rowID, ok := s.ids.Get(key); ok {
		return rowID, nil
	}
	conversation, err := s.store.GetConversation(ctx, &store.FindConversation{UID: &key.uid, CreatorID: &key.ownerID})
	if err != nil {
		return 0, chat.TransportError("failed to find conversation", err)
	}
	if conversation == nil {
		return 0, chat.NotFoundError(key.uid)
	}
	s.ids.Set(key, conversation.ID)
	return conversation.ID, nil
}

func (s *Service) touch(ctx context.Context, ownerID int32, id string) (*store.Conversation, error) {
	key := conversationKey{ownerID: ownerID, uid: id}
	rowID, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	conversation, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{ID: rowID, UpdatedTs: &now})
	if err != nil {
		return nil, s.convertStoreError(err, key)
	}
	return conversation, nil
}

// convertStoreError maps a missing row to NotFound and forgets its cached id.
func (s *Service) convertStoreError(err error, key conversationKey) error {
	if errors.Is(err, store.ErrNotFound) {
		s.ids.Delete(key)
		return chat.NotFoundError(key.uid)
	}
	return chat.TransportError("failed to write conversation", err)
}

func validate(messages []chat.Message) error {
	if len(messages) > MaxMessages {
		return chat.ValidationError("too many messages")
	}
	return chat.ValidateMessages(messages)
}

func toStoreMessages(messages []chat.Message, now int64) []*store.Message {
	rows := make([]*store.Message, 0, len(messages))
	for _, m := range messages {
		createdTs := now
		if !m.CreatedAt.IsZero() {
			createdTs = m.CreatedAt.UnixMilli()
		}
		rows = append(rows, &store.Message{
			UID:       shortuuid.New(),
			Role:      store.MessageRole(m.Role),
			Content:   m.Content,
			CreatedTs: createdTs,
		})
	}
	return rows
}

func toConversation(c *store.Conversation, rows []*store.Message) *chat.Conversation {
	messages := make([]chat.Message, 0, len(rows))
	for _, m := range rows {
		messages = append(messages, chat.Message{
			ID:        m.UID,
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			CreatedAt: time.UnixMilli(m.CreatedTs),
		})
	}
	return &chat.Conversation{
		ID:             c.UID,
		Title:          c.Title,
		Preview:        c.Preview,
		CreatedAt:      time.UnixMilli(c.CreatedTs),
		LastAccessedAt: time.UnixMilli(c.UpdatedTs),
		Messages:       messages,
	}
}

// ForOwner binds the service to one owner as a chat.Gateway.
func (s *Service) ForOwner(ownerID int32) chat.Gateway {
	return &ownerGateway{service: s, ownerID: ownerID}
}

type ownerGateway struct {
	service *Service
	ownerID int32
}

func (g *ownerGateway) Create(ctx context.Context, messages []chat.Message) (*chat.Conversation, error) {
	return g.service.Create(ctx, g.ownerID, messages)
}

func (g *ownerGateway) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	return g.service.Get(ctx, g.ownerID, id)
}

func (g *ownerGateway) Update(ctx context.Context, id string, messages []chat.Message) (*chat.Conversation, error) {
	return g.service.Update(ctx, g.ownerID, id, messages)
}

func (g *ownerGateway) List(ctx context.Context) ([]chat.Summary, error) {
	return g.service.List(ctx, g.ownerID)
}

func (g *ownerGateway) Rename(ctx context.Context, id, title string) error {
	return g.service.Rename(ctx, g.ownerID, id, title)
}

func (g *ownerGateway) Delete(ctx context.Context, id string) error {
	return g.service.Delete(ctx, g.ownerID, id)
}
