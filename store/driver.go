package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// Conversation model related methods.
	// CreateConversation stores the conversation and its messages in one transaction.
	CreateConversation(ctx context.Context, create *Conversation, messages []*Message) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	DeleteConversation(ctx context.Context, delete *DeleteConversation) error

	// Message model related methods.
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	// ReplaceMessages applies update to the conversation, then drops every message
	// and inserts the given ones in order, all in one transaction. A missing
	// conversation yields ErrNotFound.
	ReplaceMessages(ctx context.Context, update *UpdateConversation, messages []*Message) (*Conversation, error)
}
