package chat

import "context"

// Gateway is the durable store of conversations for one authenticated owner.
//
// Every operation is scoped to that owner: an id that is missing or belongs to
// someone else yields an ErrNotFound error. Failures carry an ErrorKind.
type Gateway interface {
	// Create persists a new conversation and derives its title and preview.
	Create(ctx context.Context, messages []Message) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// Update replaces the whole message sequence of a conversation.
	Update(ctx context.Context, id string, messages []Message) (*Conversation, error)
	// List returns summaries ordered by last-accessed, most recent first.
	List(ctx context.Context) ([]Summary, error)
	Rename(ctx context.Context, id string, title string) error
	Delete(ctx context.Context, id string) error
}
