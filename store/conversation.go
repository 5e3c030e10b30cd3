package store

import "github.com/pkg/errors"

// ErrNotFound is returned by drivers when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

type Conversation struct {
	ID        int32
	UID       string
	CreatorID int32
	Title     string
	Preview   string
	CreatedTs int64
	// UpdatedTs is the last-accessed time in unix milliseconds.
	UpdatedTs int64
}

type FindConversation struct {
	ID        *int32
	UID       *string
	CreatorID *int32
	Limit     *int
}

type UpdateConversation struct {
	ID        int32
	Title     *string
	Preview   *string
	UpdatedTs *int64
}

type DeleteConversation struct {
	ID int32
}

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

func (r MessageRole) IsValid() bool {
	switch r {
	case MessageRoleSystem, MessageRoleUser, MessageRoleAssistant:
		return true
	}
	return false
}

type Message struct {
	ID             int32
	UID            string
	ConversationID int32
	// Seq is the zero-based position of the message inside its conversation.
	Seq       int32
	Role      MessageRole
	Content   string
	CreatedTs int64
}

type FindMessage struct {
	ConversationID *int32
}
