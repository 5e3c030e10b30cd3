package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// TitleMaxLength bounds a derived title, in runes.
	TitleMaxLength = 50
	// PreviewMaxLength bounds a derived preview, in runes.
	PreviewMaxLength = 100
	// DefaultTitle is used when no user message carries text.
	DefaultTitle = "Untitled Chat"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one entry of a conversation. ID is empty until the server assigns one.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Conversation is the durable record of a chat.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	Messages       []Message `json:"messages"`
}

// Summary is the list projection of a Conversation.
type Summary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Preview        string    `json:"preview"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

func (c *Conversation) Summary() Summary {
	return Summary{
		ID:             c.ID,
		Title:          c.Title,
		Preview:        c.Preview,
		LastAccessedAt: c.LastAccessedAt,
	}
}

// CloneMessages returns a copy that shares no backing array with messages.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// ValidateMessages checks a message sequence submitted for persistence.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return ValidationError("messages must not be empty")
	}
	for i, m := range messages {
		if !m.Role.IsValid() {
			return ValidationError(fmt.Sprintf("message %d has invalid role %q", i, m.Role))
		}
		if m.Role != RoleSystem && strings.TrimSpace(m.Content) == "" {
			return ValidationError(fmt.Sprintf("message %d has empty content", i))
		}
	}
	return nil
}

func firstUserContent(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

// DeriveTitle returns the title of a conversation made of messages: the first
// user message with whitespace collapsed, truncated to TitleMaxLength runes.
func DeriveTitle(messages []Message) string {
	title := strings.Join(strings.Fields(firstUserContent(messages)), " ")
	if title == "" {
		return DefaultTitle
	}
	return truncateRunes(title, TitleMaxLength, "")
}

// DerivePreview returns a plain-text rendering of the first user message,
// truncated to PreviewMaxLength runes with a trailing ellipsis.
func DerivePreview(messages []Message) string {
	return truncateRunes(plainText(firstUserContent(messages)), PreviewMaxLength, "...")
}

// plainText strips markdown syntax and collapses whitespace.
func plainText(markdown string) string {
	if markdown == "" {
		return ""
	}
	source := []byte(markdown)
	document := goldmark.DefaultParser().Parse(text.NewReader(source))

	var sb strings.Builder
	_ = ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				sb.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(v.Value)
		case *ast.AutoLink:
			sb.Write(v.URL(source))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				segment := lines.At(i)
				sb.Write(segment.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

func truncateRunes(s string, max int, suffix string) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(suffix)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:keep]), " ") + suffix
}
