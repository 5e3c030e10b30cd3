package v1

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/chatsync/plugin/chat"
	"github.com/hrygo/chatsync/server/auth"
)

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	Messages []chat.Message `json:"messages"`
}

// UpdateConversationRequest is the body of PUT /conversations/:id.
// Exactly one of Messages (replace) and Title (rename) must be set.
type UpdateConversationRequest struct {
	Messages *[]chat.Message `json:"messages"`
	Title    *string         `json:"title"`
}

// RenameConversationResponse is returned by a rename.
type RenameConversationResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// CreateConversation stores a new conversation.
// POST /conversations
func (s *APIV1Service) CreateConversation(c echo.Context) error {
	var request CreateConversationRequest
	if err := c.Bind(&request); err != nil {
		return writeError(c, chat.ValidationError("invalid request body"))
	}
	conv, err := s.ConversationService.Create(c.Request().Context(), currentUserID(c), request.Messages)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, conv)
}

// ListConversations returns the summaries of the caller, most recently accessed first.
// GET /conversations
func (s *APIV1Service) ListConversations(c echo.Context) error {
	summaries, err := s.ConversationService.List(c.Request().Context(), currentUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, summaries)
}

// GetConversation returns one conversation with its messages.
// GET /conversations/:id
func (s *APIV1Service) GetConversation(c echo.Context) error {
	conv, err := s.ConversationService.Get(c.Request().Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

// UpdateConversation replaces the messages or renames the conversation.
// PUT /conversations/:id
func (s *APIV1Service) UpdateConversation(c echo.Context) error {
	var request UpdateConversationRequest
	if err := c.Bind(&request); err != nil {
		return writeError(c, chat.ValidationError("invalid request body"))
	}
	ctx, userID, id := c.Request().Context(), currentUserID(c), c.Param("id")

	switch {
	case request.Messages != nil && request.Title != nil:
		return writeError(c, chat.ValidationError("set either messages or title, not both"))
	case request.Messages != nil:
		conv, err := s.ConversationService.Update(ctx, userID, id, *request.Messages)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, conv)
	case request.Title != nil:
		if err := s.ConversationService.Rename(ctx, userID, id, *request.Title); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, RenameConversationResponse{ID: id, Title: strings.TrimSpace(*request.Title)})
	default:
		return writeError(c, chat.ValidationError("messages or title is required"))
	}
}

// DeleteConversation removes a conversation.
// DELETE /conversations/:id
func (s *APIV1Service) DeleteConversation(c echo.Context) error {
	if err := s.ConversationService.Delete(c.Request().Context(), currentUserID(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func currentUserID(c echo.Context) int32 {
	return auth.GetUserID(c.Request().Context())
}

// writeError maps an error kind onto its HTTP status. Unclassified failures
// are logged and reported without detail.
func writeError(c echo.Context, err error) error {
	var status int
	switch chat.KindOf(err) {
	case chat.ErrValidation:
		status = http.StatusBadRequest
	case chat.ErrUnauthorized:
		status = http.StatusUnauthorized
	case chat.ErrNotFound:
		status = http.StatusNotFound
	default:
		slog.Error("conversation request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	message := err.Error()
	var chatErr *chat.Error
	if errors.As(err, &chatErr) {
		message = chatErr.Message
	}
	return c.JSON(status, map[string]string{"error": message})
}
