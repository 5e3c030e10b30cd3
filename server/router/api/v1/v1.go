package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/chatsync/internal/profile"
	"github.com/hrygo/chatsync/server/auth"
	"github.com/hrygo/chatsync/server/internal/observability"
	ratelimit "github.com/hrygo/chatsync/server/middleware"
	"github.com/hrygo/chatsync/server/service/conversation"
	"github.com/hrygo/chatsync/store"
)

type APIV1Service struct {
	Secret              string
	Profile             *profile.Profile
	Store               *store.Store
	ConversationService *conversation.Service
	Metrics             *observability.Metrics

	authenticator *auth.Authenticator
	rateLimiter   *ratelimit.RateLimiter
}

func NewAPIV1Service(secret string, profile *profile.Profile, store *store.Store, metrics *observability.Metrics) *APIV1Service {
	if metrics == nil {
		metrics = observability.NewMetrics(0)
	}
	return &APIV1Service{
		Secret:              secret,
		Profile:             profile,
		Store:               store,
		ConversationService: conversation.NewService(store),
		Metrics:             metrics,
		authenticator:       auth.NewAuthenticator(secret),
		rateLimiter:         ratelimit.NewRateLimiter(ratelimit.DefaultRate, ratelimit.DefaultBurst),
	}
}

// RegisterGateway registers the conversation and metrics routes with the given Echo instance.
// Every route requires a bearer access token and is rate limited per user.
func (s *APIV1Service) RegisterGateway(_ context.Context, echoServer *echo.Echo) error {
	corsHandler := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(_ string) (bool, error) {
			return true, nil
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	})
	authHandler := s.authenticator.Middleware()
	rateLimitHandler := s.rateLimiter.Middleware()

	echoServer.GET("/system/metrics", s.GetMetricsOverview, authHandler)

	group := echoServer.Group("/conversations", corsHandler, authHandler, rateLimitHandler)
	group.POST("", s.CreateConversation)
	group.GET("", s.ListConversations)
	group.GET("/:id", s.GetConversation)
	group.PUT("/:id", s.UpdateConversation)
	group.DELETE("/:id", s.DeleteConversation)
	return nil
}
