package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kumpul-app/kumpul-backend/internal/auth"
	"github.com/kumpul-app/kumpul-backend/internal/chat"
	"github.com/kumpul-app/kumpul-backend/internal/groups"
	"github.com/kumpul-app/kumpul-backend/internal/metrics"
	"github.com/kumpul-app/kumpul-backend/internal/notes"
	"github.com/kumpul-app/kumpul-backend/internal/profiles"
	"github.com/kumpul-app/kumpul-backend/internal/realtime"
)

const userIDContextKey = "kumpul_user_id"

var (
	errMissingOTPService      = errors.New("otp service dependency required")
	errMissingSessionIssuer   = errors.New("session issuer dependency required")
	errMissingProfilesService = errors.New("profiles service dependency required")
	errMissingGroupsService   = errors.New("groups service dependency required")
	errMissingChatService     = errors.New("chat service dependency required")
	errMissingNotesService    = errors.New("notes service dependency required")
	errMissingDispatcher      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// Dependencies carries every collaborator the HTTP surface needs.
type Dependencies struct {
	OTP            *auth.OTPService
	Sessions       *auth.SessionIssuer
	Profiles       *profiles.Service
	Groups         *groups.Service
	Chat           *chat.Service
	Notes          *notes.Service
	Dispatcher     *realtime.Dispatcher
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewHTTPHandler builds the full REST + websocket router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.OTP == nil {
		return nil, errMissingOTPService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionIssuer
	}
	if deps.Profiles == nil {
		return nil, errMissingProfilesService
	}
	if deps.Groups == nil {
		return nil, errMissingGroupsService
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Notes == nil {
		return nil, errMissingNotesService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		otp:        deps.OTP,
		sessions:   deps.Sessions,
		profiles:   deps.Profiles,
		groups:     deps.Groups,
		chat:       deps.Chat,
		notes:      deps.Notes,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/auth/otp/send", handler.handleOTPSend)
	router.POST("/auth/otp/verify", handler.handleOTPVerify)
	router.GET("/invites/:code", handler.handleInvitePreview)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profile", handler.handleProfileGet)
	protected.PATCH("/profile", handler.handleProfileUpdate)
	protected.GET("/profile/username-check", handler.handleUsernameCheck)

	protected.POST("/groups", handler.handleGroupCreate)
	protected.GET("/groups", handler.handleGroupList)
	protected.GET("/groups/:id", handler.handleGroupGet)
	protected.POST("/groups/:id/leave", handler.handleGroupLeave)
	protected.POST("/invites/:code/join", handler.handleGroupJoin)

	protected.GET("/groups/:id/messages", handler.handleMessageHistory)
	protected.POST("/groups/:id/messages", handler.handleMessageSend)

	protected.POST("/groups/:id/notes", handler.handleNoteCreate)
	protected.GET("/groups/:id/notes", handler.handleNoteList)
	protected.GET("/notes/:id", handler.handleNoteGet)
	protected.PATCH("/notes/:id", handler.handleNoteUpdate)
	protected.DELETE("/notes/:id", handler.handleNoteDelete)

	protected.GET("/groups/:id/ws", handler.handleGroupStream)

	return router, nil
}

type httpHandler struct {
	otp        *auth.OTPService
	sessions   *auth.SessionIssuer
	profiles   *profiles.Service
	groups     *groups.Service
	chat       *chat.Service
	notes      *notes.Service
	dispatcher *realtime.Dispatcher
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// bearerToken extracts credentials from the Authorization header, falling
// back to the token query parameter for websocket upgrades where browsers
// cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

// respondError maps domain sentinels onto HTTP statuses. Membership
// failures are a distinct 403, never an empty 200.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, groups.ErrNotAMember), errors.Is(err, notes.ErrNotAuthor),
		errors.Is(err, profiles.ErrNotProfileOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, groups.ErrGroupNotFound), errors.Is(err, groups.ErrInvalidInvite),
		errors.Is(err, notes.ErrNoteNotFound), errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, profiles.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, groups.ErrAlreadyMember), errors.Is(err, profiles.ErrUsernameTaken),
		errors.Is(err, profiles.ErrUsernameChangeWindow):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, groups.ErrInvalidGroupName), errors.Is(err, notes.ErrInvalidBlock),
		errors.Is(err, profiles.ErrUsernameInvalid), errors.Is(err, auth.ErrInvalidDestination),
		errors.Is(err, auth.ErrChannelUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrCodeMismatch), errors.Is(err, auth.ErrCodeExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, groups.ErrAllocationExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
