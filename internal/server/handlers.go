package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kumpul-app/kumpul-backend/internal/auth"
	"github.com/kumpul-app/kumpul-backend/internal/groups"
	"github.com/kumpul-app/kumpul-backend/internal/metrics"
	"github.com/kumpul-app/kumpul-backend/internal/notes"
	"github.com/kumpul-app/kumpul-backend/internal/profiles"
	"github.com/kumpul-app/kumpul-backend/internal/realtime"
)

type otpSendPayload struct {
	Destination string `json:"destination"`
	Channel     string `json:"channel"`
}

func (h *httpHandler) handleOTPSend(c *gin.Context) {
	var request otpSendPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channel := auth.Channel(request.Channel)
	if channel == "" {
		channel = auth.ChannelSMS
	}
	if err := h.otp.Send(c.Request.Context(), request.Destination, channel); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type otpVerifyPayload struct {
	Destination string `json:"destination"`
	Code        string `json:"code"`
}

type sessionPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleOTPVerify(c *gin.Context) {
	var request otpVerifyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID, err := h.otp.Verify(c.Request.Context(), request.Destination, request.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if _, err := h.profiles.GetOrCreate(c.Request.Context(), userID, profiles.Seed{Phone: request.Destination}); err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.sessions.IssueSessionToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionPayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

func (h *httpHandler) handleProfileGet(c *gin.Context) {
	profile, err := h.profiles.GetOrCreate(c.Request.Context(), currentUserID(c), profiles.Seed{})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

type profileUpdatePayload struct {
	DisplayName *string `json:"displayName"`
	Username    *string `json:"username"`
	Email       *string `json:"email"`
	AvatarEmoji *string `json:"avatarEmoji"`
	AvatarColor *string `json:"avatarColor"`
	AvatarURL   *string `json:"avatarUrl"`
	Bio         *string `json:"bio"`
}

func (h *httpHandler) handleProfileUpdate(c *gin.Context) {
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.profiles.Update(c.Request.Context(), currentUserID(c), profiles.UpdateInput{
		DisplayName: request.DisplayName,
		Username:    request.Username,
		Email:       request.Email,
		AvatarEmoji: request.AvatarEmoji,
		AvatarColor: request.AvatarColor,
		AvatarURL:   request.AvatarURL,
		Bio:         request.Bio,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUsernameCheck(c *gin.Context) {
	check, err := h.profiles.CheckUsername(c.Request.Context(), currentUserID(c), c.Query("username"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

type groupCreatePayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AvatarEmoji string `json:"avatarEmoji"`
	AvatarColor string `json:"avatarColor"`
	IsPublic    bool   `json:"isPublic"`
}

func (h *httpHandler) handleGroupCreate(c *gin.Context) {
	var request groupCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	group, err := h.groups.Create(c.Request.Context(), currentUserID(c), groups.CreateInput{
		Name:        request.Name,
		Description: request.Description,
		AvatarEmoji: request.AvatarEmoji,
		AvatarColor: request.AvatarColor,
		IsPublic:    request.IsPublic,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (h *httpHandler) handleGroupList(c *gin.Context) {
	list, err := h.groups.ListForUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": list})
}

func (h *httpHandler) handleGroupGet(c *gin.Context) {
	detail, err := h.groups.GetByID(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleGroupJoin(c *gin.Context) {
	group, err := h.groups.Join(c.Request.Context(), c.Param("code"), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *httpHandler) handleGroupLeave(c *gin.Context) {
	if err := h.groups.Leave(c.Request.Context(), c.Param("id"), currentUserID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInvitePreview(c *gin.Context) {
	preview, err := h.groups.GetInviteInfo(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

type messageSendPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleMessageSend(c *gin.Context) {
	var request messageSendPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	groupID := c.Param("id")
	message, err := h.chat.Send(c.Request.Context(), groupID, currentUserID(c), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}

	metrics.MessagesSentTotal.Inc()
	h.publish(realtime.MessagesTopic(groupID), realtime.EventInsert, "messages", message)
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleMessageHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	page, err := h.chat.History(c.Request.Context(), c.Param("id"), currentUserID(c), limit, c.Query("before"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type noteCreatePayload struct {
	Title  string             `json:"title"`
	Blocks []notes.BlockInput `json:"blocks"`
}

func (h *httpHandler) handleNoteCreate(c *gin.Context) {
	var request noteCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	groupID := c.Param("id")
	detail, err := h.notes.Create(c.Request.Context(), currentUserID(c), notes.CreateInput{
		GroupID: groupID,
		Title:   request.Title,
		Blocks:  request.Blocks,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publish(realtime.GroupNotesTopic(groupID), realtime.EventInsert, "notes", detail)
	c.JSON(http.StatusCreated, detail)
}

func (h *httpHandler) handleNoteList(c *gin.Context) {
	entries, err := h.notes.ListGroup(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": entries})
}

func (h *httpHandler) handleNoteGet(c *gin.Context) {
	detail, err := h.notes.GetByID(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type noteUpdatePayload struct {
	Title  *string             `json:"title"`
	Status *notes.Status       `json:"status"`
	Blocks *[]notes.BlockInput `json:"blocks"`
}

func (h *httpHandler) handleNoteUpdate(c *gin.Context) {
	var request noteUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	noteID := c.Param("id")
	detail, err := h.notes.Update(c.Request.Context(), noteID, currentUserID(c), notes.UpdateInput{
		Title:  request.Title,
		Status: request.Status,
		Blocks: request.Blocks,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publish(realtime.NoteTopic(noteID), realtime.EventUpdate, "notes", detail)
	h.publish(realtime.GroupNotesTopic(detail.GroupID), realtime.EventUpdate, "notes", detail)
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleNoteDelete(c *gin.Context) {
	noteID := c.Param("id")

	detail, err := h.notes.GetByID(c.Request.Context(), noteID, currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.notes.Delete(c.Request.Context(), noteID, currentUserID(c)); err != nil {
		h.respondError(c, err)
		return
	}

	h.publish(realtime.NoteTopic(noteID), realtime.EventDelete, "notes", gin.H{"id": noteID})
	h.publish(realtime.GroupNotesTopic(detail.GroupID), realtime.EventDelete, "notes", gin.H{"id": noteID})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) publish(topic string, kind realtime.EventKind, table string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode realtime payload", zap.Error(err))
		return
	}
	h.dispatcher.Publish(realtime.Event{
		Topic:   topic,
		Kind:    kind,
		Table:   table,
		Payload: raw,
	})
}
