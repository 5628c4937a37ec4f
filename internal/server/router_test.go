package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kumpul-app/kumpul-backend/internal/auth"
	"github.com/kumpul-app/kumpul-backend/internal/chat"
	"github.com/kumpul-app/kumpul-backend/internal/groups"
	"github.com/kumpul-app/kumpul-backend/internal/ident"
	"github.com/kumpul-app/kumpul-backend/internal/notes"
	"github.com/kumpul-app/kumpul-backend/internal/profiles"
	"github.com/kumpul-app/kumpul-backend/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *recordingSender) SendCode(_ context.Context, destination string, _ auth.Channel, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = make(map[string]string)
	}
	s.codes[destination] = code
	return nil
}

func (s *recordingSender) codeFor(destination string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[destination]
}

type testEnv struct {
	handler    http.Handler
	sender     *recordingSender
	dispatcher *realtime.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&profiles.Profile{},
		&groups.Group{},
		&groups.GroupMember{},
		&chat.Message{},
		&notes.Note{},
		&notes.NoteBlock{},
	))

	sender := &recordingSender{}
	otpService, err := auth.NewOTPService(auth.OTPServiceConfig{Sender: sender})
	require.NoError(t, err)
	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "kumpul-test",
		Audience:      "kumpul-test",
	})

	idProvider := ident.NewUUIDProvider()
	profileService, err := profiles.NewService(profiles.ServiceConfig{Database: db})
	require.NoError(t, err)
	groupService, err := groups.NewService(groups.ServiceConfig{Database: db, IDProvider: idProvider})
	require.NoError(t, err)
	chatService, err := chat.NewService(chat.ServiceConfig{Database: db, Guard: groupService, IDProvider: idProvider})
	require.NoError(t, err)
	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, Guard: groupService, IDProvider: idProvider})
	require.NoError(t, err)

	dispatcher := realtime.NewDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		OTP:        otpService,
		Sessions:   sessions,
		Profiles:   profileService,
		Groups:     groupService,
		Chat:       chatService,
		Notes:      noteService,
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)

	return &testEnv{handler: handler, sender: sender, dispatcher: dispatcher}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

// login walks the OTP flow for a phone number and returns a session token.
func (env *testEnv) login(t *testing.T, phone string) string {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/auth/otp/send", "", gin.H{"destination": phone})
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.do(t, http.MethodPost, "/auth/otp/verify", "", gin.H{
		"destination": phone,
		"code":        env.sender.codeFor(phone),
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var session sessionPayload
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))
	require.NotEmpty(t, session.AccessToken)
	return session.AccessToken
}

func TestOTPLoginCreatesProfileLazily(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "+6281234567890")

	resp := env.do(t, http.MethodGet, "/profile", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var profile profiles.Profile
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &profile))
	assert.Equal(t, "+6281234567890", profile.Phone)
	assert.NotEmpty(t, profile.AvatarEmoji)
}

func TestOTPVerifyRejectsWrongCode(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/auth/otp/send", "", gin.H{"destination": "+628555"})
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.do(t, http.MethodPost, "/auth/otp/verify", "", gin.H{
		"destination": "+628555",
		"code":        "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/profile", "/groups"} {
		resp := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Code, path)
	}
	resp := env.do(t, http.MethodGet, "/profile", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestGroupAccessByNonMemberIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "+62811111111")
	outsider := env.login(t, "+62822222222")

	resp := env.do(t, http.MethodPost, "/groups", owner, gin.H{"name": "private club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	// Never an empty 200 for a non-member.
	resp = env.do(t, http.MethodGet, "/groups/"+group.ID, outsider, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = env.do(t, http.MethodGet, "/groups/"+group.ID+"/messages", outsider, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = env.do(t, http.MethodPost, "/groups/"+group.ID+"/messages", outsider, gin.H{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestJoinByInviteAndErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "+62811111111")
	joiner := env.login(t, "+62822222222")

	resp := env.do(t, http.MethodPost, "/groups", owner, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	// Preview is public.
	resp = env.do(t, http.MethodGet, "/invites/"+group.InviteCode, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/invites/"+group.InviteCode+"/join", joiner, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/invites/"+group.InviteCode+"/join", joiner, nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = env.do(t, http.MethodPost, "/invites/WRONG000/join", joiner, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(t, http.MethodGet, "/groups/"+group.ID, joiner, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var detail groups.Detail
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &detail))
	assert.Equal(t, int64(2), detail.Counts.Members)
}

func TestMessageValidationMapping(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "+62811111111")

	resp := env.do(t, http.MethodPost, "/groups", owner, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	resp = env.do(t, http.MethodPost, "/groups/"+group.ID+"/messages", owner, gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	long := make([]byte, chat.MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	resp = env.do(t, http.MethodPost, "/groups/"+group.ID+"/messages", owner, gin.H{"content": string(long)})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMessageSendPublishesRealtimeEvent(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "+62811111111")

	resp := env.do(t, http.MethodPost, "/groups", owner, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, release := env.dispatcher.Subscribe(ctx, realtime.MessagesTopic(group.ID))
	defer release()

	resp = env.do(t, http.MethodPost, "/groups/"+group.ID+"/messages", owner, gin.H{"content": "hello"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var sent chat.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sent))

	select {
	case event := <-events:
		assert.Equal(t, realtime.EventInsert, event.Kind)
		var echoed chat.Message
		require.NoError(t, json.Unmarshal(event.Payload, &echoed))
		assert.Equal(t, sent.ID, echoed.ID)
		assert.Equal(t, "hello", echoed.Content)
	case <-time.After(time.Second):
		t.Fatal("expected a realtime event for the sent message")
	}
}

func TestNoteDraftVisibilityOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	author := env.login(t, "+62811111111")
	reader := env.login(t, "+62822222222")

	resp := env.do(t, http.MethodPost, "/groups", author, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	resp = env.do(t, http.MethodPost, "/invites/"+group.InviteCode+"/join", reader, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/groups/"+group.ID+"/notes", author, gin.H{
		"title":  "draft plans",
		"blocks": []gin.H{{"type": "text", "content": gin.H{"text": "wip"}}},
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var created notes.Detail
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	// Another member sees a draft as not-found.
	resp = env.do(t, http.MethodGet, "/notes/"+created.ID, reader, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(t, http.MethodPatch, "/notes/"+created.ID, author, gin.H{"status": "published"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodGet, "/notes/"+created.ID, reader, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	// Published notes stay author-only for writes.
	resp = env.do(t, http.MethodPatch, "/notes/"+created.ID, reader, gin.H{"title": "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestLeaveTransfersOwnershipOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "+62811111111")
	member := env.login(t, "+62822222222")

	resp := env.do(t, http.MethodPost, "/groups", owner, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	resp = env.do(t, http.MethodPost, "/invites/"+group.InviteCode+"/join", member, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/groups/"+group.ID+"/leave", owner, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.do(t, http.MethodGet, "/groups/"+group.ID, member, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var detail groups.Detail
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &detail))
	assert.NotEqual(t, group.OwnerID, detail.OwnerID)
	require.Len(t, detail.Members, 1)
	assert.Equal(t, groups.RoleOwner, detail.Members[0].Role)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	require.Error(t, err)
}
