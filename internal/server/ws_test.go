package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumpul-app/kumpul-backend/internal/chat"
	"github.com/kumpul-app/kumpul-backend/internal/groups"
	"github.com/kumpul-app/kumpul-backend/internal/realtime"
)

func wsURL(server *httptest.Server, groupID, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/groups/" + groupID + "/ws?token=" + token
}

func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) (realtime.Event, bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var event realtime.Event
	if err := conn.ReadJSON(&event); err != nil {
		return realtime.Event{}, false
	}
	return event, true
}

func TestGroupStreamDeliversMessageExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	sender := env.login(t, "+62811111111")
	receiver := env.login(t, "+62822222222")

	resp := env.do(t, http.MethodPost, "/groups", sender, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	resp = env.do(t, http.MethodPost, "/invites/"+group.InviteCode+"/join", receiver, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, group.ID, receiver), nil)
	require.NoError(t, err)
	defer conn.Close()

	resp = env.do(t, http.MethodPost, "/groups/"+group.ID+"/messages", sender, gin.H{"content": "hi"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var sent chat.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sent))

	event, ok := readEvent(t, conn, 2*time.Second)
	require.True(t, ok, "expected the message event")
	assert.Equal(t, realtime.EventInsert, event.Kind)

	var received chat.Message
	require.NoError(t, json.Unmarshal(event.Payload, &received))
	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, "hi", received.Content)

	// No duplicate delivery of the same insert.
	if extra, ok := readEvent(t, conn, 300*time.Millisecond); ok {
		var duplicate chat.Message
		require.NoError(t, json.Unmarshal(extra.Payload, &duplicate))
		assert.NotEqual(t, sent.ID, duplicate.ID, "message delivered twice")
	}
}

func TestGroupStreamRejectsNonMember(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	owner := env.login(t, "+62811111111")
	outsider := env.login(t, "+62822222222")

	resp := env.do(t, http.MethodPost, "/groups", owner, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	_, dialResp, err := websocket.DefaultDialer.Dial(wsURL(server, group.ID, outsider), nil)
	require.Error(t, err)
	require.NotNil(t, dialResp)
	assert.Equal(t, http.StatusForbidden, dialResp.StatusCode)
}

func TestGroupStreamBroadcastsTyping(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	typer := env.login(t, "+62811111111")
	watcher := env.login(t, "+62822222222")

	resp := env.do(t, http.MethodPost, "/groups", typer, gin.H{"name": "club"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var group groups.Group
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &group))

	resp = env.do(t, http.MethodPost, "/invites/"+group.InviteCode+"/join", watcher, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	typerConn, _, err := websocket.DefaultDialer.Dial(wsURL(server, group.ID, typer), nil)
	require.NoError(t, err)
	defer typerConn.Close()

	watcherConn, _, err := websocket.DefaultDialer.Dial(wsURL(server, group.ID, watcher), nil)
	require.NoError(t, err)
	defer watcherConn.Close()

	require.NoError(t, typerConn.WriteJSON(gin.H{"type": "typing", "isTyping": true}))

	event, ok := readEvent(t, watcherConn, 2*time.Second)
	require.True(t, ok, "expected a typing broadcast")
	assert.Equal(t, realtime.EventBroadcast, event.Kind)

	var signal chat.Signal
	require.NoError(t, json.Unmarshal(event.Payload, &signal))
	assert.Equal(t, group.ID, signal.GroupID)
	assert.True(t, signal.IsTyping)
	assert.NotEmpty(t, signal.UserID)

	require.NoError(t, typerConn.WriteJSON(gin.H{"type": "typing", "isTyping": false}))
	event, ok = readEvent(t, watcherConn, 2*time.Second)
	require.True(t, ok, "expected a stop broadcast")
	require.NoError(t, json.Unmarshal(event.Payload, &signal))
	assert.False(t, signal.IsTyping)
}
