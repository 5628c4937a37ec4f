package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errDenied = errors.New("groups: not a member of this group")

type fakeGuard struct {
	members map[string]bool
}

func (g *fakeGuard) RequireMember(_ context.Context, groupID, userID string) error {
	if g.members[groupID+"/"+userID] {
		return nil
	}
	return errDenied
}

type seqIDProvider struct {
	next int
}

func (p *seqIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

func newChatService(t *testing.T, clock func() time.Time) (*Service, *fakeGuard) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Message{}))

	guard := &fakeGuard{members: map[string]bool{"g1/u1": true}}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Guard:      guard,
		Clock:      clock,
		IDProvider: &seqIDProvider{},
	})
	require.NoError(t, err)
	return service, guard
}

func TestServiceSendRejectsNonMember(t *testing.T) {
	service, _ := newChatService(t, time.Now)
	_, err := service.Send(context.Background(), "g1", "outsider", "hi")
	assert.ErrorIs(t, err, errDenied)
}

func TestServiceSendValidatesBeforeGuard(t *testing.T) {
	service, _ := newChatService(t, time.Now)
	_, err := service.Send(context.Background(), "g1", "outsider", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage, "validation errors resolve before any authorization or storage work")
}

func TestServiceSendAssignsServerFields(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	service, _ := newChatService(t, func() time.Time { return now })

	message, err := service.Send(context.Background(), "g1", "u1", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", message.Content)
	assert.NotEmpty(t, message.ID)
	assert.Equal(t, now.UTC(), message.CreatedAt)
}

func TestServiceHistoryPagination(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	service, _ := newChatService(t, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := service.Send(ctx, "g1", "u1", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		now = now.Add(time.Second)
	}

	page, err := service.History(ctx, "g1", "u1", 3, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, "message 4", page.Messages[0].Content)
	assert.Equal(t, "message 6", page.Messages[2].Content)

	older, err := service.History(ctx, "g1", "u1", 3, page.Messages[0].ID)
	require.NoError(t, err)
	require.Len(t, older.Messages, 3)
	assert.True(t, older.HasMore)
	assert.Equal(t, "message 1", older.Messages[0].Content)
	assert.Equal(t, "message 3", older.Messages[2].Content)

	oldest, err := service.History(ctx, "g1", "u1", 3, older.Messages[0].ID)
	require.NoError(t, err)
	require.Len(t, oldest.Messages, 1)
	assert.False(t, oldest.HasMore)
	assert.Equal(t, "message 0", oldest.Messages[0].Content)
}

func TestServiceHistoryEqualTimestampsPageCleanly(t *testing.T) {
	// All rows share one timestamp; paging falls back to the id tie-break
	// and must neither skip nor duplicate messages.
	fixed := time.Unix(1_700_000_000, 0)
	service, _ := newChatService(t, func() time.Time { return fixed })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := service.Send(ctx, "g1", "u1", fmt.Sprintf("burst %d", i))
		require.NoError(t, err)
	}

	first, err := service.History(ctx, "g1", "u1", 2, "")
	require.NoError(t, err)
	second, err := service.History(ctx, "g1", "u1", 2, first.Messages[0].ID)
	require.NoError(t, err)
	third, err := service.History(ctx, "g1", "u1", 2, second.Messages[0].ID)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, page := range []HistoryPage{first, second, third} {
		for _, m := range page.Messages {
			assert.False(t, seen[m.ID], "message %s paged twice", m.ID)
			seen[m.ID] = true
		}
	}
	assert.Len(t, seen, 5)
	assert.False(t, third.HasMore)
}

func TestServiceHistoryRejectsNonMember(t *testing.T) {
	service, _ := newChatService(t, time.Now)
	_, err := service.History(context.Background(), "g1", "outsider", 10, "")
	assert.ErrorIs(t, err, errDenied)
}

func TestServiceHistoryUnknownAnchor(t *testing.T) {
	service, _ := newChatService(t, time.Now)
	_, err := service.History(context.Background(), "g1", "u1", 10, "missing-id")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
