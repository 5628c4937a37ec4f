package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kumpul-app/kumpul-backend/internal/ident"
)

const defaultHistoryLimit = 50

var (
	// ErrEmptyMessage indicates content is empty after trimming. Caught
	// before any storage call.
	ErrEmptyMessage = errors.New("chat: message is empty")
	// ErrMessageTooLong indicates content exceeds MaxMessageLength.
	ErrMessageTooLong = errors.New("chat: message too long")
	// ErrMessageNotFound indicates the anchor message does not exist.
	ErrMessageNotFound = errors.New("chat: message not found")

	noOpLogger = zap.NewNop()
)

// MembershipGuard authorizes group-scoped operations. Satisfied by the
// group service; a non-member check must return its not-a-member error,
// never an empty result.
type MembershipGuard interface {
	RequireMember(ctx context.Context, groupID, userID string) error
}

// ServiceConfig describes the dependencies for the message service.
type ServiceConfig struct {
	Database   *gorm.DB
	Guard      MembershipGuard
	Clock      func() time.Time
	IDProvider ident.Provider
	Logger     *zap.Logger
}

// Service persists and pages group messages.
type Service struct {
	db         *gorm.DB
	guard      MembershipGuard
	clock      func() time.Time
	idProvider ident.Provider
	logger     *zap.Logger
}

// NewService constructs the message service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("chat: database handle is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("chat: membership guard is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("chat: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		guard:      cfg.Guard,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ValidateContent applies the local message rules. Validation failures
// never reach the storage layer.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len(trimmed) > MaxMessageLength {
		return "", fmt.Errorf("%w: %d characters over the %d limit",
			ErrMessageTooLong, len(trimmed)-MaxMessageLength, MaxMessageLength)
	}
	return trimmed, nil
}

// Send validates and persists a message with a server-assigned id and
// timestamp.
func (s *Service) Send(ctx context.Context, groupID, userID, content string) (Message, error) {
	trimmed, err := ValidateContent(content)
	if err != nil {
		return Message{}, err
	}
	if err := s.guard.RequireMember(ctx, groupID, userID); err != nil {
		return Message{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, err
	}

	message := Message{
		ID:        id,
		GroupID:   groupID,
		UserID:    userID,
		Content:   trimmed,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, err
	}
	return message, nil
}

// HistoryPage is one page of messages in ascending display order.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// History returns up to limit messages, newest page first when beforeID is
// empty, otherwise messages strictly older than the anchor message. An
// extra row is fetched as the has-more sentinel. Results come back in
// ascending (created_at, id) order.
func (s *Service) History(ctx context.Context, groupID, userID string, limit int, beforeID string) (HistoryPage, error) {
	if err := s.guard.RequireMember(ctx, groupID, userID); err != nil {
		return HistoryPage{}, err
	}
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}

	query := s.db.WithContext(ctx).Where("group_id = ?", groupID)
	if beforeID != "" {
		var anchor Message
		err := s.db.WithContext(ctx).Where("id = ?", beforeID).First(&anchor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return HistoryPage{}, ErrMessageNotFound
		}
		if err != nil {
			return HistoryPage{}, err
		}
		query = query.Where(
			"created_at < ? OR (created_at = ? AND id < ?)",
			anchor.CreatedAt, anchor.CreatedAt, anchor.ID,
		)
	}

	var rows []Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	return HistoryPage{Messages: rows, HasMore: hasMore}, nil
}
