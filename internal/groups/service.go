package groups

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kumpul-app/kumpul-backend/internal/ident"
	"github.com/kumpul-app/kumpul-backend/internal/profiles"
)

const (
	maxInviteAttempts = 5
	maxGroupNameLen   = 80

	defaultGroupEmoji = "👥"
	defaultGroupColor = "#6366F1"
)

var (
	// ErrGroupNotFound indicates no group exists with the given id.
	ErrGroupNotFound = errors.New("groups: group not found")
	// ErrNotAMember indicates a group-scoped operation by a non-member.
	// Raised explicitly so callers can distinguish "no access" from
	// "nothing there".
	ErrNotAMember = errors.New("groups: not a member of this group")
	// ErrAlreadyMember indicates a join attempt by an existing member.
	ErrAlreadyMember = errors.New("groups: already a member of this group")
	// ErrInvalidInvite indicates the invite code resolves to no group.
	ErrInvalidInvite = errors.New("groups: invalid invite code")
	// ErrInvalidGroupName indicates an empty or oversized group name.
	ErrInvalidGroupName = errors.New("groups: invalid group name")

	noOpLogger = zap.NewNop()
)

// ServiceConfig describes the dependencies for group lifecycle management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ident.Provider
	Codes      CodeGenerator
	Logger     *zap.Logger
}

// Service manages group create/join/leave/delete transitions, membership
// checks, and invite code allocation.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ident.Provider
	codes      CodeGenerator
	logger     *zap.Logger
}

// NewService constructs the group service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("groups: database handle is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("groups: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	codes := cfg.Codes
	if codes == nil {
		codes = NewCodeGenerator()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		codes:      codes,
		logger:     logger,
	}, nil
}

// CreateInput carries the attributes for a new group.
type CreateInput struct {
	Name        string
	Description string
	AvatarEmoji string
	AvatarColor string
	IsPublic    bool
}

// Create inserts a group with the caller as its sole owner member. Invite
// code allocation and persistence are atomic: on a unique-constraint
// conflict the code is regenerated and the insert retried up to a small
// bound, then ErrAllocationExhausted.
func (s *Service) Create(ctx context.Context, ownerID string, input CreateInput) (Group, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || len(name) > maxGroupNameLen {
		return Group{}, ErrInvalidGroupName
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Group{}, err
	}

	now := s.clock().UTC()
	group := Group{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		AvatarEmoji: input.AvatarEmoji,
		AvatarColor: input.AvatarColor,
		OwnerID:     ownerID,
		IsPublic:    input.IsPublic,
		CreatedAt:   now,
	}
	if group.AvatarEmoji == "" {
		group.AvatarEmoji = defaultGroupEmoji
	}
	if group.AvatarColor == "" {
		group.AvatarColor = defaultGroupColor
	}

	for attempt := 0; attempt < maxInviteAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return Group{}, err
		}
		group.InviteCode = code

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&group).Error; err != nil {
				return err
			}
			member := GroupMember{
				GroupID:  group.ID,
				UserID:   ownerID,
				Role:     RoleOwner,
				JoinedAt: now,
			}
			return tx.Create(&member).Error
		})
		if err == nil {
			s.logger.Info("group created",
				zap.String("group_id", group.ID),
				zap.String("owner_id", ownerID))
			return group, nil
		}
		if !isUniqueViolation(err) {
			return Group{}, err
		}
		s.logger.Warn("invite code collision, retrying",
			zap.String("group_id", group.ID),
			zap.Int("attempt", attempt+1))
	}
	return Group{}, ErrAllocationExhausted
}

// IsMember reports whether userID belongs to groupID.
func (s *Service) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RequireMember returns ErrNotAMember unless userID belongs to groupID.
// Every group-scoped read and write goes through this before acting.
func (s *Service) RequireMember(ctx context.Context, groupID, userID string) error {
	member, err := s.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotAMember
	}
	return nil
}

// Join resolves the invite code and adds userID as a member.
func (s *Service) Join(ctx context.Context, inviteCode, userID string) (Group, error) {
	code := strings.ToUpper(strings.TrimSpace(inviteCode))

	var group Group
	err := s.db.WithContext(ctx).Where("invite_code = ?", code).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, ErrInvalidInvite
	}
	if err != nil {
		return Group{}, err
	}

	member := GroupMember{
		GroupID:  group.ID,
		UserID:   userID,
		Role:     RoleMember,
		JoinedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&member).Error; err != nil {
		if isUniqueViolation(err) {
			return Group{}, ErrAlreadyMember
		}
		return Group{}, err
	}

	s.logger.Info("member joined",
		zap.String("group_id", group.ID),
		zap.String("user_id", userID))
	return group, nil
}

// Leave removes userID from the group. An owner leaving with other members
// present transfers ownership to the earliest-joined remaining member
// (joined_at asc, user_id asc, so retries pick the same successor); a sole
// owner leaving deletes the group and everything in it. The whole
// transition runs in one transaction and is a no-op when the membership
// row is already gone, so a retried partial failure never errors and never
// double-transfers ownership.
func (s *Service) Leave(ctx context.Context, groupID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var group Group
		err := tx.Where("id = ?", groupID).First(&group).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Retried leave after the group was already deleted.
			return nil
		}
		if err != nil {
			return err
		}

		var leaving GroupMember
		err = tx.Where("group_id = ? AND user_id = ?", groupID, userID).First(&leaving).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Membership row already removed by an earlier attempt.
			return nil
		}
		if err != nil {
			return err
		}

		if group.OwnerID == userID {
			var successors []GroupMember
			err = tx.Where("group_id = ? AND user_id <> ?", groupID, userID).
				Order("joined_at ASC, user_id ASC").
				Limit(1).
				Find(&successors).Error
			if err != nil {
				return err
			}

			if len(successors) == 0 {
				return s.deleteGroupTx(tx, groupID)
			}

			successor := successors[0]
			if err := tx.Model(&Group{}).Where("id = ?", groupID).
				Update("owner_id", successor.UserID).Error; err != nil {
				return err
			}
			if err := tx.Model(&GroupMember{}).
				Where("group_id = ? AND user_id = ?", groupID, successor.UserID).
				Update("role", RoleOwner).Error; err != nil {
				return err
			}
			s.logger.Info("ownership transferred",
				zap.String("group_id", groupID),
				zap.String("new_owner_id", successor.UserID))
		}

		return tx.Where("group_id = ? AND user_id = ?", groupID, userID).
			Delete(&GroupMember{}).Error
	})
}

// deleteGroupTx removes the group and all dependent rows. Child relations
// are deleted explicitly since sqlite foreign keys are not relied on.
func (s *Service) deleteGroupTx(tx *gorm.DB, groupID string) error {
	if err := tx.Exec(
		"DELETE FROM note_blocks WHERE note_id IN (SELECT id FROM notes WHERE group_id = ?)",
		groupID).Error; err != nil {
		return err
	}
	if err := tx.Exec("DELETE FROM notes WHERE group_id = ?", groupID).Error; err != nil {
		return err
	}
	if err := tx.Exec("DELETE FROM messages WHERE group_id = ?", groupID).Error; err != nil {
		return err
	}
	if err := tx.Where("group_id = ?", groupID).Delete(&GroupMember{}).Error; err != nil {
		return err
	}
	if err := tx.Where("id = ?", groupID).Delete(&Group{}).Error; err != nil {
		return err
	}
	s.logger.Info("group deleted", zap.String("group_id", groupID))
	return nil
}

// Member pairs a membership row with the member's profile.
type Member struct {
	GroupMember
	Profile *profiles.Profile `json:"user,omitempty"`
}

// Counts summarizes group content volumes.
type Counts struct {
	Members  int64 `json:"members"`
	Messages int64 `json:"messages"`
	Notes    int64 `json:"notes"`
}

// Detail is the full member-facing view of a group.
type Detail struct {
	Group
	Members []Member `json:"members"`
	Counts  Counts   `json:"_count"`
}

// GetByID returns the full group view for a member. Note counts follow the
// note visibility rule: published notes plus the requester's own drafts.
func (s *Service) GetByID(ctx context.Context, groupID, userID string) (Detail, error) {
	if err := s.RequireMember(ctx, groupID, userID); err != nil {
		return Detail{}, err
	}

	var group Group
	err := s.db.WithContext(ctx).Where("id = ?", groupID).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Detail{}, ErrGroupNotFound
	}
	if err != nil {
		return Detail{}, err
	}

	var rows []GroupMember
	if err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC, user_id ASC").
		Find(&rows).Error; err != nil {
		return Detail{}, err
	}

	members, err := s.attachProfiles(ctx, rows)
	if err != nil {
		return Detail{}, err
	}

	counts := Counts{Members: int64(len(rows))}
	if err := s.db.WithContext(ctx).Table("messages").
		Where("group_id = ?", groupID).Count(&counts.Messages).Error; err != nil {
		return Detail{}, err
	}
	if err := s.db.WithContext(ctx).Table("notes").
		Where("group_id = ? AND (status = ? OR author_id = ?)", groupID, "published", userID).
		Count(&counts.Notes).Error; err != nil {
		return Detail{}, err
	}

	return Detail{Group: group, Members: members, Counts: counts}, nil
}

// InvitePreview is the public, pre-join view of a group behind an invite code.
type InvitePreview struct {
	Group
	Owner       *profiles.Profile `json:"owner,omitempty"`
	MemberCount int64             `json:"memberCount"`
}

// GetInviteInfo resolves an invite code without requiring membership.
func (s *Service) GetInviteInfo(ctx context.Context, inviteCode string) (InvitePreview, error) {
	code := strings.ToUpper(strings.TrimSpace(inviteCode))

	var group Group
	err := s.db.WithContext(ctx).Where("invite_code = ?", code).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return InvitePreview{}, ErrInvalidInvite
	}
	if err != nil {
		return InvitePreview{}, err
	}

	preview := InvitePreview{Group: group}
	if err := s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ?", group.ID).Count(&preview.MemberCount).Error; err != nil {
		return InvitePreview{}, err
	}

	var owner profiles.Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", group.OwnerID).First(&owner).Error; err == nil {
		preview.Owner = &owner
	}

	return preview, nil
}

// ListForUser returns every group the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Group, error) {
	var out []Group
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.group_id = groups.id").
		Where("group_members.user_id = ?", userID).
		Order("groups.created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) attachProfiles(ctx context.Context, rows []GroupMember) ([]Member, error) {
	userIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		userIDs = append(userIDs, row.UserID)
	}

	byUser := make(map[string]profiles.Profile, len(userIDs))
	if len(userIDs) > 0 {
		var profileRows []profiles.Profile
		if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&profileRows).Error; err != nil {
			return nil, err
		}
		for _, profile := range profileRows {
			byUser[profile.UserID] = profile
		}
	}

	members := make([]Member, 0, len(rows))
	for _, row := range rows {
		member := Member{GroupMember: row}
		if profile, ok := byUser[row.UserID]; ok {
			copied := profile
			member.Profile = &copied
		}
		members = append(members, member)
	}
	return members, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
