package profiles

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	usernameMinLength    = 3
	usernameMaxLength    = 20
	usernameChangeWindow = 7 * 24 * time.Hour

	defaultAvatarEmoji = "😊"
	defaultAvatarColor = "#6366F1"
)

var (
	// ErrProfileNotFound indicates no profile row exists for the user.
	ErrProfileNotFound = errors.New("profiles: profile not found")
	// ErrUsernameInvalid indicates the username fails format validation.
	ErrUsernameInvalid = errors.New("profiles: invalid username")
	// ErrUsernameTaken indicates another account already holds the username.
	ErrUsernameTaken = errors.New("profiles: username taken")
	// ErrUsernameChangeWindow indicates the 7-day change window has not elapsed.
	ErrUsernameChangeWindow = errors.New("profiles: username changed too recently")
	// ErrNotProfileOwner indicates a mutation attempt by a different user.
	ErrNotProfileOwner = errors.New("profiles: not profile owner")

	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	noOpLogger      = zap.NewNop()
)

// ServiceConfig describes the dependencies for profile management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages profile rows: lazy creation, owner-only updates, and
// username availability.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("profiles: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Seed carries the identity attributes known at first login.
type Seed struct {
	DisplayName string
	Username    string
	Email       string
	Phone       string
}

// GetOrCreate fetches the profile for userID, creating a default one on
// first authenticated access.
func (s *Service) GetOrCreate(ctx context.Context, userID string, seed Seed) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, ErrProfileNotFound
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, err
	}

	now := s.clock().UTC()
	profile = Profile{
		UserID:      userID,
		DisplayName: strings.TrimSpace(seed.DisplayName),
		Username:    strings.TrimSpace(seed.Username),
		Email:       strings.TrimSpace(seed.Email),
		Phone:       strings.TrimSpace(seed.Phone),
		AvatarEmoji: defaultAvatarEmoji,
		AvatarColor: defaultAvatarColor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
		// A concurrent first request may have created the row already.
		var existing Profile
		if lookupErr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; lookupErr == nil {
			return existing, nil
		}
		return Profile{}, err
	}
	s.logger.Info("profile created", zap.String("user_id", userID))
	return profile, nil
}

// UpdateInput carries owner-editable profile fields. Nil pointers leave the
// stored value untouched.
type UpdateInput struct {
	DisplayName *string
	Username    *string
	Email       *string
	AvatarEmoji *string
	AvatarColor *string
	AvatarURL   *string
	Bio         *string
}

// Update applies owner-only mutations. A username change is allowed at most
// once per 7-day window.
func (s *Service) Update(ctx context.Context, userID string, input UpdateInput) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{"updated_at": now}

	if input.Username != nil {
		requested := strings.TrimSpace(*input.Username)
		if requested != profile.Username {
			if err := ValidateUsername(requested); err != nil {
				return Profile{}, err
			}
			if profile.LastUsernameChangeAt != nil && now.Sub(*profile.LastUsernameChangeAt) < usernameChangeWindow {
				return Profile{}, ErrUsernameChangeWindow
			}
			taken, err := s.usernameTaken(ctx, requested, userID)
			if err != nil {
				return Profile{}, err
			}
			if taken {
				return Profile{}, ErrUsernameTaken
			}
			updates["username"] = requested
			updates["last_username_change_at"] = now
		}
	}
	if input.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*input.DisplayName)
	}
	if input.Email != nil {
		updates["email"] = strings.TrimSpace(*input.Email)
	}
	if input.AvatarEmoji != nil {
		updates["avatar_emoji"] = *input.AvatarEmoji
	}
	if input.AvatarColor != nil {
		updates["avatar_color"] = *input.AvatarColor
	}
	if input.AvatarURL != nil {
		updates["avatar_url"] = *input.AvatarURL
	}
	if input.Bio != nil {
		updates["bio"] = strings.TrimSpace(*input.Bio)
	}

	if err := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
		return Profile{}, err
	}

	var updated Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&updated).Error; err != nil {
		return Profile{}, err
	}
	return updated, nil
}

// UsernameCheck reports availability for a requested username.
type UsernameCheck struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

// CheckUsername validates format and probes for collisions. The caller's
// current username is always reported available.
func (s *Service) CheckUsername(ctx context.Context, userID, username string) (UsernameCheck, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return UsernameCheck{Available: false, Message: usernameErrorMessage(err)}, nil
	}

	var current Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&current).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return UsernameCheck{}, err
	}
	if current.Username == username {
		return UsernameCheck{Available: true, Message: "this is your current username"}, nil
	}

	taken, err := s.usernameTaken(ctx, username, userID)
	if err != nil {
		return UsernameCheck{}, err
	}
	if taken {
		return UsernameCheck{Available: false, Message: "username is already taken"}, nil
	}
	return UsernameCheck{Available: true, Message: "username is available"}, nil
}

// Get fetches a profile by user id.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// ValidateUsername enforces the 3-20 character [a-zA-Z0-9_] format.
func ValidateUsername(username string) error {
	if len(username) < usernameMinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrUsernameInvalid, usernameMinLength)
	}
	if len(username) > usernameMaxLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrUsernameInvalid, usernameMaxLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: only letters, numbers, and underscores", ErrUsernameInvalid)
	}
	return nil
}

func (s *Service) usernameTaken(ctx context.Context, username, excludeUserID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("username = ? AND user_id <> ?", username, excludeUserID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func usernameErrorMessage(err error) string {
	message := err.Error()
	if idx := strings.Index(message, ": "); idx >= 0 {
		return message[idx+2:]
	}
	return message
}
