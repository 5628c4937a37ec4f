package profiles

import "time"

// Profile holds the user-editable identity attributes for one account.
// The row is created lazily on first authenticated access.
type Profile struct {
	UserID               string     `gorm:"column:user_id;primaryKey;size:36;not null" json:"userId"`
	DisplayName          string     `gorm:"column:display_name;size:80" json:"displayName"`
	Username             string     `gorm:"column:username;size:20;uniqueIndex:idx_profiles_username,where:username <> ''" json:"username"`
	Email                string     `gorm:"column:email;size:320" json:"email"`
	Phone                string     `gorm:"column:phone;size:32" json:"phone"`
	AvatarEmoji          string     `gorm:"column:avatar_emoji;size:16" json:"avatarEmoji"`
	AvatarColor          string     `gorm:"column:avatar_color;size:16" json:"avatarColor"`
	AvatarURL            string     `gorm:"column:avatar_url;size:512" json:"avatarUrl,omitempty"`
	Bio                  string     `gorm:"column:bio;size:500" json:"bio,omitempty"`
	LastUsernameChangeAt *time.Time `gorm:"column:last_username_change_at" json:"lastUsernameChangeAt,omitempty"`
	CreatedAt            time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}
