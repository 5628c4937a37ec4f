package groups

import "time"

// Role is the membership role within a group.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Group is a chat/notes workspace with an owner, members, and an invite code.
type Group struct {
	ID          string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name        string    `gorm:"column:name;size:80;not null" json:"name"`
	Description string    `gorm:"column:description;size:500" json:"description,omitempty"`
	AvatarEmoji string    `gorm:"column:avatar_emoji;size:16" json:"avatarEmoji"`
	AvatarColor string    `gorm:"column:avatar_color;size:16" json:"avatarColor"`
	InviteCode  string    `gorm:"column:invite_code;size:8;not null;uniqueIndex" json:"inviteCode"`
	OwnerID     string    `gorm:"column:owner_id;size:36;not null" json:"ownerId"`
	IsPublic    bool      `gorm:"column:is_public;not null;default:false" json:"isPublic"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "groups"
}

// GroupMember is one membership row. Exactly one row per group carries the
// owner role while the group exists.
type GroupMember struct {
	GroupID  string    `gorm:"column:group_id;primaryKey;size:36;not null" json:"groupId"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:36;not null" json:"userId"`
	Role     Role      `gorm:"column:role;size:16;not null;default:member" json:"role"`
	JoinedAt time.Time `gorm:"column:joined_at;not null" json:"joinedAt"`
}

// TableName provides the explicit table binding for GORM.
func (GroupMember) TableName() string {
	return "group_members"
}
