package chat

import "time"

// MaxMessageLength bounds message content after trimming.
const MaxMessageLength = 2000

// Message is one immutable chat message. Rows are never updated or
// deleted once created; createdAt is server-assigned.
type Message struct {
	ID        string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	GroupID   string    `gorm:"column:group_id;size:36;not null;index:idx_messages_group_time,priority:1" json:"groupId"`
	UserID    string    `gorm:"column:user_id;size:36;not null" json:"userId"`
	Content   string    `gorm:"column:content;size:2000;not null" json:"content"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_messages_group_time,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// less orders messages for display: ascending created_at, id tie-break
// for determinism on equal timestamps.
func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
