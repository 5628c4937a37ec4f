package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is a note's publication state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// BlockType enumerates the supported block kinds.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockHeading BlockType = "heading"
	BlockList    BlockType = "list"
	BlockQuote   BlockType = "quote"
	BlockDivider BlockType = "divider"
)

// ErrInvalidBlock indicates a block payload fails per-type validation.
var ErrInvalidBlock = errors.New("notes: invalid block")

// Note is a block-structured document inside a group. Drafts are visible
// only to their author; published notes are visible to every member.
type Note struct {
	ID        string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	GroupID   string    `gorm:"column:group_id;size:36;not null;index" json:"groupId"`
	AuthorID  string    `gorm:"column:author_id;size:36;not null" json:"authorId"`
	Title     string    `gorm:"column:title;size:200" json:"title,omitempty"`
	Status    Status    `gorm:"column:status;size:16;not null;default:draft" json:"status"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteBlock is one ordered block of a note. Order values form a dense,
// gap-free 0-based sequence within the note after every update.
type NoteBlock struct {
	ID          string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	NoteID      string    `gorm:"column:note_id;size:36;not null;index" json:"noteId"`
	Order       int       `gorm:"column:position;not null" json:"order"`
	Type        BlockType `gorm:"column:type;size:16;not null" json:"type"`
	ContentJSON string    `gorm:"column:content_json;type:text;not null" json:"-"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (NoteBlock) TableName() string {
	return "note_blocks"
}

// BlockContent is the variant payload keyed by block type.
type BlockContent struct {
	Text  string   `json:"text,omitempty"`
	Level int      `json:"level,omitempty"`
	Items []string `json:"items,omitempty"`
}

// Content decodes the stored payload.
func (b NoteBlock) Content() (BlockContent, error) {
	var content BlockContent
	if b.ContentJSON == "" {
		return content, nil
	}
	err := json.Unmarshal([]byte(b.ContentJSON), &content)
	return content, err
}

// MarshalJSON renders the block with its decoded content payload.
func (b NoteBlock) MarshalJSON() ([]byte, error) {
	content, err := b.Content()
	if err != nil {
		return nil, err
	}
	type alias struct {
		ID        string       `json:"id"`
		NoteID    string       `json:"noteId"`
		Order     int          `json:"order"`
		Type      BlockType    `json:"type"`
		Content   BlockContent `json:"content"`
		CreatedAt time.Time    `json:"createdAt"`
		UpdatedAt time.Time    `json:"updatedAt"`
	}
	return json.Marshal(alias{
		ID:        b.ID,
		NoteID:    b.NoteID,
		Order:     b.Order,
		Type:      b.Type,
		Content:   content,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	})
}

// BlockInput is one block supplied by a caller; order is assigned by
// position in the input slice, not by the caller.
type BlockInput struct {
	Type    BlockType    `json:"type"`
	Content BlockContent `json:"content"`
}

// Validate enforces the per-type payload rules.
func (b BlockInput) Validate() error {
	switch b.Type {
	case BlockText, BlockQuote:
		if b.Content.Level != 0 || b.Content.Items != nil {
			return fmt.Errorf("%w: %s block carries only text", ErrInvalidBlock, b.Type)
		}
	case BlockHeading:
		if b.Content.Level < 1 || b.Content.Level > 3 {
			return fmt.Errorf("%w: heading level must be 1-3", ErrInvalidBlock)
		}
		if b.Content.Items != nil {
			return fmt.Errorf("%w: heading block carries no items", ErrInvalidBlock)
		}
	case BlockList:
		if b.Content.Items == nil {
			return fmt.Errorf("%w: list block requires items", ErrInvalidBlock)
		}
		if b.Content.Text != "" || b.Content.Level != 0 {
			return fmt.Errorf("%w: list block carries only items", ErrInvalidBlock)
		}
	case BlockDivider:
		if b.Content.Text != "" || b.Content.Level != 0 || b.Content.Items != nil {
			return fmt.Errorf("%w: divider block carries no content", ErrInvalidBlock)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidBlock, b.Type)
	}
	return nil
}
