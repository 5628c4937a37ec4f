package notes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kumpul-app/kumpul-backend/internal/ident"
)

var (
	// ErrNoteNotFound covers both genuinely missing notes and drafts the
	// requester did not author. Masking private drafts as not-found is
	// deliberate: it avoids leaking that a draft exists at all.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrNotAuthor indicates a mutation attempt on someone else's note.
	ErrNotAuthor = errors.New("notes: not the note author")

	noOpLogger = zap.NewNop()
)

// MembershipGuard authorizes group-scoped operations.
type MembershipGuard interface {
	RequireMember(ctx context.Context, groupID, userID string) error
}

// ServiceConfig describes the dependencies for note management.
type ServiceConfig struct {
	Database   *gorm.DB
	Guard      MembershipGuard
	Clock      func() time.Time
	IDProvider ident.Provider
	Logger     *zap.Logger
}

// Service manages notes and their blocks. Block updates use full-replace
/// semantics: the stored set is discarded and reinserted in one
// transaction, so no orphaned or duplicate-order blocks survive a partial
// failure. Concurrent editors of the same note get last-write-wins at
// whole-note granularity; that limitation is intentional and kept.
type Service struct {
	db         *gorm.DB
	guard      MembershipGuard
	clock      func() time.Time
	idProvider ident.Provider
	logger     *zap.Logger
}

// NewService constructs the note service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("notes: database handle is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("notes: membership guard is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("notes: id provider is required")
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

// Detail is a note with its blocks in ascending order.
type Detail struct {
	Note
	Blocks []NoteBlock `json:"blocks"`
}

// ListEntry is a note without block bodies, carrying the block count.
type ListEntry struct {
	Note
	BlockCount int64 `json:"blockCount"`
}

// CreateInput carries the attributes for a new note.
type CreateInput struct {
	GroupID string
	Title   string
	Blocks  []BlockInput
}

// Create inserts a draft note with its blocks for a group member.
func (s *Service) Create(ctx context.Context, authorID string, input CreateInput) (Detail, error) {
	if err := s.guard.RequireMember(ctx, input.GroupID, authorID); err != nil {
		return Detail{}, err
	}
	for _, block := range input.Blocks {
		if err := block.Validate(); err != nil {
			return Detail{}, err
		}
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Detail{}, err
	}

	now := s.clock().UTC()
	note := Note{
		ID:        id,
		GroupID:   input.GroupID,
		AuthorID:  authorID,
		Title:     strings.TrimSpace(input.Title),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var blocks []NoteBlock
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&note).Error; err != nil {
			return err
		}
		var txErr error
		blocks, txErr = s.insertBlocksTx(tx, note.ID, input.Blocks, now)
		return txErr
	})
	if err != nil {
		return Detail{}, err
	}

	s.logger.Info("note created",
		zap.String("note_id", note.ID),
		zap.String("group_id", note.GroupID))
	return Detail{Note: note, Blocks: blocks}, nil
}

// GetByID returns the note with blocks in order for a group member. A
// draft authored by someone else behaves exactly like a missing note.
func (s *Service) GetByID(ctx context.Context, noteID, userID string) (Detail, error) {
	var note Note
	err := s.db.WithContext(ctx).Where("id = ?", noteID).First(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Detail{}, ErrNoteNotFound
	}
	if err != nil {
		return Detail{}, err
	}

	if err := s.guard.RequireMember(ctx, note.GroupID, userID); err != nil {
		return Detail{}, err
	}
	if note.Status == StatusDraft && note.AuthorID != userID {
		return Detail{}, ErrNoteNotFound
	}

	blocks, err := s.loadBlocks(ctx, noteID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Note: note, Blocks: blocks}, nil
}

// UpdateInput carries the mutable note fields. Nil leaves a field
// untouched; a non-nil Blocks slice replaces the whole block set.
type UpdateInput struct {
	Title  *string
	Status *Status
	Blocks *[]BlockInput
}

// Update applies author-only mutations. A block update deletes every
// stored block and reinserts the supplied set with dense 0-based order,
// all inside one transaction.
func (s *Service) Update(ctx context.Context, noteID, userID string, input UpdateInput) (Detail, error) {
	var note Note
	err := s.db.WithContext(ctx).Where("id = ?", noteID).First(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Detail{}, ErrNoteNotFound
	}
	if err != nil {
		return Detail{}, err
	}
	if err := s.guard.RequireMember(ctx, note.GroupID, userID); err != nil {
		return Detail{}, err
	}
	if note.AuthorID != userID {
		if note.Status == StatusDraft {
			return Detail{}, ErrNoteNotFound
		}
		return Detail{}, ErrNotAuthor
	}

	if input.Blocks != nil {
		for _, block := range *input.Blocks {
			if err := block.Validate(); err != nil {
				return Detail{}, err
			}
		}
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{"updated_at": now}
	if input.Title != nil {
		updates["title"] = strings.TrimSpace(*input.Title)
	}
	if input.Status != nil {
		if *input.Status != StatusDraft && *input.Status != StatusPublished {
			return Detail{}, errors.New("notes: invalid status")
		}
		updates["status"] = *input.Status
	}

	var blocks []NoteBlock
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Note{}).Where("id = ?", noteID).Updates(updates).Error; err != nil {
			return err
		}
		if input.Blocks != nil {
			if err := tx.Where("note_id = ?", noteID).Delete(&NoteBlock{}).Error; err != nil {
				return err
			}
			var txErr error
			blocks, txErr = s.insertBlocksTx(tx, noteID, *input.Blocks, now)
			return txErr
		}
		return nil
	})
	if err != nil {
		return Detail{}, err
	}

	if input.Blocks == nil {
		blocks, err = s.loadBlocks(ctx, noteID)
		if err != nil {
			return Detail{}, err
		}
	}

	var updated Note
	if err := s.db.WithContext(ctx).Where("id = ?", noteID).First(&updated).Error; err != nil {
		return Detail{}, err
	}
	return Detail{Note: updated, Blocks: blocks}, nil
}

// Delete removes the note and its blocks. Author-only.
func (s *Service) Delete(ctx context.Context, noteID, userID string) error {
	var note Note
	err := s.db.WithContext(ctx).Where("id = ?", noteID).First(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoteNotFound
	}
	if err != nil {
		return err
	}
	if err := s.guard.RequireMember(ctx, note.GroupID, userID); err != nil {
		return err
	}
	if note.AuthorID != userID {
		if note.Status == StatusDraft {
			return ErrNoteNotFound
		}
		return ErrNotAuthor
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("note_id = ?", noteID).Delete(&NoteBlock{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", noteID).Delete(&Note{}).Error
	})
}

// ListGroup returns the notes visible to the requester: published notes
// plus the requester's own drafts, newest updates first.
func (s *Service) ListGroup(ctx context.Context, groupID, userID string) ([]ListEntry, error) {
	if err := s.guard.RequireMember(ctx, groupID, userID); err != nil {
		return nil, err
	}

	var rows []Note
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND (status = ? OR author_id = ?)", groupID, StatusPublished, userID).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	entries := make([]ListEntry, 0, len(rows))
	for _, note := range rows {
		var count int64
		if err := s.db.WithContext(ctx).Model(&NoteBlock{}).
			Where("note_id = ?", note.ID).Count(&count).Error; err != nil {
			return nil, err
		}
		entries = append(entries, ListEntry{Note: note, BlockCount: count})
	}
	return entries, nil
}

func (s *Service) insertBlocksTx(tx *gorm.DB, noteID string, inputs []BlockInput, now time.Time) ([]NoteBlock, error) {
	blocks := make([]NoteBlock, 0, len(inputs))
	for index, input := range inputs {
		id, err := s.idProvider.NewID()
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(input.Content)
		if err != nil {
			return nil, err
		}
		block := NoteBlock{
			ID:          id,
			NoteID:      noteID,
			Order:       index,
			Type:        input.Type,
			ContentJSON: string(payload),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&block).Error; err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func (s *Service) loadBlocks(ctx context.Context, noteID string) ([]NoteBlock, error) {
	var blocks []NoteBlock
	err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("position ASC").
		Find(&blocks).Error
	if err != nil {
		return nil, err
	}
	return blocks, nil
}
