package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kumpul-app/kumpul-backend/internal/chat"
	"github.com/kumpul-app/kumpul-backend/internal/groups"
	"github.com/kumpul-app/kumpul-backend/internal/notes"
	"github.com/kumpul-app/kumpul-backend/internal/profiles"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&profiles.Profile{},
		&groups.Group{},
		&groups.GroupMember{},
		&chat.Message{},
		&notes.Note{},
		&notes.NoteBlock{},
	); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
