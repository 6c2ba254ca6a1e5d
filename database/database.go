// Package database archives answered chat exchanges in SQLite. The archive is
// write-mostly and is never used to restore rate limits or conversations.
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Exchange is one answered user message.
type Exchange struct {
	gorm.Model
	ClientIP    string `gorm:"index"`
	UserMessage string
	Reply       string
	LLMModel    string
	TotalTokens int32
}

// Archive stores exchanges.
type Archive struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite archive at path and migrates it.
func Open(path string) (*Archive, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB) (*Archive, error) {
	if err := db.AutoMigrate(&Exchange{}); err != nil {
		return nil, fmt.Errorf("failed to migrate SQLite database: %w", err)
	}
	return &Archive{db: db}, nil
}

// Write stores one exchange.
func (a *Archive) Write(ctx context.Context, entry *Exchange) error {
	if err := a.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return nil
}

// QueryRecent returns exchanges created within the last timeAgo, oldest first.
func (a *Archive) QueryRecent(ctx context.Context, timeAgo time.Duration) ([]Exchange, error) {
	if timeAgo <= 0 {
		return nil, fmt.Errorf("time ago must be greater than 0")
	}

	now := time.Now()
	from := now.Add(-timeAgo)

	var entries []Exchange
	err := a.db.WithContext(ctx).
		Where("created_at BETWEEN ? AND ?", from, now).
		Order("created_at").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query database: %w", err)
	}
	return entries, nil
}

// Close releases the underlying connection.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
