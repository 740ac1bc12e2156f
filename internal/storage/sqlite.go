package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// documentRow holds one full collection as a single JSON document. Keeping the
// array intact preserves insertion order without a position column.
type documentRow struct {
	Collection string `gorm:"column:collection;primaryKey;size:64;not null"`
	Document   string `gorm:"column:document;type:text;not null"`
}

func (documentRow) TableName() string {
	return "collections"
}

// SQLiteBackend stores collections as JSON documents in a SQLite database.
// It satisfies the same contract as the file backend and is selected with the
// storage.driver configuration key.
type SQLiteBackend struct {
	db *gorm.DB
}

// OpenSQLite establishes the SQLite connection and performs schema migration.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: database path is required")
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

	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return &SQLiteBackend{db: db}, nil
}

// Close releases the underlying connection.
func (b *SQLiteBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load reads the collection document into out. An absent row reports found =
// false with a nil error.
func (b *SQLiteBackend) Load(collection Collection, out any) (bool, error) {
	var row documentRow
	err := b.db.Where("collection = ?", string(collection)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: select %s: %w", collection, err)
	}
	if err := json.Unmarshal([]byte(row.Document), out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", collection, err)
	}
	return true, nil
}

// Save upserts the full collection document.
func (b *SQLiteBackend) Save(collection Collection, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", collection, err)
	}
	row := documentRow{Collection: string(collection), Document: string(data)}
	err = b.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}},
		DoUpdates: clause.AssignmentColumns([]string{"document"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("storage: upsert %s: %w", collection, err)
	}
	return nil
}
