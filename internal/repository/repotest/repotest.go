// Package repotest opens throwaway SQLite databases with the pipeline schema.
package repotest

import (
	"path/filepath"
	"testing"

	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/repository"
	"gorm.io/gorm"
)

// NewDB returns a migrated SQLite database in t.TempDir.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 4,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// CreateSource inserts src, failing the test on error.
func CreateSource(t testing.TB, db *gorm.DB, src *domain.IngestionSource) *domain.IngestionSource {
	t.Helper()
	if src.ProjectID == 0 {
		src.ProjectID = 1
	}
	if err := db.Create(src).Error; err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	return src
}
