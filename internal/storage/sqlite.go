package storage

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// NewSQLiteRepo opens the store over an embedded sqlite database, for single
// node deployments and tests. ":memory:" gives a private in-memory database.
// The schema is always migrated.
func NewSQLiteRepo(dsn string) (*Repo, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
		NowFunc:        utils.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", apperrors.ErrDatabase, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	// sqlite allows a single writer; one connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	return newRepoFromDB(db, true)
}
