// Package model persists the core entities: User, AccessToken, Provider,
// Account, and LogRow, plus the HealthState each Account owns a reference
// to. Driver selection follows the explicit-DSN-or-embedded-SQLite
// pattern: an explicit DSN picks Postgres or MySQL, an empty one falls
// back to embedded SQLite.
package model

import (
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relaymesh/gateway/common"
	"github.com/relaymesh/gateway/common/config"
	"github.com/relaymesh/gateway/common/helper"
	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/common/random"
)

// DB is the process-wide handle used by every function in this package.
var DB *gorm.DB

func chooseDB(dsn string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		return openPostgreSQL(dsn)
	case dsn != "":
		return openMySQL(dsn)
	default:
		return openSQLite()
	}
}

func openPostgreSQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using PostgreSQL as database")
	common.UsingPostgreSQL.Store(true)
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{PrepareStmt: true})
}

func openMySQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using MySQL as database")
	common.UsingMySQL.Store(true)
	return gorm.Open(mysql.Open(dsn), &gorm.Config{PrepareStmt: true})
}

func openSQLite() (*gorm.DB, error) {
	logger.Logger.Info("SQL_DSN not set, using embedded SQLite")
	common.UsingSQLite.Store(true)
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", common.SQLitePath, common.SQLiteBusyTimeout)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{PrepareStmt: true})
}

// InitDB opens the configured database and runs AutoMigrate for every
// entity. Dedicated schema migration tooling is out of scope; AutoMigrate
// is sufficient here since there is no prior schema to evolve from.
func InitDB() error {
	var err error
	DB, err = chooseDB(config.SQLDSN)
	if err != nil {
		return errors.Wrap(err, "open database")
	}

	if config.DebugEnabled {
		DB = DB.Debug()
	}

	if err := migrateDB(); err != nil {
		return errors.Wrap(err, "migrate database")
	}
	logger.Logger.Info("database schema migrated")

	if err := createRootAccountIfNeeded(); err != nil {
		return errors.Wrap(err, "bootstrap root account")
	}
	return nil
}

func migrateDB() error {
	for _, m := range []any{
		&User{}, &AccessToken{}, &Provider{}, &Account{}, &HealthState{}, &LogRow{},
	} {
		if err := DB.AutoMigrate(m); err != nil {
			return errors.Wrapf(err, "migrate %T", m)
		}
	}
	return nil
}

// createRootAccountIfNeeded bootstraps a root user and an unlimited-quota
// access token for it, so the gateway is usable without the (out-of-scope)
// admin API. The token's key is config.InitialRootToken when set, and a
// freshly generated key otherwise.
func createRootAccountIfNeeded() error {
	var count int64
	if err := DB.Model(&User{}).Count(&count).Error; err != nil {
		return errors.Wrap(err, "count users")
	}
	if count > 0 {
		return nil
	}

	logger.Logger.Info("no user exists, creating root user")
	root := User{
		Email:       "root@localhost",
		Role:        RoleSuperAdmin,
		Enabled:     true,
		TotalQuota:  -1,
	}
	if err := DB.Create(&root).Error; err != nil {
		return errors.Wrap(err, "create root user")
	}

	key := config.InitialRootToken
	if key == "" {
		key = random.GenerateKey()
	}
	token := AccessToken{
		UserID:      root.ID,
		Key:         key,
		Status:      TokenStatusActive,
		CreatedAt:   helper.GetTimestamp(),
		ExpiredTime: -1,
		RemainQuota: -1,
	}
	if err := DB.Create(&token).Error; err != nil {
		return errors.Wrap(err, "create root access token")
	}
	logger.Logger.Info("created root access token", zap.Int("token_id", token.ID))
	return nil
}
