package store

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coursewallet/wallet-service/internal/auth"
	"github.com/coursewallet/wallet-service/internal/award"
	"github.com/coursewallet/wallet-service/internal/coupon"
	"github.com/coursewallet/wallet-service/internal/discount"
	"github.com/coursewallet/wallet-service/internal/model"
	"github.com/coursewallet/wallet-service/internal/referral"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

// Store provides SQL persistence via GORM.
type Store struct {
	db *gorm.DB
}

// NewStore opens the database and auto-migrates schemas.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Configure connection pool for PostgreSQL
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate auto-migrates every persistent model. Exposed separately
// so tests can run it against their own database.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&auth.User{},
		&wallet.Balance{},
		&wallet.Transaction{},
		&coupon.Coupon{},
		&coupon.Usage{},
		&discount.Tier{},
		&referral.Code{},
		&referral.HeldGift{},
		&award.Grant{},
		&model.TopupItem{},
	)
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}
