package referral

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursewallet/wallet-service/internal/model"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrCodeNotFound      = errors.New("referral code not found")
	ErrAlreadyRegistered = errors.New("referral already registered for this user")
)

// ─────────────────────────────────────────────
// Service
// ─────────────────────────────────────────────

type Service struct {
	db     *gorm.DB
	wallet wallet.Service
	amount decimal.Decimal // held-gift value, zero disables the program
}

// NewService creates a referral Service.
func NewService(db *gorm.DB, walletSvc wallet.Service, amount decimal.Decimal) *Service {
	return &Service{db: db, wallet: walletSvc, amount: amount}
}

// Enabled reports whether a positive gift amount is configured.
func (s *Service) Enabled() bool { return s.amount.IsPositive() }

// IssueCode returns the user's referral code, generating it on
// first call.
func (s *Service) IssueCode(ctx context.Context, userID string) (string, error) {
	var c Code
	err := s.db.WithContext(ctx).Where("userid = ?", userID).First(&c).Error
	if err == nil {
		return c.Code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	c = Code{Code: code, UserID: userID}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		// Handle race condition: another request might have created it
		if err2 := s.db.WithContext(ctx).Where("userid = ?", userID).First(&c).Error; err2 == nil {
			return c.Code, nil
		}
		return "", err
	}
	return code, nil
}

// Register escrows a held gift for a referred identifier. A referred
// identifier gets at most one gift, ever.
func (s *Service) Register(ctx context.Context, code, referredID, courseID string) (*HeldGift, error) {
	var rc Code
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&rc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}

	var existing HeldGift
	if err := s.db.WithContext(ctx).Where("referred = ?", referredID).First(&existing).Error; err == nil {
		return nil, ErrAlreadyRegistered
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().Unix()
	gift := &HeldGift{
		Referrer:     rc.UserID,
		Referred:     referredID,
		CourseID:     courseID,
		Amount:       s.amount,
		Released:     false,
		TimeCreated:  now,
		TimeModified: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(gift).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyRegistered
			}
			return err
		}
		users := append(rc.Users.Data(), referredID)
		return tx.Model(&Code{}).Where("id = ?", rc.ID).
			Updates(map[string]interface{}{
				"usetimes": gorm.Expr("usetimes + 1"),
				"users":    datatypes.NewJSONType(users),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return gift, nil
}

// Release credits the held gift to the referrer. Idempotent: a gift
// already released is a successful no-op. The released flag flip and
// the wallet credit commit together.
func (s *Service) Release(ctx context.Context, giftID uint) error {
	var gift HeldGift
	if err := s.db.WithContext(ctx).First(&gift, giftID).Error; err != nil {
		return err
	}
	if gift.Released {
		return nil
	}

	var txn *wallet.Transaction
	err := s.wallet.Atomic(ctx, func(tx *gorm.DB) error {
		txn = nil
		res := tx.Model(&HeldGift{}).
			Where("id = ? AND released = ?", giftID, false).
			Updates(map[string]interface{}{
				"released":     true,
				"timemodified": time.Now().Unix(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another releaser: already credited.
			return nil
		}

		var err error
		_, txn, err = s.wallet.CreditTx(tx, gift.Referrer, gift.Amount, wallet.KindNonrefundable,
			"", "referral gift for inviting "+gift.Referred)
		return err
	})
	if err != nil {
		return err
	}
	s.wallet.Publish(txn)
	return nil
}

// ReleaseFor releases the pending gift escrowed for a referred user,
// if any. Called when the referred user's first payment confirms.
func (s *Service) ReleaseFor(ctx context.Context, referredID string) error {
	var gift HeldGift
	err := s.db.WithContext(ctx).
		Where("referred = ? AND released = ?", referredID, false).
		First(&gift).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.Release(ctx, gift.ID)
}

// StartReleaseSweep periodically re-scans unreleased gifts whose
// referred user already has a credit on ledger and releases them, so
// a missed payment webhook self-heals. Each pass re-evaluates
// current state; the loop is safe to interrupt and resume.
func (s *Service) StartReleaseSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[referral] release sweep stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	var gifts []HeldGift
	if err := s.db.WithContext(ctx).Where("released = ?", false).Find(&gifts).Error; err != nil {
		log.Errorf("[referral] sweep query error: %v", err)
		return
	}

	for _, gift := range gifts {
		// Only a consumed payable proves a confirmed payment. Other
		// ledger credits (welcome gift, awards) never release the gift.
		var paid int64
		err := s.db.WithContext(ctx).Model(&model.TopupItem{}).
			Where("userid = ? AND paid = ?", gift.Referred, true).
			Count(&paid).Error
		if err != nil {
			log.Errorf("[referral] sweep count error: %v", err)
			continue
		}
		if paid == 0 {
			continue
		}
		if err := s.Release(ctx, gift.ID); err != nil {
			log.Errorf("[referral] sweep release gift=%d error: %v", gift.ID, err)
			continue
		}
		log.Infof("[referral] sweep released gift=%d referrer=%s", gift.ID, gift.Referrer)
	}
}

// generateCode returns a random 16-hex-char referral code.
func generateCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
