package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airdrop/internal/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const markParticipatedChunkSize = 500

type GormStorage struct {
	db *gorm.DB
}

func Open(driver, dsn string) (*GormStorage, error) {
	logger.Debug("storage: initializing database...", zap.String("driver", driver))

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite has a single writer; one connection turns lock contention into pool waits.
		sqlDB.SetMaxOpenConns(1)
	}

	err = db.AutoMigrate(
		&Registration{},
		&Campaign{},
		&PendingLink{},
	)
	if err != nil {
		return nil, err
	}

	logger.Debug("storage: initializing database... done")
	return &GormStorage{db: db}, nil
}

func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LinkRegistration binds wallet to socialID. The social id is the conflict key: relinking an
// existing social account overwrites its wallet address (last link wins) instead of adding a row.
func (s *GormStorage) LinkRegistration(ctx context.Context, wallet, socialID, handle string) (*Registration, error) {
	var linked Registration

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var byWallet Registration
		err := tx.Where("wallet_address = ?", wallet).Take(&byWallet).Error
		switch {
		case err == nil:
			if byWallet.SocialID != socialID {
				return ErrWalletTaken
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var bySocial Registration
		err = tx.Where("social_id = ?", socialID).Take(&bySocial).Error
		switch {
		case err == nil:
			if bySocial.ReservationID != nil && bySocial.WalletAddress != wallet {
				return ErrReservationHeld
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		registration := &Registration{
			WalletAddress: wallet,
			SocialID:      socialID,
			SocialHandle:  handle,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "social_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"wallet_address", "social_handle", "updated_at"}),
		}).Create(registration).Error
		if err != nil {
			return err
		}

		return tx.Where("social_id = ?", socialID).Take(&linked).Error
	})
	if err != nil {
		return nil, err
	}

	return &linked, nil
}

func (s *GormStorage) GetRegistrationByWallet(ctx context.Context, wallet string) (*Registration, error) {
	var registration Registration
	err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).Take(&registration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &registration, nil
}

func (s *GormStorage) CountRegistrations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Registration{}).Count(&count).Error
	return count, err
}

// MarkParticipated sets participated_at only on rows where it is still null, so a timestamp
// once written is never moved by a later pass.
func (s *GormStorage) MarkParticipated(ctx context.Context, socialIDs []string, at time.Time) (int64, error) {
	var marked int64

	for start := 0; start < len(socialIDs); start += markParticipatedChunkSize {
		end := min(start+markParticipatedChunkSize, len(socialIDs))

		tx := s.db.WithContext(ctx).
			Model(&Registration{}).
			Where("social_id IN ? AND participated_at IS NULL", socialIDs[start:end]).
			Updates(map[string]any{"participated_at": at, "updated_at": at})
		if tx.Error != nil {
			return marked, tx.Error
		}
		marked += tx.RowsAffected
	}

	return marked, nil
}

func (s *GormStorage) CountPaid(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Registration{}).Where("paid_at IS NOT NULL").Count(&count).Error
	return count, err
}

// ListPayable returns participated, unpaid, unreserved rows, oldest registration first.
func (s *GormStorage) ListPayable(ctx context.Context, limit int) ([]*Registration, error) {
	if limit <= 0 {
		return nil, nil
	}

	var registrations []*Registration
	err := s.db.WithContext(ctx).
		Where("participated_at IS NOT NULL AND paid_at IS NULL AND reservation_id IS NULL").
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&registrations).Error
	if err != nil {
		return nil, err
	}

	return registrations, nil
}

// reserveLockKey names the postgres advisory lock serializing reservations.
const reserveLockKey = 0x61697264726f70

// ReserveRegistration is the single atomic check-and-mark guarding payouts. It succeeds only for
// a participated, unpaid, unreserved row while paid plus reserved rows are under maxRecipients.
// amount is kept with the reservation so a later sweep confirms what was actually sent.
func (s *GormStorage) ReserveRegistration(ctx context.Context, wallet, reservationID, amount string, at time.Time, maxRecipients int) (bool, error) {
	var reserved bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Under read committed the cap subquery alone lets concurrent reservations for different
		// wallets overshoot. sqlite runs on a single connection and needs no lock.
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("select pg_advisory_xact_lock(?)", reserveLockKey).Error; err != nil {
				return err
			}
		}

		result := tx.Exec(`
			update registrations
			set reservation_id = ?, reserved_at = ?, pending_tx_id = '', pending_amount = ?, updated_at = ?
			where wallet_address = ?
			  and participated_at is not null
			  and paid_at is null
			  and reservation_id is null
			  and (select count(*) from registrations where paid_at is not null or reservation_id is not null) < ?
		`, reservationID, at, amount, at, wallet, maxRecipients)
		if result.Error != nil {
			return result.Error
		}

		reserved = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	return reserved, nil
}

func (s *GormStorage) RecordPendingTx(ctx context.Context, wallet, reservationID, txID string) error {
	tx := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("wallet_address = ? AND reservation_id = ? AND paid_at IS NULL", wallet, reservationID).
		Update("pending_tx_id", txID)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ConfirmPayout writes the payout fields and clears the reservation in one statement.
func (s *GormStorage) ConfirmPayout(ctx context.Context, wallet, reservationID, txID, amount string, at time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("wallet_address = ? AND reservation_id = ? AND paid_at IS NULL", wallet, reservationID).
		Updates(map[string]any{
			"paid_at":        at,
			"payout_tx_id":   txID,
			"payout_amount":  amount,
			"pending_tx_id":  "",
			"pending_amount": "",
			"reservation_id": nil,
			"reserved_at":    nil,
			"updated_at":     at,
		})
	if tx.Error != nil {
		return false, tx.Error
	}

	return tx.RowsAffected == 1, nil
}

func (s *GormStorage) ReleaseReservation(ctx context.Context, wallet, reservationID string) (bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("wallet_address = ? AND reservation_id = ? AND paid_at IS NULL", wallet, reservationID).
		Updates(map[string]any{
			"reservation_id": nil,
			"reserved_at":    nil,
			"pending_tx_id":  "",
			"pending_amount": "",
		})
	if tx.Error != nil {
		return false, tx.Error
	}

	return tx.RowsAffected == 1, nil
}

func (s *GormStorage) ListStaleReservations(ctx context.Context, reservedBefore time.Time) ([]*Registration, error) {
	var registrations []*Registration
	err := s.db.WithContext(ctx).
		Where("reservation_id IS NOT NULL AND paid_at IS NULL AND reserved_at < ?", reservedBefore).
		Order("reserved_at asc").
		Find(&registrations).Error
	if err != nil {
		return nil, err
	}

	return registrations, nil
}

func (s *GormStorage) ActiveCampaign(ctx context.Context) (*Campaign, error) {
	var campaign Campaign
	err := s.db.WithContext(ctx).
		Where("status = ?", CampaignActive).
		Order("created_at desc, id desc").
		Take(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &campaign, nil
}

// UpsertCampaign activates postID and deactivates every other campaign.
func (s *GormStorage) UpsertCampaign(ctx context.Context, postID string, at time.Time) (*Campaign, error) {
	var campaign Campaign

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Campaign{}).
			Where("post_id <> ? AND status = ?", postID, CampaignActive).
			Update("status", CampaignInactive).Error
		if err != nil {
			return err
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "post_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).Create(&Campaign{
			PostID:    postID,
			Status:    CampaignActive,
			StartedAt: at,
		}).Error
		if err != nil {
			return err
		}

		return tx.Where("post_id = ?", postID).Take(&campaign).Error
	})
	if err != nil {
		return nil, err
	}

	return &campaign, nil
}

func (s *GormStorage) PutPendingLink(ctx context.Context, link *PendingLink) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "verifier", "expires_at"}),
	}).Create(link).Error
}

// TakePendingLink reads and deletes the record in one transaction. Only the caller whose delete
// removed the row receives it; expired records are deleted and reported as not found.
func (s *GormStorage) TakePendingLink(ctx context.Context, wallet string, now time.Time) (*PendingLink, error) {
	var link PendingLink

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("wallet_address = ?", wallet).Take(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		deleted := tx.Where("wallet_address = ? AND nonce = ?", wallet, link.Nonce).Delete(&PendingLink{})
		if deleted.Error != nil {
			return deleted.Error
		}
		if deleted.RowsAffected != 1 {
			return ErrNotFound
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !link.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}

	return &link, nil
}

func (s *GormStorage) DeleteExpiredPendingLinks(ctx context.Context, now time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&PendingLink{})
	return tx.RowsAffected, tx.Error
}
