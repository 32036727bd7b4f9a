package storage

import "time"

type RegistrationStatus = string

const (
	StatusLinked       RegistrationStatus = "linked"
	StatusParticipated RegistrationStatus = "participated"
	StatusReserved     RegistrationStatus = "reserved"
	StatusPaid         RegistrationStatus = "paid"
)

type CampaignStatus = string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignInactive CampaignStatus = "inactive"
)

// Registration is one participant's row in the distribution ledger.
// PaidAt != nil implies ParticipatedAt != nil. ReservationID != nil marks a payout in flight.
type Registration struct {
	ID             int64      `gorm:"primaryKey"`
	WalletAddress  string     `gorm:"uniqueIndex;not null"`
	SocialID       string     `gorm:"uniqueIndex;not null"`
	SocialHandle   string     `gorm:"default:''"`
	ParticipatedAt *time.Time `gorm:"index"`
	ReservationID  *string    `gorm:"index"`
	ReservedAt     *time.Time
	PendingTxID    string     `gorm:"default:''"`
	PendingAmount  string     `gorm:"default:''"`
	PaidAt         *time.Time `gorm:"index"`
	PayoutTxID     string     `gorm:"default:''"`
	PayoutAmount   string     `gorm:"default:''"`
	CreatedAt      time.Time  `gorm:"index"`
	UpdatedAt      time.Time
}

func (r *Registration) Status() RegistrationStatus {
	switch {
	case r.PaidAt != nil:
		return StatusPaid
	case r.ReservationID != nil:
		return StatusReserved
	case r.ParticipatedAt != nil:
		return StatusParticipated
	default:
		return StatusLinked
	}
}

type Campaign struct {
	ID        int64          `gorm:"primaryKey"`
	PostID    string         `gorm:"uniqueIndex;not null"`
	Status    CampaignStatus `gorm:"index;not null"`
	StartedAt time.Time      `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingLink is the server-side half of an OAuth authorization in progress.
type PendingLink struct {
	WalletAddress string    `gorm:"primaryKey"`
	Nonce         string    `gorm:"not null"`
	Verifier      string    `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"index;not null"`
}
