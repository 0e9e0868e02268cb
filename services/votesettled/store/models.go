package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SpeciesAggregate is the durable, ledger-confirmed vote weight of one species.
type SpeciesAggregate struct {
	SpeciesID  string `gorm:"primaryKey;size:128"`
	BaseWeight int64  `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

// Settlement records one confirmed payment batch credited to an aggregate. The
// payment reference is the provider handle of the batch and deduplicates credit.
type Settlement struct {
	PaymentRef string `gorm:"primaryKey;size:256"`
	RequestID  string `gorm:"size:64;index"`
	SpeciesID  string `gorm:"size:128;index"`
	Voter      string `gorm:"size:128;index"`
	HandleKind string `gorm:"size:32"`
	Weight     int64  `gorm:"not null"`
	Units      int    `gorm:"not null"`
	RevertedAt *time.Time
	CreatedAt  time.Time
}

// VoteRecord is one persisted vote unit.
type VoteRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentRef string    `gorm:"size:256;uniqueIndex:idx_vote_unit"`
	UnitIndex  int       `gorm:"uniqueIndex:idx_vote_unit"`
	SpeciesID  string    `gorm:"size:128;index"`
	Voter      string    `gorm:"size:128"`
	Rating     int       `gorm:"not null"`
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the settlement store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SpeciesAggregate{},
		&Settlement{},
		&VoteRecord{},
	)
}
