package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrSettlementNotFound indicates no settlement exists for the payment reference.
	ErrSettlementNotFound = errors.New("store: settlement not found")
	// ErrInvalidSettlement indicates the settlement input was incomplete.
	ErrInvalidSettlement = errors.New("store: invalid settlement")
)

// Open connects to the configured database and applies migrations. Supported
// drivers are "sqlite" and "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Store persists vote records, settlements and per-species aggregates.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store over an already migrated database handle.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// SettlementInput describes one confirmed batch to credit.
type SettlementInput struct {
	PaymentRef string
	RequestID  string
	SpeciesID  string
	Voter      string
	HandleKind string
	Ratings    []int
}

// Weight returns the summed rating of the batch.
func (in SettlementInput) Weight() int64 {
	var total int64
	for _, r := range in.Ratings {
		total += int64(r)
	}
	return total
}

func (in SettlementInput) validate() error {
	switch {
	case strings.TrimSpace(in.PaymentRef) == "":
		return fmt.Errorf("%w: payment reference required", ErrInvalidSettlement)
	case strings.TrimSpace(in.SpeciesID) == "":
		return fmt.Errorf("%w: species required", ErrInvalidSettlement)
	case len(in.Ratings) == 0:
		return fmt.Errorf("%w: no vote units", ErrInvalidSettlement)
	}
	return nil
}

// InsertVoteRecord persists a single vote unit.
func (s *Store) InsertVoteRecord(ctx context.Context, record VoteRecord) error {
	return insertVoteRecord(s.db.WithContext(ctx), record, s.now())
}

// IncrementAggregate adds delta to the species aggregate, creating it on first use.
func (s *Store) IncrementAggregate(ctx context.Context, speciesID string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("store: negative increment %d", delta)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return adjustAggregate(tx, speciesID, delta, s.now())
	})
}

// DecrementAggregate subtracts delta from the species aggregate, flooring at zero.
func (s *Store) DecrementAggregate(ctx context.Context, speciesID string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("store: negative decrement %d", delta)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return adjustAggregate(tx, speciesID, -delta, s.now())
	})
}

// ReadAggregate returns the persisted weight of the species, zero when unseen.
func (s *Store) ReadAggregate(ctx context.Context, speciesID string) (int64, error) {
	var agg SpeciesAggregate
	err := s.db.WithContext(ctx).First(&agg, "species_id = ?", strings.TrimSpace(speciesID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return agg.BaseWeight, nil
}

// SettleBatch records every vote unit of a confirmed batch and credits the
// aggregate in one transaction. It reports false without side effects when the
// payment reference was already settled.
func (s *Store) SettleBatch(ctx context.Context, in SettlementInput) (bool, error) {
	if err := in.validate(); err != nil {
		return false, err
	}
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		settlement := Settlement{
			PaymentRef: in.PaymentRef,
			RequestID:  in.RequestID,
			SpeciesID:  in.SpeciesID,
			Voter:      in.Voter,
			HandleKind: in.HandleKind,
			Weight:     in.Weight(),
			Units:      len(in.Ratings),
			CreatedAt:  now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&settlement)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		for i, rating := range in.Ratings {
			record := VoteRecord{
				PaymentRef: in.PaymentRef,
				UnitIndex:  i,
				SpeciesID:  in.SpeciesID,
				Voter:      in.Voter,
				Rating:     rating,
			}
			if err := insertVoteRecord(tx, record, now); err != nil {
				return fmt.Errorf("vote unit %d: %w", i+1, err)
			}
		}
		if err := adjustAggregate(tx, in.SpeciesID, settlement.Weight, now); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// RevertSettlement removes the aggregate credit of a settled batch and returns
// the reverted weight. Reverting twice is a no-op that returns zero.
func (s *Store) RevertSettlement(ctx context.Context, paymentRef string) (int64, error) {
	var reverted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var settlement Settlement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&settlement, "payment_ref = ?", paymentRef).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSettlementNotFound
			}
			return err
		}
		if settlement.RevertedAt != nil {
			return nil
		}
		now := s.now()
		if err := tx.Model(&Settlement{}).Where("payment_ref = ?", paymentRef).Update("reverted_at", now).Error; err != nil {
			return err
		}
		if err := adjustAggregate(tx, settlement.SpeciesID, -settlement.Weight, now); err != nil {
			return err
		}
		reverted = settlement.Weight
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reverted, nil
}

// Settlement loads a settlement by payment reference.
func (s *Store) Settlement(ctx context.Context, paymentRef string) (Settlement, error) {
	var settlement Settlement
	err := s.db.WithContext(ctx).First(&settlement, "payment_ref = ?", paymentRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Settlement{}, ErrSettlementNotFound
	}
	return settlement, err
}

// SettlementsForRequest lists the unreverted settlements credited for a
// request, oldest first.
func (s *Store) SettlementsForRequest(ctx context.Context, requestID string) ([]Settlement, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, nil
	}
	var settlements []Settlement
	err := s.db.WithContext(ctx).
		Where("request_id = ? AND reverted_at IS NULL", requestID).
		Order("created_at ASC, payment_ref ASC").
		Find(&settlements).Error
	if err != nil {
		return nil, err
	}
	return settlements, nil
}

func insertVoteRecord(tx *gorm.DB, record VoteRecord, now time.Time) error {
	if record.Rating < 1 {
		return fmt.Errorf("store: invalid rating %d", record.Rating)
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	return tx.Create(&record).Error
}

// adjustAggregate applies delta with a single UPDATE so concurrent writers never
// lose increments. Negative deltas floor the aggregate at zero.
func adjustAggregate(tx *gorm.DB, speciesID string, delta int64, now time.Time) error {
	speciesID = strings.TrimSpace(speciesID)
	if speciesID == "" {
		return fmt.Errorf("store: species required")
	}
	if delta == 0 {
		return nil
	}
	seed := SpeciesAggregate{SpeciesID: speciesID, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return err
	}
	expr := gorm.Expr("base_weight + ?", delta)
	if delta < 0 {
		expr = gorm.Expr("CASE WHEN base_weight > ? THEN base_weight - ? ELSE 0 END", -delta, -delta)
	}
	return tx.Model(&SpeciesAggregate{}).
		Where("species_id = ?", speciesID).
		Updates(map[string]any{"base_weight": expr, "updated_at": now}).Error
}
