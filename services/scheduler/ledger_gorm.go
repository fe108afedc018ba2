package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type deliveryModel struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Identifier     string         `gorm:"type:text;not null"`
	NotificationID int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"type:timestamptz;not null"`
	DeliveredAt    time.Time      `gorm:"type:timestamptz;not null"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
}

func (deliveryModel) TableName() string { return "relay_deliveries" }

// GormLedgerStore keeps ledger entries in the relay_deliveries table.
type GormLedgerStore struct {
	orm *gorm.DB
}

func NewGormLedgerStore(orm *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{orm: orm}
}

func (s *GormLedgerStore) LoadEntries(ctx context.Context) ([]Entry, error) {
	var rows []deliveryModel
	if err := s.orm.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, Entry{
			Identifier:     r.Identifier,
			NotificationID: r.NotificationID,
			CreatedAt:      r.CreatedAt,
			Payload:        []byte(r.Payload),
		})
	}
	return entries, nil
}

func (s *GormLedgerStore) Record(ctx context.Context, e Entry) error {
	row := deliveryModel{
		ID:             uuid.New(),
		Identifier:     e.Identifier,
		NotificationID: e.NotificationID,
		CreatedAt:      e.CreatedAt.UTC(),
		DeliveredAt:    time.Now().UTC(),
		Payload:        datatypes.JSON(e.Payload),
	}
	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identifier"}, {Name: "notification_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
}

func (s *GormLedgerStore) Forget(ctx context.Context, entries []Entry) error {
	byIdentifier := map[string][]int64{}
	for _, e := range entries {
		byIdentifier[e.Identifier] = append(byIdentifier[e.Identifier], e.NotificationID)
	}
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for identifier, ids := range byIdentifier {
			if err := tx.Where("identifier = ? AND notification_id IN ?", identifier, ids).
				Delete(&deliveryModel{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
