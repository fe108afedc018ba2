package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type RelaySession struct {
	Identifier string    `gorm:"type:text;primaryKey"`
	Watermark  time.Time `gorm:"type:timestamptz;not null"`
	LastSeen   time.Time `gorm:"type:timestamptz;not null;index"`
}

type RelayDelivery struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Identifier     string         `gorm:"type:text;not null;uniqueIndex:idx_relay_deliveries_key,priority:1"`
	NotificationID int64          `gorm:"not null;uniqueIndex:idx_relay_deliveries_key,priority:2"`
	CreatedAt      time.Time      `gorm:"type:timestamptz;not null;index"`
	DeliveredAt    time.Time      `gorm:"type:timestamptz;not null;default:now()"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&RelaySession{},
		&RelayDelivery{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&RelayDelivery{},
		&RelaySession{},
	)
}
