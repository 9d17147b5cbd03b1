package events

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventModel mirrors events into Postgres for the indexing layer.
type EventModel struct {
	Key        string    `gorm:"type:uuid;primaryKey"`
	Seq        int64     `gorm:"not null;index"`
	Kind       string    `gorm:"type:text;not null;index"`
	PositionID int64     `gorm:"not null;index"`
	Account    string    `gorm:"type:text;not null;index"`
	Amount     string    `gorm:"type:numeric(78,0);not null"`
	OccurredAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (EventModel) TableName() string {
	return "vesting_events"
}

type PostgresSink struct {
	db *gorm.DB
}

func OpenPostgresSink(dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EventModel{}); err != nil {
		return nil, err
	}
	return NewPostgresSink(db), nil
}

func NewPostgresSink(db *gorm.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Publish inserts events, ignoring keys already present.
func (s *PostgresSink) Publish(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]EventModel, len(events))
	for i, e := range events {
		models[i] = EventModel{
			Key:        e.Key,
			Seq:        int64(e.Seq),
			Kind:       string(e.Kind),
			PositionID: int64(e.PositionID),
			Account:    e.Account,
			Amount:     e.Amount,
			OccurredAt: e.Timestamp,
			CreatedAt:  now,
		}
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models).Error
}

func (s *PostgresSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
