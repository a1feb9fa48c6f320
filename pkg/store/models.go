package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID             string `gorm:"primaryKey"`
	ExternalAuthID string `gorm:"uniqueIndex;not null"`
	DisplayName    string
	PictureURL     string
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time
}

type OutboxModel struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement"`
	EventID     string         `gorm:"uniqueIndex;not null"`
	TalkRoomID  string         `gorm:"not null;index"`
	Kind        string         `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
	Published   bool           `gorm:"not null;default:false;index"`
	PublishedAt *time.Time
}
