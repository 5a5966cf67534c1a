package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string `gorm:"not null"`
	AvatarURL   string
	Email       string    `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
}

// RoomModel keeps the member set as a jsonb map keyed by user id so a
// concurrent double-join collapses into a single key.
type RoomModel struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;not null"`
	Private      bool   `gorm:"not null"`
	CodeHash     string
	CreatorID    string         `gorm:"not null;index"`
	CreatorEmail string         `gorm:"not null"`
	Members      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}

type MessageModel struct {
	ID        string `gorm:"primaryKey"`
	RoomID    string `gorm:"not null;index"`
	Author    string `gorm:"not null"`
	AvatarURL string
	Text      string
	ImageURL  string
	CreatedAt time.Time `gorm:"not null;index"`
}
