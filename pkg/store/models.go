package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID                int64  `gorm:"primaryKey;autoIncrement:false"`
	Username          string `gorm:"index"`
	Balance           int    `gorm:"not null;default:0;check:balance >= 0"`
	ContextLabel      string
	SpreadsheetID     string
	IsAdmin           bool `gorm:"not null;default:false"`
	ReferredBy        int64
	ReferralBonusPaid bool      `gorm:"not null;default:false"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time
}

type PaymentModel struct {
	OrderID      string `gorm:"primaryKey"`
	UserID       int64  `gorm:"not null;index"`
	Amount       int    `gorm:"not null"`
	Credits      int    `gorm:"not null"`
	Status       string `gorm:"not null;index"`
	Notification datatypes.JSON
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type AnalysisModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       int64  `gorm:"not null;index"`
	PhotoID      string `gorm:"not null"`
	ContextLabel string
	Verdict      string    `gorm:"not null"`
	DefectCount  int       `gorm:"not null"`
	Charged      bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

type EventModel struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	EventType string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
