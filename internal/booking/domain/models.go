package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusConfirmed       Status = "confirmed"
	StatusCheckedIn       Status = "checked_in"
	StatusKeysDistributed Status = "keys_distributed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// Booking is the slice of a reservation the key engine reads and advances.
type Booking struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	Reference           string       `json:"reference" gorm:"type:text;not null;uniqueIndex"`
	GuestName           string       `json:"guest_name" gorm:"type:text;not null"`
	UnitCode            string       `json:"unit_code" gorm:"type:text;not null"`
	Status              Status       `json:"status" gorm:"type:text;not null;index"`
	CheckInAt           time.Time    `json:"check_in_at" gorm:"not null;index"`
	CheckOutAt          time.Time    `json:"check_out_at" gorm:"not null;index"`
	UniversalKeypadCode *string      `json:"-"`
	KeyCodeGeneration   int          `json:"key_code_generation" gorm:"not null;default:0"`
	PaidAt              *time.Time   `json:"paid_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time    `json:"updated_at" gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

// HasKeypadCode reports whether a universal code has been persisted.
func (b Booking) HasKeypadCode() bool {
	return b.UniversalKeypadCode != nil && *b.UniversalKeypadCode != ""
}

func (b Booking) KeypadCode() string {
	if b.UniversalKeypadCode == nil {
		return ""
	}
	return *b.UniversalKeypadCode
}
