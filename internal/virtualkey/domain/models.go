package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
)

// KeyType is the purpose of a key, one per physical lock class.
type KeyType string

const (
	KeyTypeMainEntrance KeyType = "MAIN_ENTRANCE"
	KeyTypeRoom         KeyType = "ROOM"
	KeyTypeLuggageRoom  KeyType = "LUGGAGE_ROOM"
	KeyTypeLaundryRoom  KeyType = "LAUNDRY_ROOM"
)

// AllKeyTypes lists key types in provisioning order.
func AllKeyTypes() []KeyType {
	return []KeyType{KeyTypeMainEntrance, KeyTypeRoom, KeyTypeLuggageRoom, KeyTypeLaundryRoom}
}

func ParseKeyType(raw string) (KeyType, error) {
	value := KeyType(strings.ToUpper(strings.TrimSpace(raw)))
	switch value {
	case KeyTypeMainEntrance, KeyTypeRoom, KeyTypeLuggageRoom, KeyTypeLaundryRoom:
		return value, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyType, raw)
	}
}

// IsShared reports whether the key opens a lock used by every guest.
func (k KeyType) IsShared() bool {
	return k != KeyTypeRoom
}

type Source string

const (
	SourceOrchestrator   Source = "orchestrator"
	SourceReconciliation Source = "reconciliation"
)

// VirtualKey is one authorization the device accepted for a booking.
type VirtualKey struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID      snowflake.ID `json:"booking_id" gorm:"not null;index"`
	KeyType        KeyType      `json:"key_type" gorm:"type:text;not null"`
	DeviceID       string       `json:"device_id" gorm:"type:text;not null"`
	ExternalAuthID string       `json:"external_auth_id" gorm:"type:text;not null;uniqueIndex"`
	KeypadCode     string       `json:"-" gorm:"type:text;not null"`
	AllowedFrom    time.Time    `json:"allowed_from" gorm:"not null"`
	AllowedUntil   time.Time    `json:"allowed_until" gorm:"not null"`
	IsActive       bool         `json:"is_active" gorm:"not null;default:true;index"`
	Source         Source       `json:"source" gorm:"type:text;not null"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	DeactivatedAt  *time.Time   `json:"deactivated_at,omitempty"`
}

func (VirtualKey) TableName() string { return "virtual_keys" }

type RetryStatus string

const (
	RetryStatusPending    RetryStatus = "PENDING"
	RetryStatusProcessing RetryStatus = "PROCESSING"
	RetryStatusCompleted  RetryStatus = "COMPLETED"
	RetryStatusFailed     RetryStatus = "FAILED"
)

func ParseRetryStatus(raw string) (RetryStatus, error) {
	value := RetryStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch value {
	case RetryStatusPending, RetryStatusProcessing, RetryStatusCompleted, RetryStatusFailed:
		return value, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRetryStatus, raw)
	}
}

// RetryRecord tracks an unfinished provisioning attempt for one key type.
type RetryRecord struct {
	ID                  snowflake.ID            `json:"id" gorm:"primaryKey"`
	BookingID           snowflake.ID            `json:"booking_id" gorm:"not null;uniqueIndex:ux_key_retry_booking_type"`
	KeyType             KeyType                 `json:"key_type" gorm:"type:text;not null;uniqueIndex:ux_key_retry_booking_type"`
	Status              RetryStatus             `json:"status" gorm:"type:text;not null;index"`
	DeviceID            string                  `json:"device_id" gorm:"type:text;not null"`
	KeypadCode          string                  `json:"-" gorm:"type:text;not null"`
	AttemptCount        int                     `json:"attempt_count" gorm:"not null;default:0"`
	MaxAttempts         int                     `json:"max_attempts" gorm:"not null"`
	NextAttemptAt       time.Time               `json:"next_attempt_at" gorm:"not null;index"`
	LastError           *string                 `json:"last_error,omitempty"`
	LastErrorKind       gatewaydomain.ErrorKind `json:"last_error_kind,omitempty" gorm:"type:text"`
	NeedsReconciliation bool                    `json:"needs_reconciliation" gorm:"not null;default:false"`
	ResolutionNote      *string                 `json:"resolution_note,omitempty"`
	ProcessingStartedAt *time.Time              `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time               `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time               `json:"updated_at" gorm:"not null"`
}

func (RetryRecord) TableName() string { return "key_retry_records" }

// Open reports whether the record still expects automated work.
func (r RetryRecord) Open() bool {
	return r.Status == RetryStatusPending || r.Status == RetryStatusProcessing
}

// ExpiredKey is an active key whose booking checked out before the cutoff.
type ExpiredKey struct {
	VirtualKey
	CheckOutAt time.Time `json:"check_out_at"`
}

type RetryListFilter struct {
	Status    RetryStatus
	BookingID snowflake.ID
	Limit     int
}
