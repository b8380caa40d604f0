package domain

import (
	"time"

	"gorm.io/datatypes"
)

type Action string

const (
	ActionKeyCreated          Action = "key.created"
	ActionKeyAdopted          Action = "key.adopted"
	ActionKeyQueued           Action = "key.queued"
	ActionKeyFailed           Action = "key.failed"
	ActionKeyRevoked          Action = "key.revoked"
	ActionKeyRevokeFailed     Action = "key.revoke_failed"
	ActionKeysRegenerated     Action = "keys.regenerated"
	ActionKeysPurged          Action = "keys.purged"
	ActionProvisioningSkipped Action = "provisioning.skipped"
	ActionProvisioningEarly   Action = "provisioning.too_early"
	ActionRetryExhausted      Action = "retry.exhausted"
	ActionRetryRecovered      Action = "retry.recovered"
	ActionBookingStatus       Action = "booking.status_changed"
	ActionPaymentReceived     Action = "payment.received"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one operator-visible event about key provisioning.
type Entry struct {
	ID        string            `json:"id" gorm:"primaryKey;type:text"`
	BookingID *string           `json:"booking_id,omitempty" gorm:"type:text;index"`
	KeyType   string            `json:"key_type,omitempty" gorm:"type:text"`
	Action    Action            `json:"action" gorm:"type:text;not null;index"`
	Level     Level             `json:"level" gorm:"type:text;not null"`
	ActorType string            `json:"actor_type" gorm:"type:text"`
	ActorID   string            `json:"actor_id" gorm:"type:text"`
	Message   string            `json:"message" gorm:"type:text;not null"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;index"`
}

func (Entry) TableName() string { return "key_activity_logs" }

type ListFilter struct {
	BookingID string
	Action    string
	Level     string
	StartAt   *time.Time
	EndAt     *time.Time
	BeforeID  string
	Limit     int
}
