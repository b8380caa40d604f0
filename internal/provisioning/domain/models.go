package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
)

// ResultStatus tags the outcome of an ensure-keys call.
type ResultStatus string

const (
	ResultCreated  ResultStatus = "created"
	ResultAlready  ResultStatus = "already"
	ResultQueued   ResultStatus = "queued"
	ResultSkipped  ResultStatus = "skipped"
	ResultTooEarly ResultStatus = "too_early"
	ResultFailed   ResultStatus = "failed"
	ResultNotFound ResultStatus = "not_found"
)

// Trigger names who asked for provisioning; it only feeds logs and metrics.
type Trigger string

const (
	TriggerAdmin          Trigger = "admin"
	TriggerPayment        Trigger = "payment"
	TriggerRetry          Trigger = "retry"
	TriggerBackfill       Trigger = "backfill"
	TriggerReconciliation Trigger = "reconciliation"
)

type Options struct {
	// Force skips the booking status gate and re-authorizes key types that
	// already have an active key.
	Force                bool               `json:"force"`
	AllowEarlyGeneration bool               `json:"allow_early_generation"`
	KeyTypes             []vkdomain.KeyType `json:"key_types,omitempty"`
	ExplicitKeypadCode   string             `json:"keypad_code,omitempty"`

	// RetryRecordID marks a call made on behalf of a claimed retry record.
	RetryRecordID snowflake.ID `json:"-"`
	Trigger       Trigger      `json:"-"`
}

type KeyFailure struct {
	KeyType vkdomain.KeyType        `json:"key_type"`
	Kind    gatewaydomain.ErrorKind `json:"error_kind"`
	Error   string                  `json:"error"`
}

// Result is the tagged outcome of EnsureKeys. Status selects which of the
// remaining fields are meaningful.
type Result struct {
	Status    ResultStatus `json:"status"`
	BookingID string       `json:"booking_id"`

	KeypadCode      string             `json:"keypad_code,omitempty"`
	Created         []vkdomain.KeyType `json:"created,omitempty"`
	Queued          []vkdomain.KeyType `json:"queued,omitempty"`
	Already         []vkdomain.KeyType `json:"already,omitempty"`
	Failed          []KeyFailure       `json:"failed,omitempty"`
	SkippedKeyTypes []vkdomain.KeyType `json:"skipped_key_types,omitempty"`

	Reason               string     `json:"reason,omitempty"`
	DaysUntilGeneration  int        `json:"days_until_generation,omitempty"`
	EarliestGenerationAt *time.Time `json:"earliest_generation_at,omitempty"`
}

type RevokeResult struct {
	BookingID      string       `json:"booking_id"`
	Revoked        int          `json:"revoked"`
	Failed         []KeyFailure `json:"failed,omitempty"`
	RetriesDeleted int64        `json:"retries_deleted"`
}

type ReconcileStatus string

const (
	ReconcileAdopted  ReconcileStatus = "adopted"
	ReconcileMissing  ReconcileStatus = "missing"
	ReconcileSkipped  ReconcileStatus = "skipped"
	ReconcileDeferred ReconcileStatus = "deferred"
)

type ReconcileResult struct {
	Status         ReconcileStatus  `json:"status"`
	RecordID       string           `json:"record_id"`
	KeyType        vkdomain.KeyType `json:"key_type"`
	ExternalAuthID string           `json:"external_auth_id,omitempty"`
}
