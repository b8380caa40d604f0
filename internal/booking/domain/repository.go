package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, booking *Booking) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error)
	UpdateKeypadCode(ctx context.Context, db *gorm.DB, id snowflake.ID, code *string, generation int, now time.Time) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (bool, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) error
	ListKeyCandidates(ctx context.Context, db *gorm.DB, filter CandidateFilter) ([]Booking, error)
}

// CandidateFilter selects checked-in bookings with no open or failed retries.
type CandidateFilter struct {
	Statuses      []Status
	CheckInBefore time.Time
	CheckOutAfter time.Time
	Limit         int
}
