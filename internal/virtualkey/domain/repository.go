package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// KeyRepository persists the ledger of device authorizations.
type KeyRepository interface {
	Insert(ctx context.Context, db *gorm.DB, key *VirtualKey) error
	ListByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]VirtualKey, error)
	ListActiveByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]VirtualKey, error)
	FindActiveForUpdate(ctx context.Context, db *gorm.DB, bookingID snowflake.ID, keyType KeyType) (*VirtualKey, error)
	FindByExternalAuthID(ctx context.Context, db *gorm.DB, externalAuthID string) (*VirtualKey, error)
	Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ListExpired(ctx context.Context, db *gorm.DB, checkOutBefore time.Time, limit int) ([]ExpiredKey, error)
	ListInactiveBefore(ctx context.Context, db *gorm.DB, deactivatedBefore time.Time, limit int) ([]VirtualKey, error)
	DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error)
}

// RetryRepository persists retry records. Status changes are conditional on
// the expected current status so concurrent workers cannot overwrite each other.
type RetryRepository interface {
	Insert(ctx context.Context, db *gorm.DB, record *RetryRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RetryRecord, error)
	FindByBookingAndType(ctx context.Context, db *gorm.DB, bookingID snowflake.ID, keyType KeyType) (*RetryRecord, error)
	UpdateIfStatus(ctx context.Context, db *gorm.DB, record *RetryRecord, expected ...RetryStatus) (bool, error)
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]RetryRecord, error)
	ListNeedingReconciliation(ctx context.Context, db *gorm.DB, limit int) ([]RetryRecord, error)
	ListStaleProcessing(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]RetryRecord, error)
	ListOpenByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]RetryRecord, error)
	ListBookingsCheckedOutBefore(ctx context.Context, db *gorm.DB, checkOutBefore time.Time, limit int) ([]snowflake.ID, error)
	List(ctx context.Context, db *gorm.DB, filter RetryListFilter) ([]RetryRecord, error)
	DeleteByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (int64, error)
}
