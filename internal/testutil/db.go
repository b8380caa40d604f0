package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	"github.com/smallbiznis/staykey/internal/migration"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB returns an isolated in-memory SQLite database with the key tables.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite has no row locks; drop FOR UPDATE clauses before execution.
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func stripForUpdate(d *gorm.DB) {
	sql := d.Statement.SQL.String()
	if !strings.Contains(sql, "FOR UPDATE") {
		return
	}
	newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
	newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
	d.Statement.SQL.Reset()
	d.Statement.SQL.WriteString(newSQL)
}

// NewNode returns a snowflake node for tests.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return node
}

// BookingFixture describes a booking to seed.
type BookingFixture struct {
	Reference string
	UnitCode  string
	Status    bookingdomain.Status
	CheckIn   time.Time
	Nights    int
	Code      string
}

// SeedBooking inserts a booking and returns it.
func SeedBooking(t *testing.T, db *gorm.DB, node *snowflake.Node, f BookingFixture) bookingdomain.Booking {
	t.Helper()

	if f.Nights <= 0 {
		f.Nights = 2
	}
	if f.Status == "" {
		f.Status = bookingdomain.StatusCheckedIn
	}
	if f.UnitCode == "" {
		f.UnitCode = "A1"
	}
	id := node.Generate()
	if f.Reference == "" {
		f.Reference = "BK-" + id.String()
	}
	now := time.Now().UTC()
	booking := bookingdomain.Booking{
		ID:         id,
		Reference:  f.Reference,
		GuestName:  "Test Guest",
		UnitCode:   f.UnitCode,
		Status:     f.Status,
		CheckInAt:  f.CheckIn.UTC(),
		CheckOutAt: f.CheckIn.UTC().Add(time.Duration(f.Nights) * 24 * time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if f.Code != "" {
		code := f.Code
		booking.UniversalKeypadCode = &code
	}
	if err := db.Create(&booking).Error; err != nil {
		t.Fatalf("failed to seed booking: %v", err)
	}
	return booking
}

// TimeShifter rewrites stored timestamps so jobs see aged rows.
type TimeShifter struct {
	db *gorm.DB
}

func NewTimeShifter(db *gorm.DB) *TimeShifter {
	return &TimeShifter{db: db}
}

// SetCheckOut moves a booking's check-out.
func (ts *TimeShifter) SetCheckOut(ctx context.Context, bookingID snowflake.ID, checkOut time.Time) error {
	return ts.db.WithContext(ctx).Exec(
		`UPDATE bookings SET check_out_at = ? WHERE id = ?`,
		checkOut.UTC(),
		bookingID,
	).Error
}

// AgeDeactivation moves deactivated_at of a booking's inactive keys.
func (ts *TimeShifter) AgeDeactivation(ctx context.Context, bookingID snowflake.ID, deactivatedAt time.Time) error {
	return ts.db.WithContext(ctx).Exec(
		`UPDATE virtual_keys SET deactivated_at = ? WHERE booking_id = ? AND is_active = ?`,
		deactivatedAt.UTC(),
		bookingID,
		false,
	).Error
}

// SetNextAttempt moves a retry record's due time.
func (ts *TimeShifter) SetNextAttempt(ctx context.Context, recordID snowflake.ID, at time.Time) error {
	return ts.db.WithContext(ctx).Exec(
		`UPDATE key_retry_records SET next_attempt_at = ? WHERE id = ?`,
		at.UTC(),
		recordID,
	).Error
}
