package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/staykey/internal/booking/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, booking *domain.Booking) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bookings (
			id, reference, guest_name, unit_code, status, check_in_at, check_out_at,
			universal_keypad_code, key_code_generation, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		booking.ID,
		booking.Reference,
		booking.GuestName,
		booking.UnitCode,
		booking.Status,
		booking.CheckInAt,
		booking.CheckOutAt,
		booking.UniversalKeypadCode,
		booking.KeyCodeGeneration,
		booking.PaidAt,
		booking.CreatedAt,
		booking.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Booking, error) {
	var booking domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT id, reference, guest_name, unit_code, status, check_in_at, check_out_at,
		        universal_keypad_code, key_code_generation, paid_at, created_at, updated_at
		 FROM bookings WHERE id = ?`,
		id,
	).Scan(&booking).Error
	if err != nil {
		return nil, err
	}
	if booking.ID == 0 {
		return nil, nil
	}
	return &booking, nil
}

func (r *repo) UpdateKeypadCode(ctx context.Context, db *gorm.DB, id snowflake.ID, code *string, generation int, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET universal_keypad_code = ?, key_code_generation = ?, updated_at = ?
		 WHERE id = ?`,
		code,
		generation,
		now,
		id,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE bookings SET paid_at = ?, updated_at = ? WHERE id = ? AND paid_at IS NULL`,
		paidAt,
		paidAt,
		id,
	).Error
}

func (r *repo) ListKeyCandidates(ctx context.Context, db *gorm.DB, filter domain.CandidateFilter) ([]domain.Booking, error) {
	var bookings []domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT b.id, b.reference, b.guest_name, b.unit_code, b.status, b.check_in_at, b.check_out_at,
		        b.universal_keypad_code, b.key_code_generation, b.paid_at, b.created_at, b.updated_at
		 FROM bookings b
		 WHERE b.status IN ?
		   AND b.check_in_at <= ?
		   AND b.check_out_at > ?
		   AND NOT EXISTS (
		     SELECT 1 FROM key_retry_records r
		     WHERE r.booking_id = b.id AND r.status IN ('PENDING', 'PROCESSING', 'FAILED')
		   )
		 ORDER BY b.check_in_at ASC, b.id ASC
		 LIMIT ?`,
		filter.Statuses,
		filter.CheckInBefore,
		filter.CheckOutAfter,
		filter.Limit,
	).Scan(&bookings).Error
	if err != nil {
		return nil, err
	}
	return bookings, nil
}
