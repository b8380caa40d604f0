package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"gorm.io/gorm"
)

type retryRepo struct{}

func ProvideRetries() domain.RetryRepository {
	return &retryRepo{}
}

const retryColumns = `id, booking_id, key_type, status, device_id, keypad_code, attempt_count,
		        max_attempts, next_attempt_at, last_error, last_error_kind, needs_reconciliation,
		        resolution_note, processing_started_at, created_at, updated_at`

func (r *retryRepo) Insert(ctx context.Context, db *gorm.DB, record *domain.RetryRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO key_retry_records (
			id, booking_id, key_type, status, device_id, keypad_code, attempt_count,
			max_attempts, next_attempt_at, last_error, last_error_kind, needs_reconciliation,
			resolution_note, processing_started_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.BookingID,
		record.KeyType,
		record.Status,
		record.DeviceID,
		record.KeypadCode,
		record.AttemptCount,
		record.MaxAttempts,
		record.NextAttemptAt,
		record.LastError,
		record.LastErrorKind,
		record.NeedsReconciliation,
		record.ResolutionNote,
		record.ProcessingStartedAt,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *retryRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.RetryRecord, error) {
	var record domain.RetryRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+retryColumns+` FROM key_retry_records WHERE id = ?`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *retryRepo) FindByBookingAndType(ctx context.Context, db *gorm.DB, bookingID snowflake.ID, keyType domain.KeyType) (*domain.RetryRecord, error) {
	var record domain.RetryRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+retryColumns+`
		 FROM key_retry_records
		 WHERE booking_id = ? AND key_type = ?`,
		bookingID,
		keyType,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *retryRepo) UpdateIfStatus(ctx context.Context, db *gorm.DB, record *domain.RetryRecord, expected ...domain.RetryStatus) (bool, error) {
	if len(expected) == 0 {
		expected = []domain.RetryStatus{record.Status}
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE key_retry_records
		 SET status = ?, device_id = ?, keypad_code = ?, attempt_count = ?, max_attempts = ?,
		     next_attempt_at = ?, last_error = ?, last_error_kind = ?, needs_reconciliation = ?,
		     resolution_note = ?, processing_started_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		record.Status,
		record.DeviceID,
		record.KeypadCode,
		record.AttemptCount,
		record.MaxAttempts,
		record.NextAttemptAt,
		record.LastError,
		record.LastErrorKind,
		record.NeedsReconciliation,
		record.ResolutionNote,
		record.ProcessingStartedAt,
		record.UpdatedAt,
		record.ID,
		expected,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *retryRepo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE key_retry_records
		 SET status = ?, processing_started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.RetryStatusProcessing,
		now,
		now,
		id,
		domain.RetryStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *retryRepo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.RetryRecord, error) {
	var records []domain.RetryRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+retryColumns+`
		 FROM key_retry_records
		 WHERE status = ? AND needs_reconciliation = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		domain.RetryStatusPending,
		false,
		now,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *retryRepo) ListNeedingReconciliation(ctx context.Context, db *gorm.DB, limit int) ([]domain.RetryRecord, error) {
	var records []domain.RetryRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+retryColumns+`
		 FROM key_retry_records
		 WHERE needs_reconciliation = ? AND status IN ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		true,
		[]domain.RetryStatus{domain.RetryStatusPending, domain.RetryStatusFailed},
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *retryRepo) ListStaleProcessing(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]domain.RetryRecord, error) {
	var records []domain.RetryRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+retryColumns+`
		 FROM key_retry_records
		 WHERE status = ? AND (processing_started_at IS NULL OR processing_started_at < ?)
		 ORDER BY processing_started_at ASC, id ASC
		 LIMIT ?`,
		domain.RetryStatusProcessing,
		startedBefore,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *retryRepo) ListOpenByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]domain.RetryRecord, error) {
	var records []domain.RetryRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+retryColumns+`
		 FROM key_retry_records
		 WHERE booking_id = ? AND status IN ?
		 ORDER BY id ASC`,
		bookingID,
		[]domain.RetryStatus{domain.RetryStatusPending, domain.RetryStatusProcessing},
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListBookingsCheckedOutBefore returns bookings that still hold retry records
// although their stay ended before checkOutBefore.
func (r *retryRepo) ListBookingsCheckedOutBefore(ctx context.Context, db *gorm.DB, checkOutBefore time.Time, limit int) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT r.booking_id
		 FROM key_retry_records r
		 JOIN bookings b ON b.id = r.booking_id
		 WHERE b.check_out_at < ?
		 ORDER BY r.booking_id ASC
		 LIMIT ?`,
		checkOutBefore,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, snowflake.ID(id))
	}
	return out, nil
}

func (r *retryRepo) List(ctx context.Context, db *gorm.DB, filter domain.RetryListFilter) ([]domain.RetryRecord, error) {
	var records []domain.RetryRecord
	stmt := db.WithContext(ctx).Model(&domain.RetryRecord{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.BookingID != 0 {
		stmt = stmt.Where("booking_id = ?", filter.BookingID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if err := stmt.Order("updated_at desc, id desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *retryRepo) DeleteByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM key_retry_records WHERE booking_id = ?`, bookingID)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
