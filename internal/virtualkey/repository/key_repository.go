package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"gorm.io/gorm"
)

type keyRepo struct{}

func ProvideKeys() domain.KeyRepository {
	return &keyRepo{}
}

const keyColumns = `id, booking_id, key_type, device_id, external_auth_id, keypad_code,
		        allowed_from, allowed_until, is_active, source, created_at, deactivated_at`

func (r *keyRepo) Insert(ctx context.Context, db *gorm.DB, key *domain.VirtualKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO virtual_keys (
			id, booking_id, key_type, device_id, external_auth_id, keypad_code,
			allowed_from, allowed_until, is_active, source, created_at, deactivated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.BookingID,
		key.KeyType,
		key.DeviceID,
		key.ExternalAuthID,
		key.KeypadCode,
		key.AllowedFrom,
		key.AllowedUntil,
		key.IsActive,
		key.Source,
		key.CreatedAt,
		key.DeactivatedAt,
	).Error
}

func (r *keyRepo) ListByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]domain.VirtualKey, error) {
	var keys []domain.VirtualKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+`
		 FROM virtual_keys WHERE booking_id = ?
		 ORDER BY created_at ASC, id ASC`,
		bookingID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *keyRepo) ListActiveByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]domain.VirtualKey, error) {
	var keys []domain.VirtualKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+`
		 FROM virtual_keys WHERE booking_id = ? AND is_active = ?
		 ORDER BY created_at ASC, id ASC`,
		bookingID,
		true,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *keyRepo) FindActiveForUpdate(ctx context.Context, db *gorm.DB, bookingID snowflake.ID, keyType domain.KeyType) (*domain.VirtualKey, error) {
	var key domain.VirtualKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+`
		 FROM virtual_keys
		 WHERE booking_id = ? AND key_type = ? AND is_active = ?
		 FOR UPDATE`,
		bookingID,
		keyType,
		true,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *keyRepo) FindByExternalAuthID(ctx context.Context, db *gorm.DB, externalAuthID string) (*domain.VirtualKey, error) {
	var key domain.VirtualKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+` FROM virtual_keys WHERE external_auth_id = ?`,
		externalAuthID,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *keyRepo) Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE virtual_keys SET is_active = ?, deactivated_at = ? WHERE id = ? AND is_active = ?`,
		false,
		at,
		id,
		true,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *keyRepo) ListExpired(ctx context.Context, db *gorm.DB, checkOutBefore time.Time, limit int) ([]domain.ExpiredKey, error) {
	var keys []domain.ExpiredKey
	err := db.WithContext(ctx).Raw(
		`SELECT k.id, k.booking_id, k.key_type, k.device_id, k.external_auth_id, k.keypad_code,
		        k.allowed_from, k.allowed_until, k.is_active, k.source, k.created_at, k.deactivated_at,
		        b.check_out_at
		 FROM virtual_keys k
		 JOIN bookings b ON b.id = k.booking_id
		 WHERE k.is_active = ? AND b.check_out_at < ?
		 ORDER BY b.check_out_at ASC, k.booking_id ASC, k.id ASC
		 LIMIT ?`,
		true,
		checkOutBefore,
		limit,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *keyRepo) ListInactiveBefore(ctx context.Context, db *gorm.DB, deactivatedBefore time.Time, limit int) ([]domain.VirtualKey, error) {
	var keys []domain.VirtualKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+`
		 FROM virtual_keys
		 WHERE is_active = ? AND deactivated_at IS NOT NULL AND deactivated_at < ?
		 ORDER BY deactivated_at ASC, id ASC
		 LIMIT ?`,
		false,
		deactivatedBefore,
		limit,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *keyRepo) DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(`DELETE FROM virtual_keys WHERE id IN ? AND is_active = ?`, ids, false)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
