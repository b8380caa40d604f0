package repository

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/staykey/internal/activity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO key_activity_logs (
			id, booking_id, key_type, action, level, actor_type, actor_id,
			message, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.BookingID,
		entry.KeyType,
		entry.Action,
		entry.Level,
		entry.ActorType,
		entry.ActorID,
		entry.Message,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	stmt := db.WithContext(ctx).Model(&domain.Entry{})

	if bookingID := strings.TrimSpace(filter.BookingID); bookingID != "" {
		stmt = stmt.Where("booking_id = ?", bookingID)
	}
	if action := strings.TrimSpace(filter.Action); action != "" {
		stmt = stmt.Where("action = ?", action)
	}
	if level := strings.TrimSpace(filter.Level); level != "" {
		stmt = stmt.Where("level = ?", level)
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	if beforeID := strings.TrimSpace(filter.BeforeID); beforeID != "" {
		stmt = stmt.Where("id < ?", beforeID)
	}

	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) DeleteBefore(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM key_activity_logs WHERE created_at < ?`, before)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
