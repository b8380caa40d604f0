package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/staykey/pkg/db/pagination"
)

type RecordRequest struct {
	BookingID string
	KeyType   string
	Action    Action
	Level     Level
	Message   string
	Metadata  map[string]any
}

type ListRequest struct {
	pagination.Pagination
	BookingID string
	Action    string
	Level     string
	StartAt   *time.Time
	EndAt     *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

type Service interface {
	// Record persists the entry and publishes it to live subscribers. A
	// persistence failure is logged and returned but never blocks publishing.
	Record(ctx context.Context, req RecordRequest) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Recent(limit int) []Entry
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
