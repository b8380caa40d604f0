package service

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/staykey/internal/activity/domain"
	"github.com/smallbiznis/staykey/internal/activity/masking"
	"github.com/smallbiznis/staykey/internal/activity/ring"
	"github.com/smallbiznis/staykey/internal/clock"
	obscontext "github.com/smallbiznis/staykey/internal/observability/context"
	"github.com/smallbiznis/staykey/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
	Hub   *ring.Hub
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	hub   *ring.Hub
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("activity.service"),
		clock: p.Clock,
		repo:  p.Repo,
		hub:   p.Hub,
	}
}

func (s *Service) Record(ctx context.Context, req domain.RecordRequest) error {
	action := domain.Action(strings.TrimSpace(string(req.Action)))
	if action == "" {
		return domain.ErrInvalidAction
	}
	level := req.Level
	if level == "" {
		level = domain.LevelInfo
	}

	payload := map[string]any{}
	for key, value := range req.Metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	if job := obscontext.JobFromContext(ctx); job != "" {
		payload["job"] = job
	}

	actorType, actorID := obscontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = "system"
	}

	entry := domain.Entry{
		ID:        ulid.Make().String(),
		KeyType:   strings.TrimSpace(req.KeyType),
		Action:    action,
		Level:     level,
		ActorType: actorType,
		ActorID:   actorID,
		Message:   strings.TrimSpace(req.Message),
		CreatedAt: s.clock.Now(),
	}
	if masked := masking.MaskMetadata(payload); masked != nil {
		entry.Metadata = datatypes.JSONMap(masked)
	}
	if bookingID := strings.TrimSpace(req.BookingID); bookingID != "" {
		entry.BookingID = &bookingID
	}

	s.hub.Publish(entry)

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write activity log", zap.String("action", string(action)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return domain.ListResponse{}, domain.ErrInvalidTimeRange
	}

	var beforeID string
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListResponse{}, domain.ErrInvalidPageToken
	}
	if cursor != nil {
		if _, err := ulid.ParseStrict(strings.TrimSpace(cursor.ID)); err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		beforeID = strings.TrimSpace(cursor.ID)
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		BookingID: req.BookingID,
		Action:    req.Action,
		Level:     req.Level,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		BeforeID:  beforeID,
		Limit:     limit,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	items, pageInfo, err := pagination.Page(items, limit, func(item *domain.Entry) pagination.Cursor {
		return pagination.Cursor{ID: item.ID, CreatedAt: item.CreatedAt.Format(time.RFC3339)}
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	entries := make([]domain.Entry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}
	return domain.ListResponse{PageInfo: pageInfo, Entries: entries}, nil
}

func (s *Service) Recent(limit int) []domain.Entry {
	return s.hub.Snapshot(limit)
}

func (s *Service) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.DeleteBefore(ctx, s.db, before)
}
