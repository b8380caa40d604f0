package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/staykey/internal/booking/domain"
	"github.com/smallbiznis/staykey/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("booking.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.Booking, error) {
	if id == 0 {
		return domain.Booking{}, domain.ErrInvalidID
	}
	booking, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking == nil {
		return domain.Booking{}, domain.ErrNotFound
	}
	return *booking, nil
}

func (s *Service) AssignKeypadCode(ctx context.Context, id snowflake.ID, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", domain.ErrInvalidKeypadCode
	}

	var stored string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		booking, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if booking == nil {
			return domain.ErrNotFound
		}
		if booking.HasKeypadCode() {
			stored = booking.KeypadCode()
			return nil
		}
		if err := s.repo.UpdateKeypadCode(ctx, tx, id, &code, booking.KeyCodeGeneration, s.clock.Now()); err != nil {
			return err
		}
		stored = code
		return nil
	})
	if err != nil {
		return "", err
	}
	return stored, nil
}

func (s *Service) ReplaceKeypadCode(ctx context.Context, id snowflake.ID, code string) (int, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, domain.ErrInvalidKeypadCode
	}

	var generation int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		booking, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if booking == nil {
			return domain.ErrNotFound
		}
		generation = booking.KeyCodeGeneration + 1
		return s.repo.UpdateKeypadCode(ctx, tx, id, &code, generation, s.clock.Now())
	})
	if err != nil {
		return 0, err
	}
	return generation, nil
}

func (s *Service) ClearKeypadCode(ctx context.Context, id snowflake.ID) error {
	booking, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.repo.UpdateKeypadCode(ctx, s.db, id, nil, booking.KeyCodeGeneration, s.clock.Now())
}

func (s *Service) Transition(ctx context.Context, id snowflake.ID, to domain.Status) (bool, error) {
	booking, err := s.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if booking.Status == to {
		return false, nil
	}
	if !domain.CanTransition(booking.Status, to) {
		return false, domain.ErrInvalidTransition
	}

	changed, err := s.repo.UpdateStatus(ctx, s.db, id, booking.Status, to, s.clock.Now())
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Info("booking status changed",
			zap.String("booking_id", id.String()),
			zap.String("from", string(booking.Status)),
			zap.String("to", string(to)),
		)
	}
	return changed, nil
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return s.repo.MarkPaid(ctx, s.db, id, s.clock.Now())
}

func (s *Service) ListKeyCandidates(ctx context.Context, lead time.Duration, limit int) ([]domain.Booking, error) {
	if limit <= 0 {
		limit = 25
	}
	now := s.clock.Now()
	return s.repo.ListKeyCandidates(ctx, s.db, domain.CandidateFilter{
		Statuses:      []domain.Status{domain.StatusCheckedIn},
		CheckInBefore: now.Add(lead),
		CheckOutAfter: now,
		Limit:         limit,
	})
}
