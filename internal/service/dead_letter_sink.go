package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"go.uber.org/zap"
)

// DeadLetterSink is the append-only destination for undeliverable events.
// Append must move the event to DEAD_LETTERED in the same write, or leave it
// untouched on error.
type DeadLetterSink interface {
	Append(ctx context.Context, dl *domain.DeadLetter) error
}

// DeadLetterPublisher mirrors dead letters onto a broker.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// MirroredDeadLetterSink appends to a durable primary sink and then mirrors the record.
// The mirror only sees committed dead letters. Only primary failures are returned.
type MirroredDeadLetterSink struct {
	primary DeadLetterSink
	mirror  DeadLetterPublisher
	logger  *zap.Logger
}

func NewMirroredDeadLetterSink(primary DeadLetterSink, mirror DeadLetterPublisher, logger *zap.Logger) (*MirroredDeadLetterSink, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary dead letter sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MirroredDeadLetterSink{
		primary: primary,
		mirror:  mirror,
		logger:  logger,
	}, nil
}

func (s *MirroredDeadLetterSink) Append(ctx context.Context, dl *domain.DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("dead letter is required")
	}
	if err := s.primary.Append(ctx, dl); err != nil {
		return err
	}

	if s.mirror != nil {
		if err := s.mirror.PublishDeadLetter(ctx, *dl); err != nil {
			s.logger.Warn("failed to mirror dead letter",
				zap.String("deadLetterId", dl.ID),
				zap.String("eventId", dl.Event.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}
