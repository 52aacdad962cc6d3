package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
)

type DeadLetterLister interface {
	List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetter, int64, error)
}

type DeadLetterReplayer interface {
	Replay(ctx context.Context, deadLetterID string) (*domain.EventRecord, error)
}

type DeadLetterHandler struct {
	lister   DeadLetterLister
	replayer DeadLetterReplayer
}

func NewDeadLetterHandler(lister DeadLetterLister, replayer DeadLetterReplayer) (*DeadLetterHandler, error) {
	if lister == nil {
		return nil, fmt.Errorf("dead letter lister is required")
	}
	if replayer == nil {
		return nil, fmt.Errorf("dead letter replayer is required")
	}
	return &DeadLetterHandler{lister: lister, replayer: replayer}, nil
}

func RegisterDeadLetterRoutes(router fiber.Router, lister DeadLetterLister, replayer DeadLetterReplayer) error {
	h, err := NewDeadLetterHandler(lister, replayer)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Post("/dead-letters/:id/replay", h.ReplayDeadLetter)

	return nil
}

type deadLetterResponse struct {
	ID             string            `json:"id"`
	EventID        string            `json:"eventId"`
	Topic          string            `json:"topic"`
	Reason         string            `json:"reason"`
	FinalError     string            `json:"finalError"`
	AttemptCount   int               `json:"attemptCount"`
	Attempts       []attemptResponse `json:"attempts"`
	DeadLetteredAt time.Time         `json:"deadLetteredAt"`
	ReplayedAt     *time.Time        `json:"replayedAt,omitempty"`
}

type listDeadLettersResponse struct {
	Data []deadLetterResponse `json:"data"`
	Meta listMeta             `json:"meta"`
}

func (h *DeadLetterHandler) ListDeadLetters(c *fiber.Ctx) error {
	page, pageSize, err := parsePagination(c)
	if err != nil {
		return toHTTPError(err)
	}

	params := repository.DeadLetterListParams{
		OnlyPending: c.QueryBool("pending", false),
		Page:        page,
		PageSize:    pageSize,
	}
	if topic := strings.TrimSpace(c.Query("topic")); topic != "" {
		params.Topic = &topic
	}

	deadLetters, total, err := h.lister.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deadLetterResponse, 0, len(deadLetters))
	for _, dl := range deadLetters {
		attempts := make([]attemptResponse, 0, len(dl.Attempts))
		for _, a := range dl.Attempts {
			attempts = append(attempts, attemptResponse{
				AttemptNumber: a.AttemptNumber,
				StartedAt:     a.StartedAt,
				Outcome:       a.Outcome.String(),
				StatusCode:    a.StatusCode,
				MessageID:     a.MessageID,
				ErrorDetail:   a.ErrorDetail,
			})
		}

		data = append(data, deadLetterResponse{
			ID:             dl.ID,
			EventID:        dl.Event.ID,
			Topic:          dl.Event.Topic,
			Reason:         dl.Reason.String(),
			FinalError:     dl.FinalError,
			AttemptCount:   len(dl.Attempts),
			Attempts:       attempts,
			DeadLetteredAt: dl.DeadLetteredAt,
			ReplayedAt:     dl.ReplayedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(listDeadLettersResponse{
		Data: data,
		Meta: listMeta{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

func (h *DeadLetterHandler) ReplayDeadLetter(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, err := h.replayer.Replay(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"deadLetterId": id,
		"eventId":      record.Event.ID,
		"state":        record.State.String(),
	})
}
