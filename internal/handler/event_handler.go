package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"github.com/kursadbilgin/alert-dispatch/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type EventService interface {
	Submit(ctx context.Context, event domain.NotificationEvent) error
	SubmitAlert(ctx context.Context, record domain.AlertRecord) (domain.NotificationEvent, error)
	FanOut(ctx context.Context, event domain.NotificationEvent, topics []string) ([]service.FanOutResult, error)
	GetEvent(ctx context.Context, eventID string) (*service.EventDetails, error)
	Cancel(ctx context.Context, eventID string) (*domain.EventRecord, error)
	ListEvents(ctx context.Context, params repository.ListParams) ([]domain.EventRecord, int64, error)
}

type EventHandler struct {
	service EventService
}

func NewEventHandler(service EventService) (*EventHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("event service is required")
	}
	return &EventHandler{service: service}, nil
}

func RegisterEventRoutes(router fiber.Router, service EventService) error {
	h, err := NewEventHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/events", h.SubmitEvent)
	v1.Post("/events/fanout", h.FanOut)
	v1.Get("/events", h.ListEvents)
	v1.Get("/events/:id", h.GetEvent)
	v1.Post("/events/:id/cancel", h.CancelEvent)
	v1.Post("/alerts", h.SubmitAlert)

	return nil
}

type submitEventRequest struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes"`
}

type fanOutRequest struct {
	submitEventRequest
	Topics []string `json:"topics"`
}

type acceptedResponse struct {
	EventID string `json:"eventId"`
	Topic   string `json:"topic"`
	Status  string `json:"status"`
}

type fanOutResultItem struct {
	Topic   string `json:"topic"`
	EventID string `json:"eventId"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type fanOutResponse struct {
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
	Results  []fanOutResultItem `json:"results"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	StartedAt     time.Time `json:"startedAt"`
	Outcome       string    `json:"outcome"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	MessageID     *string   `json:"messageId,omitempty"`
	ErrorDetail   *string   `json:"errorDetail,omitempty"`
}

type eventResponse struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	Title        string            `json:"title,omitempty"`
	Body         string            `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	State        string            `json:"state"`
	AttemptCount int               `json:"attemptCount"`
	NextRetryAt  *time.Time        `json:"nextRetryAt,omitempty"`
	CanceledAt   *time.Time        `json:"canceledAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Attempts     []attemptResponse `json:"attempts,omitempty"`
}

type listEventsResponse struct {
	Data []eventResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *EventHandler) SubmitEvent(c *fiber.Ctx) error {
	var req submitEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event := requestToEvent(req)
	if err := h.service.Submit(c.UserContext(), event); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(acceptedResponse{
		EventID: strings.TrimSpace(event.ID),
		Topic:   strings.TrimSpace(event.Topic),
		Status:  "accepted",
	})
}

func (h *EventHandler) SubmitAlert(c *fiber.Ctx) error {
	var record domain.AlertRecord
	if err := c.BodyParser(&record); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event, err := h.service.SubmitAlert(c.UserContext(), record)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(acceptedResponse{
		EventID: event.ID,
		Topic:   event.Topic,
		Status:  "accepted",
	})
}

func (h *EventHandler) FanOut(c *fiber.Ctx) error {
	var req fanOutRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	results, err := h.service.FanOut(c.UserContext(), requestToEvent(req.submitEventRequest), req.Topics)
	if err != nil {
		return toHTTPError(err)
	}

	resp := fanOutResponse{Results: make([]fanOutResultItem, 0, len(results))}
	for _, result := range results {
		item := fanOutResultItem{
			Topic:   result.Topic,
			EventID: result.EventID,
			Status:  "accepted",
		}
		if result.Err != nil {
			item.Status = "rejected"
			item.Error = result.Err.Error()
			resp.Rejected++
		} else {
			resp.Accepted++
		}
		resp.Results = append(resp.Results, item)
	}

	status := fiber.StatusAccepted
	if resp.Accepted == 0 {
		status = fiber.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(resp)
}

func (h *EventHandler) GetEvent(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	details, err := h.service.GetEvent(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	resp := toEventResponse(details.Record)
	resp.Attempts = make([]attemptResponse, 0, len(details.Attempts))
	for _, a := range details.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			StartedAt:     a.StartedAt,
			Outcome:       a.Outcome.String(),
			StatusCode:    a.StatusCode,
			MessageID:     a.MessageID,
			ErrorDetail:   a.ErrorDetail,
		})
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *EventHandler) CancelEvent(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, err := h.service.Cancel(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"eventId": id,
		"state":   record.State.String(),
	})
}

func (h *EventHandler) ListEvents(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	records, total, err := h.service.ListEvents(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]eventResponse, 0, len(records))
	for _, record := range records {
		data = append(data, toEventResponse(record))
	}

	return c.Status(fiber.StatusOK).JSON(listEventsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parsePagination(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	page, pageSize, err := parsePagination(c)
	if err != nil {
		return repository.ListParams{}, err
	}
	params := repository.ListParams{Page: page, PageSize: pageSize}

	if rawState := strings.TrimSpace(c.Query("state")); rawState != "" {
		state, err := domain.ParseEventStateFromString(rawState)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.State = &state
	}

	if topic := strings.TrimSpace(c.Query("topic")); topic != "" {
		params.Topic = &topic
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToEvent(req submitEventRequest) domain.NotificationEvent {
	return domain.NotificationEvent{
		ID:         req.ID,
		Topic:      req.Topic,
		Title:      strings.TrimSpace(req.Title),
		Body:       req.Body,
		Attributes: req.Attributes,
	}
}

func toEventResponse(r domain.EventRecord) eventResponse {
	return eventResponse{
		ID:           r.Event.ID,
		Topic:        r.Event.Topic,
		Title:        r.Event.Title,
		Body:         r.Event.Body,
		Attributes:   r.Event.Attributes,
		State:        r.State.String(),
		AttemptCount: r.AttemptCount,
		NextRetryAt:  r.NextRetryAt,
		CanceledAt:   r.CanceledAt,
		CreatedAt:    r.Event.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrIntakeClosed):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
