package domain

import "errors"

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrDuplicateEvent       = errors.New("duplicate event")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrQueueFull            = errors.New("queue full")
	ErrIntakeClosed         = errors.New("intake closed")
)
