package provider

import (
	"context"
	"sync"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
)

// Provider is the outbound push delivery port.
type Provider interface {
	Send(ctx context.Context, msg PushMessage) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// PushNotification is the user-visible part of a push message.
type PushNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// PushMessage is the transport payload for a topic broadcast.
type PushMessage struct {
	Topic        string            `json:"topic"`
	Notification PushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

// NewPushMessage maps an event onto the transport payload. The mapping is pure.
func NewPushMessage(event domain.NotificationEvent) PushMessage {
	var data map[string]string
	if len(event.Attributes) > 0 {
		data = make(map[string]string, len(event.Attributes))
		for k, v := range event.Attributes {
			data[k] = v
		}
	}

	return PushMessage{
		Topic: event.Topic,
		Notification: PushNotification{
			Title: event.Title,
			Body:  event.Body,
		},
		Data: data,
	}
}

// Handle holds a process-wide provider that is built exactly once.
type Handle struct {
	once     sync.Once
	provider Provider
	err      error
}

// Setup builds the provider on first call; later calls return the first result.
func (h *Handle) Setup(factory func() (Provider, error)) (Provider, error) {
	h.once.Do(func() {
		h.provider, h.err = factory()
	})
	return h.provider, h.err
}

var defaultHandle Handle

// Setup initializes the process-wide provider.
func Setup(factory func() (Provider, error)) (Provider, error) {
	return defaultHandle.Setup(factory)
}
