package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultPushTimeout = 10 * time.Second

var reservedDataKeys = map[string]struct{}{
	"from":         {},
	"notification": {},
	"message_type": {},
}

type pushRequest struct {
	Message PushMessage `json:"message"`
}

type pushResponse struct {
	Name string `json:"name"`
}

// PushProvider broadcasts messages through an FCM v1 compatible HTTP endpoint.
type PushProvider struct {
	client    *resty.Client
	endpoint  string
	authToken string
}

func NewPushProvider(endpoint string, authToken string) (*PushProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultPushTimeout)
	client.SetRetryCount(0)

	return NewPushProviderWithClient(endpoint, authToken, client)
}

func NewPushProviderWithClient(endpoint string, authToken string, client *resty.Client) (*PushProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("push endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid push endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultPushTimeout)
	}
	client.SetRetryCount(0)

	return &PushProvider{
		client:    client,
		endpoint:  trimmedEndpoint,
		authToken: strings.TrimSpace(authToken),
	}, nil
}

func (p *PushProvider) Send(ctx context.Context, msg PushMessage) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := validatePushMessage(msg); err != nil {
		return nil, &ProviderError{
			Message:   "malformed payload",
			Transient: false,
			Cause:     err,
		}
	}

	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(pushRequest{Message: msg}).
		SetResult(&pushResponse{})
	if p.authToken != "" {
		req.SetAuthToken(p.authToken)
	}

	response, err := req.Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
		RetryAfter: parseRetryAfter(response.Header().Get("Retry-After"), time.Now()),
	}
}

func validatePushMessage(msg PushMessage) error {
	if strings.TrimSpace(msg.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if strings.TrimSpace(msg.Notification.Body) == "" {
		return fmt.Errorf("notification body is required")
	}
	for key := range msg.Data {
		lower := strings.ToLower(key)
		if _, reserved := reservedDataKeys[lower]; reserved {
			return fmt.Errorf("data key %q is reserved", key)
		}
		if strings.HasPrefix(lower, "google.") || strings.HasPrefix(lower, "gcm.") {
			return fmt.Errorf("data key %q uses a reserved prefix", key)
		}
	}
	return nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	if result, ok := response.Result().(*pushResponse); ok && result != nil {
		if name := strings.TrimSpace(result.Name); name != "" {
			return name
		}
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

// parseRetryAfter understands both delta-seconds and HTTP-date values.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
