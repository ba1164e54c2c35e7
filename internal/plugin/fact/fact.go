// Package fact serves !fact from an HTTP endpoint returning {"text": "..."}.
package fact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dispatch-bot/internal/plugin"
)

const (
	defaultTimeout = 10 * time.Second
	maxFactLength  = 400
)

type factResponse struct {
	Text string `json:"text"`
}

// Plugin fetches one fact per invocation.
type Plugin struct {
	client   *resty.Client
	endpoint string
}

func New(endpoint string) (*Plugin, error) {
	client := resty.New()
	client.SetTimeout(defaultTimeout)
	client.SetRetryCount(0)

	return NewWithClient(endpoint, client)
}

func NewWithClient(endpoint string, client *resty.Client) (*Plugin, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("fact endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid fact endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetRetryCount(0)

	return &Plugin{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *Plugin) Name() string { return "fact" }

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{{Name: "fact", Usage: "fact [topic]"}}
}

func (p *Plugin) Handle(ctx context.Context, req plugin.Request) ([]string, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("fact plugin is not initialized")
	}

	request := p.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json")
	if topic := strings.TrimSpace(req.ArgString()); topic != "" {
		request.SetQueryParam("topic", topic)
	}
	if req.CorrelationID != "" {
		request.SetHeader("X-Correlation-ID", req.CorrelationID)
	}

	response, err := request.Get(p.endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &plugin.Error{
			Message:   "fact service unreachable",
			Transient: true,
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &plugin.Error{
			Message:   "fact service returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &plugin.Error{
			StatusCode: statusCode,
			Message:    statusMessage(statusCode),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	var body factResponse
	if err := json.Unmarshal(response.Body(), &body); err != nil {
		return nil, &plugin.Error{
			StatusCode: statusCode,
			Message:    "fact service returned malformed data",
			Cause:      err,
		}
	}

	text := strings.Join(strings.Fields(body.Text), " ")
	if text == "" {
		return nil, &plugin.Error{
			StatusCode: statusCode,
			Message:    "no fact found",
		}
	}
	if runes := []rune(text); len(runes) > maxFactLength {
		text = string(runes[:maxFactLength-1]) + "…"
	}

	return []string{text}, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func statusMessage(statusCode int) string {
	switch {
	case statusCode == http.StatusNotFound:
		return "no fact found"
	case statusCode == http.StatusTooManyRequests:
		return "fact service is rate limiting us"
	case isTransientHTTPStatus(statusCode):
		return "fact service unavailable"
	default:
		return fmt.Sprintf("fact service returned status %d", statusCode)
	}
}
