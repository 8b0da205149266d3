package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/events"
)

// IngestClient publishes lifecycle events through the admin ingest API. It lets a process
// outside the bus, such as an announcer, speak the lifecycle protocol.
type IngestClient struct {
	http *resty.Client
}

var _ bus.Publisher = (*IngestClient)(nil)

// NewIngestClient targets the admin API at baseURL, e.g. "http://localhost:19005".
// Transport errors and 5xx/429 responses are retried a few times.
func NewIngestClient(baseURL string) *IngestClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	return &IngestClient{http: client}
}

// Publish posts a lifecycle event. Only TopicLifecycle is accepted by the ingest API; a
// 400 response is permanent.
func (c *IngestClient) Publish(ctx context.Context, topic bus.Topic, ev events.Event) error {
	if topic != bus.TopicLifecycle {
		return bus.Permanent(fmt.Errorf("ingest accepts %s only, got %s", bus.TopicLifecycle, topic))
	}
	path, ok := LifecyclePath(ev.Kind)
	if !ok {
		return bus.Permanent(fmt.Errorf("%w: %s is not a lifecycle kind", events.ErrMalformedEvent, ev.Kind))
	}
	body, err := codec.Marshal(IngestRequest{
		InstanceID:  ev.InstanceID,
		ServiceType: ev.ServiceType,
		Addresses:   ev.Addresses,
		OccurredAt:  ev.OccurredAt,
	})
	if err != nil {
		return bus.Permanent(fmt.Errorf("%w: %v", events.ErrMalformedEvent, err))
	}

	var failure errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&failure).
		Post("/v1/lifecycle/" + path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusAccepted:
		return nil
	case resp.StatusCode() == http.StatusBadRequest:
		return bus.Permanent(fmt.Errorf("%w: %s", events.ErrMalformedEvent, failure.Error))
	default:
		return fmt.Errorf("post %s: %s: %s", path, resp.Status(), failure.Error)
	}
}
