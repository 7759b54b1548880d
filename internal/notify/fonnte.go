// Package notify delivers WhatsApp messages through the Fonnte gateway and
// retries failed sends from a Redis-backed queue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/metrics"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

const DefaultFonnteURL = "https://api.fonnte.com/send"

// Sink is a single delivery attempt to one phone handle.
type Sink interface {
	Send(ctx context.Context, phone, text string) error
}

type fonnteResponse struct {
	Status bool   `json:"status"`
	Detail string `json:"detail"`
	Reason string `json:"reason"`
}

// FonnteClient posts messages to the Fonnte send endpoint.
type FonnteClient struct {
	APIURL     string
	token      string
	httpClient *http.Client
}

func NewFonnteClient(apiURL, token string) *FonnteClient {
	if apiURL == "" {
		apiURL = DefaultFonnteURL
	}
	return &FonnteClient{
		APIURL:     apiURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Send makes one attempt. A transport error, a non-200 reply or a reply with
// status false all count as a failed delivery.
func (c *FonnteClient) Send(ctx context.Context, phone, text string) error {
	start := time.Now()
	defer func() {
		metrics.SendLatency.Observe(time.Since(start).Seconds())
	}()

	form := url.Values{}
	form.Set("target", phone)
	form.Set("message", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %v: %w", phone, err, entity.ErrNotificationDeliveryFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send to %s: gateway returned %d: %w", phone, resp.StatusCode, entity.ErrNotificationDeliveryFailed)
	}

	var body fonnteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("send to %s: decode reply: %v: %w", phone, err, entity.ErrNotificationDeliveryFailed)
	}
	if !body.Status {
		return fmt.Errorf("send to %s: %s: %w", phone, body.Reason, entity.ErrNotificationDeliveryFailed)
	}
	return nil
}

// LogSink writes messages to the log instead of sending them. It backs local
// runs without a gateway token.
type LogSink struct{}

func (LogSink) Send(ctx context.Context, phone, text string) error {
	logger.Info().Str("phone", phone).Msg(text)
	return nil
}
