package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/metrics"
)

// RelayRequest is what the image generation relay accepts
type RelayRequest struct {
	Prompt string `json:"prompt"`
	UserId int64  `json:"user_id,omitempty"`
}

// RelayResponse is the acknowledgement; the image is delivered later by the relay itself
type RelayResponse struct {
	Status string `json:"status"`
	Id     string `json:"id"`
}

type Relay struct {
	url        string
	log        *slog.Logger
	httpClient *http.Client
}

func NewRelay(url string, log *slog.Logger) *Relay {
	return &Relay{
		url: url,
		log: log.With(sl.Module("image-relay")),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send hands the prompt to the relay, single attempt
func (r *Relay) Send(ctx context.Context, userId int64, prompt string) error {
	err := r.send(ctx, userId, prompt)
	if err != nil {
		metrics.UpstreamFailures.WithLabelValues(metrics.UpstreamRelay).Inc()
	}
	return err
}

func (r *Relay) send(ctx context.Context, userId int64, prompt string) error {
	jsonBytes, err := json.Marshal(RelayRequest{Prompt: prompt, UserId: userId})
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending prompt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay http %d: %s", resp.StatusCode, string(body))
	}

	var ack RelayResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			r.log.With(sl.User(userId)).Debug("relay answered without json", sl.Err(err))
		}
	}
	r.log.With(
		sl.User(userId),
		slog.String("status", ack.Status),
		slog.String("id", ack.Id),
	).Info("image prompt relayed")
	return nil
}
