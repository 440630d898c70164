package ai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Finitoshi/telegram-bot/core"
	"github.com/Finitoshi/telegram-bot/lib/retry"
	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/metrics"
	"github.com/Finitoshi/telegram-bot/storage"
)

const (
	personaPrompt = "You are Chibi, the friendly mascot of a Solana token community. " +
		"Answer briefly, in a playful but helpful tone."
	imagePromptSystem = "You write prompts for a manga style image generator. " +
		"Turn the user's idea into one detailed prompt: subject, setting, mood, colours. " +
		"Reply with the prompt only."
)

// HTTPError is a non-2xx answer from the completion API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("completion http %d: %s", e.StatusCode, e.Body)
}

// Completion calls an OpenAI compatible chat completion endpoint with a fixed persona.
// Results are memoized in the cache storage for cacheTTL.
type Completion struct {
	url        string
	apiKey     string
	model      string
	log        *slog.Logger
	httpClient *http.Client
	cache      storage.CacheStorage
	cacheTTL   time.Duration
	policy     retry.Policy
}

func NewCompletion(conf *core.Config, log *slog.Logger, cache storage.CacheStorage) *Completion {
	c := &Completion{
		url:    conf.Completion.Url,
		apiKey: conf.Completion.ApiKey,
		model:  conf.Completion.Model,
		log:    log.With(sl.Module("completion")),
		httpClient: &http.Client{
			Timeout: conf.Completion.Timeout,
		},
		cache:    cache,
		cacheTTL: conf.Cache.TTL,
	}
	c.policy = retry.Policy{
		MaxAttempts: conf.Completion.MaxAttempts,
		Delay:       conf.Completion.RetryDelay,
		Retryable:   isTransient,
		OnRetry: func(attempt int, err error) {
			c.log.With(slog.Int("attempt", attempt)).Warn("completion retrying", sl.Err(err))
		},
	}
	return c
}

func (c *Completion) GetResponse(ctx context.Context, userId int64, question string) (string, error) {
	return c.cached(ctx, userId, "chat", personaPrompt, question)
}

func (c *Completion) ImagePrompt(ctx context.Context, userId int64, description string) (string, error) {
	return c.cached(ctx, userId, "image", imagePromptSystem, description)
}

func (c *Completion) cached(ctx context.Context, userId int64, kind, system, content string) (string, error) {
	key := cacheKey(kind, content)
	log := c.log.With(sl.User(userId), slog.String("kind", kind))

	if c.cache != nil && c.cacheTTL > 0 {
		value, ok, err := c.cache.GetCached(ctx, key)
		if err != nil {
			log.Warn("reading cache", sl.Err(err))
		}
		if ok {
			log.Debug("cache hit")
			return value, nil
		}
	}

	started := time.Now()
	response, err := retry.Do(ctx, c.policy, func(ctx context.Context) (string, error) {
		return c.complete(ctx, system, content)
	})
	metrics.CompletionDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.UpstreamFailures.WithLabelValues(metrics.UpstreamCompletion).Inc()
		return "", err
	}

	if c.cache != nil && c.cacheTTL > 0 {
		if err := c.cache.PutCached(ctx, key, response, c.cacheTTL); err != nil {
			log.Warn("writing cache", sl.Err(err))
		}
	}

	logText := response
	if len(logText) > 50 {
		logText = logText[:50] + "..."
	}
	log.With(slog.String("text", logText)).Info("outgoing message")

	return response, nil
}

// complete is one idempotent round trip; it is the only thing retried
func (c *Completion) complete(ctx context.Context, system, content string) (string, error) {
	jsonBytes, err := json.Marshal(NewRequest(c.model, system, content))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshalling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonBytes))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("making request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("getting response: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Error("closing response body", sl.Err(err))
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var chatCompletion ChatCompletion
	if err := json.Unmarshal(body, &chatCompletion); err != nil {
		return "", retry.Permanent(fmt.Errorf("decoding response: %w", err))
	}
	if chatCompletion.Error != nil {
		return "", retry.Permanent(fmt.Errorf("completion error: %s", chatCompletion.Error.Message))
	}
	if len(chatCompletion.Choices) == 0 {
		return "", retry.Permanent(errors.New("chat completion: empty choices"))
	}
	c.log.With(
		slog.String("model", chatCompletion.Model),
		slog.Int("choices", len(chatCompletion.Choices)),
	).Debug("chat completion")

	return chatCompletion.Choices[0].Message.Content, nil
}

// isTransient retries timeouts, connection failures, 429 and 5xx
func isTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func cacheKey(kind, content string) string {
	sum := sha256.Sum256([]byte(content))
	return kind + ":" + hex.EncodeToString(sum[:])
}
