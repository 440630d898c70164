package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Finitoshi/telegram-bot/lib/retry"
	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/metrics"
)

type BalanceSource interface {
	TokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error)
}

// Gate turns a token balance into a yes/no access decision.
// Every failure is logged and becomes a denial.
type Gate struct {
	source BalanceSource
	policy retry.Policy
	log    *slog.Logger
}

func NewGate(source BalanceSource, maxAttempts int, delay time.Duration, log *slog.Logger) *Gate {
	g := &Gate{
		source: source,
		log:    log.With(sl.Module("balance-gate")),
	}
	g.policy = retry.Policy{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Retryable:   retryable,
		OnRetry: func(attempt int, err error) {
			g.log.With(slog.Int("attempt", attempt)).Warn("balance request retrying", sl.Err(err))
		},
	}
	return g
}

// HasSufficientBalance reports whether wallet holds any amount of mint
func (g *Gate) HasSufficientBalance(ctx context.Context, wallet, mint string) bool {
	log := g.log.With(sl.Wallet(wallet), slog.String("mint", mint))

	balance, err := retry.Do(ctx, g.policy, func(ctx context.Context) (decimal.Decimal, error) {
		return g.source.TokenBalance(ctx, wallet, mint)
	})
	if errors.Is(err, ErrNoTokenAccount) {
		log.Info("no token account")
		return false
	}
	if err != nil {
		metrics.UpstreamFailures.WithLabelValues(metrics.UpstreamLedger).Inc()
		log.Error("getting token balance", sl.Err(err))
		return false
	}

	log.With(slog.String("balance", balance.String())).Debug("token balance")
	return balance.IsPositive()
}

func retryable(err error) bool {
	if errors.Is(err, ErrNoTokenAccount) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return true
}
