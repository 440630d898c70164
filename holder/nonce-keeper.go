package holder

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/storage"
)

const (
	DefaultNonceTTL = 5 * time.Minute
	nonceBytes      = 32
)

// NonceKeeper issues single-use challenges on top of a NonceStorage.
// Storage errors on the read path are logged and reported as "no nonce",
// so an outage fails closed and the user is simply asked to reconnect.
type NonceKeeper struct {
	storage storage.NonceStorage
	ttl     time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewNonceKeeper(store storage.NonceStorage, ttl time.Duration, log *slog.Logger) *NonceKeeper {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceKeeper{
		storage: store,
		ttl:     ttl,
		log:     log.With(sl.Module("nonce-keeper")),
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (k *NonceKeeper) SetClock(now func() time.Time) {
	k.now = now
}

// Issue mints a fresh nonce for the user bound to wallet, replacing any previous one
func (k *NonceKeeper) Issue(ctx context.Context, userId int64, wallet string) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	now := k.now()
	rec := &storage.NonceRecord{
		UserId:    userId,
		Nonce:     hex.EncodeToString(buf),
		Wallet:    wallet,
		IssuedAt:  now,
		ExpiresAt: now.Add(k.ttl),
	}
	if err := k.storage.SaveNonce(ctx, rec); err != nil {
		return "", err
	}

	k.log.With(
		sl.User(userId),
		sl.Wallet(wallet),
		slog.Time("expires", rec.ExpiresAt),
	).Debug("nonce issued")
	return rec.Nonce, nil
}

// Peek returns the live record or nil. An expired record is deleted as a side effect.
func (k *NonceKeeper) Peek(ctx context.Context, userId int64) *storage.NonceRecord {
	rec, err := k.storage.GetNonce(ctx, userId)
	if err != nil {
		k.log.With(sl.User(userId)).Error("getting nonce", sl.Err(err))
		return nil
	}
	if rec == nil {
		return nil
	}
	if now := k.now(); rec.Expired(now) {
		k.log.With(sl.User(userId)).Debug("nonce expired")
		if err := k.storage.DeleteExpiredNonce(ctx, userId, rec.Nonce, now); err != nil {
			k.log.With(sl.User(userId)).Error("deleting expired nonce", sl.Err(err))
		}
		return nil
	}
	return rec
}

// Take consumes the nonce if it is still live and unchanged; only one caller wins.
// This is the consume used by /sign.
func (k *NonceKeeper) Take(ctx context.Context, userId int64, nonce string) bool {
	ok, err := k.storage.TakeNonce(ctx, userId, nonce, k.now())
	if err != nil {
		k.log.With(sl.User(userId)).Error("taking nonce", sl.Err(err))
		return false
	}
	return ok
}

// Consume unconditionally resets the user's challenge, whatever it holds
func (k *NonceKeeper) Consume(ctx context.Context, userId int64) {
	if err := k.storage.DeleteNonce(ctx, userId); err != nil {
		k.log.With(sl.User(userId)).Error("deleting nonce", sl.Err(err))
	}
}
