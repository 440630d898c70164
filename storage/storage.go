package storage

import (
	"context"
	"time"
)

// NonceRecord is the live challenge issued to a user by /connect
type NonceRecord struct {
	UserId    int64     `bson:"user_id"`
	Nonce     string    `bson:"nonce"`
	Wallet    string    `bson:"wallet"`
	IssuedAt  time.Time `bson:"issued_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// Expired reports whether the record is no longer usable at now
func (r *NonceRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AccessRecord is the persisted outcome of a successful wallet verification
type AccessRecord struct {
	UserId     int64     `bson:"user_id"`
	Wallet     string    `bson:"wallet"`
	Verified   bool      `bson:"verified"`
	VerifiedAt time.Time `bson:"verified_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

type NonceStorage interface {
	// SaveNonce replaces any record of the same user
	SaveNonce(ctx context.Context, rec *NonceRecord) error
	// GetNonce returns nil when the user has no record; expiry is not checked
	GetNonce(ctx context.Context, userId int64) (*NonceRecord, error)
	DeleteNonce(ctx context.Context, userId int64) error
	// DeleteExpiredNonce removes the record only while it still holds nonce and
	// is expired at now, so a record issued in the meantime survives
	DeleteExpiredNonce(ctx context.Context, userId int64, nonce string, now time.Time) error
	// TakeNonce atomically deletes the record if it still holds nonce and is not
	// expired at now; only one caller can ever get true for a given record
	TakeNonce(ctx context.Context, userId int64, nonce string, now time.Time) (bool, error)
	Close() error
}

type AccessStorage interface {
	// GetAccess returns nil when nothing is stored for the user
	GetAccess(ctx context.Context, userId int64) (*AccessRecord, error)
	SaveAccess(ctx context.Context, rec *AccessRecord) error
	ClearAccess(ctx context.Context, userId int64) error
	Close() error
}

type CacheStorage interface {
	GetCached(ctx context.Context, key string) (string, bool, error)
	PutCached(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}
