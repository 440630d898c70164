package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Finitoshi/telegram-bot/events"
	"github.com/Finitoshi/telegram-bot/holder"
	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/metrics"
	"github.com/Finitoshi/telegram-bot/storage"
	"github.com/Finitoshi/telegram-bot/wallet"
)

var (
	ErrMissingArgument     = errors.New("missing argument")
	ErrInvalidAddress      = errors.New("invalid wallet address")
	ErrNoNonce             = errors.New("no live nonce")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

type State int

const (
	Unconnected State = iota
	NonceIssued
	Verified
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case NonceIssued:
		return "nonce_issued"
	case Verified:
		return "verified"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Decision is the outcome of one /sign attempt
type Decision struct {
	Wallet   string
	Verified bool
	HasToken bool
}

type SignatureVerifier interface {
	VerifyHex(address, nonceHex, signatureHex string) bool
}

type BalanceGate interface {
	HasSufficientBalance(ctx context.Context, wallet, mint string) bool
}

// Service drives the per-conversation progression
// unconnected -> nonce issued -> verified, with denial looping back.
type Service struct {
	nonces      *holder.NonceKeeper
	access      storage.AccessStorage
	verifier    SignatureVerifier
	gate        BalanceGate
	mint        string
	verifiedTTL time.Duration
	events      *events.Publisher
	log         *slog.Logger
	now         func() time.Time
}

func NewService(
	nonces *holder.NonceKeeper,
	access storage.AccessStorage,
	verifier SignatureVerifier,
	gate BalanceGate,
	mint string,
	log *slog.Logger,
) *Service {
	return &Service{
		nonces:   nonces,
		access:   access,
		verifier: verifier,
		gate:     gate,
		mint:     mint,
		log:      log.With(sl.Module("access")),
		now:      time.Now,
	}
}

// SetVerifiedTTL makes verified status expire; zero keeps it forever
func (s *Service) SetVerifiedTTL(ttl time.Duration) {
	s.verifiedTTL = ttl
}

func (s *Service) SetPublisher(p *events.Publisher) {
	s.events = p
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// State derives the current state; storage failures count as not verified
func (s *Service) State(ctx context.Context, userId int64) State {
	if s.isVerified(ctx, userId) {
		return Verified
	}
	if s.nonces.Peek(ctx, userId) != nil {
		return NonceIssued
	}
	return Unconnected
}

// Authorize tells whether ordinary commands may be served
func (s *Service) Authorize(ctx context.Context, userId int64) bool {
	return s.isVerified(ctx, userId)
}

func (s *Service) isVerified(ctx context.Context, userId int64) bool {
	rec, err := s.access.GetAccess(ctx, userId)
	if err != nil {
		s.log.With(sl.User(userId)).Error("getting access", sl.Err(err))
		return false
	}
	if rec == nil || !rec.Verified {
		return false
	}
	if s.verifiedTTL > 0 && s.now().Sub(rec.VerifiedAt) >= s.verifiedTTL {
		s.log.With(sl.User(userId), sl.Wallet(rec.Wallet)).Debug("verification expired")
		return false
	}
	return true
}

// Connect validates the address and issues a challenge bound to it
func (s *Service) Connect(ctx context.Context, userId int64, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrMissingArgument
	}
	if _, err := wallet.ParseAddress(address); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	nonce, err := s.nonces.Issue(ctx, userId, address)
	if err != nil {
		return "", fmt.Errorf("issuing nonce: %w", err)
	}
	s.log.With(sl.User(userId), sl.Wallet(address)).Info("challenge issued")
	return nonce, nil
}

// Sign checks the signature over the live nonce, then the token balance.
// Only when both pass is the nonce consumed and the user marked verified;
// failures leave the nonce in place for another attempt.
func (s *Service) Sign(ctx context.Context, userId int64, signature string) (Decision, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return Decision{}, ErrMissingArgument
	}

	rec := s.nonces.Peek(ctx, userId)
	if rec == nil {
		s.decided(ctx, userId, "", events.OutcomeNoNonce)
		return Decision{}, ErrNoNonce
	}
	log := s.log.With(sl.User(userId), sl.Wallet(rec.Wallet))

	if !s.verifier.VerifyHex(rec.Wallet, rec.Nonce, signature) {
		log.Info("signature rejected")
		s.decided(ctx, userId, rec.Wallet, events.OutcomeInvalidSignature)
		return Decision{Wallet: rec.Wallet}, ErrInvalidSignature
	}

	decision := Decision{Wallet: rec.Wallet, Verified: true}
	if !s.gate.HasSufficientBalance(ctx, rec.Wallet, s.mint) {
		log.Info("insufficient balance")
		s.decided(ctx, userId, rec.Wallet, events.OutcomeInsufficientBalance)
		return decision, ErrInsufficientBalance
	}
	decision.HasToken = true

	// a concurrent /sign may have spent the same proof in the meantime
	if !s.nonces.Take(ctx, userId, rec.Nonce) {
		log.Info("nonce already consumed")
		s.decided(ctx, userId, rec.Wallet, events.OutcomeNoNonce)
		return Decision{}, ErrNoNonce
	}

	now := s.now()
	err := s.access.SaveAccess(ctx, &storage.AccessRecord{
		UserId:     userId,
		Wallet:     rec.Wallet,
		Verified:   true,
		VerifiedAt: now,
	})
	if err != nil {
		// the proof is spent; the user has to /connect again
		log.Error("nonce consumed but access not saved", sl.Err(err))
		return Decision{}, fmt.Errorf("saving access: %w", err)
	}

	log.Info("wallet verified")
	s.decided(ctx, userId, rec.Wallet, events.OutcomeVerified)
	return decision, nil
}

func (s *Service) decided(ctx context.Context, userId int64, wallet, outcome string) {
	metrics.AccessDecisions.WithLabelValues(outcome).Inc()
	s.events.PublishDecision(ctx, events.Decision{
		UserId:  userId,
		Wallet:  wallet,
		Outcome: outcome,
		At:      s.now(),
	})
}
