package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/Finitoshi/telegram-bot/lib/sl"
)

const TopicDecisions = "access.decisions"

const (
	OutcomeVerified            = "verified"
	OutcomeInvalidSignature    = "invalid_signature"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeNoNonce             = "no_nonce"
)

// Decision is published for every /sign attempt that reached verification
type Decision struct {
	UserId  int64     `json:"user_id"`
	Wallet  string    `json:"wallet"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

type Publisher struct {
	publisher message.Publisher
	topic     string
	log       *slog.Logger
}

func NewPublisher(publisher message.Publisher, log *slog.Logger) *Publisher {
	return &Publisher{
		publisher: publisher,
		topic:     TopicDecisions,
		log:       log.With(sl.Module("events")),
	}
}

// PublishDecision never fails the caller; delivery problems are only logged
func (p *Publisher) PublishDecision(ctx context.Context, d Decision) {
	if p == nil || p.publisher == nil {
		return
	}
	if err := p.publish(ctx, d); err != nil {
		p.log.With(sl.User(d.UserId), slog.String("outcome", d.Outcome)).Error("publishing decision", sl.Err(err))
	}
}

func (p *Publisher) publish(ctx context.Context, d Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.Metadata.Set("outcome", d.Outcome)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// RunAudit logs every decision until ctx is done or the subscription closes
func RunAudit(ctx context.Context, subscriber message.Subscriber, log *slog.Logger) error {
	log = log.With(sl.Module("audit"))

	messages, err := subscriber.Subscribe(ctx, TopicDecisions)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", TopicDecisions, err)
	}

	for msg := range messages {
		var d Decision
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			log.With(slog.String("uuid", msg.UUID)).Warn("decoding decision", sl.Err(err))
			msg.Ack()
			continue
		}
		log.With(
			sl.User(d.UserId),
			sl.Wallet(d.Wallet),
			slog.String("outcome", d.Outcome),
			slog.Time("at", d.At),
		).Info("access decision")
		msg.Ack()
	}
	return nil
}
