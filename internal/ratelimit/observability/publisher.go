package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"parcelflow/internal/ratelimit/models"
	"parcelflow/pkg/platform/privacy"
)

// Producer is the subset of *kgo.Client the publisher needs. TryProduce fails
// with kgo.ErrMaxBuffered instead of blocking when the buffer is full.
type Producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// ViolationEvent is the Kafka payload for a rejected request.
type ViolationEvent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	Policy         string    `json:"policy"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	IdentifierKind string    `json:"identifier_kind"`
	IdentifierHash string    `json:"identifier_hash"`
	IPPrefix       string    `json:"ip_prefix"`
	Limit          int       `json:"limit"`
	Used           int       `json:"used"`
	ResetAt        time.Time `json:"reset_at"`
	ClientKind     string    `json:"client_kind"`
	Browser        string    `json:"browser,omitempty"`
	OS             string    `json:"os,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
}

// NewViolationEvent builds the event for v. Raw identifiers and IPs never leave the process.
func NewViolationEvent(v models.Violation) ViolationEvent {
	ev := ViolationEvent{
		ID:             uuid.NewString(),
		Type:           EventRateLimitExceeded,
		OccurredAt:     v.OccurredAt.UTC(),
		Policy:         v.Policy,
		Endpoint:       v.Endpoint,
		Method:         v.Method,
		Path:           v.Path,
		IdentifierKind: identifierKind(v.Identifier),
		IdentifierHash: privacy.HashIdentifier(v.Identifier),
		IPPrefix:       privacy.AnonymizeIP(v.ClientIP),
		Limit:          v.Limit,
		Used:           v.Used,
		ResetAt:        v.ResetAt.UTC(),
		RequestID:      v.RequestID,
	}
	ev.ClientKind, ev.Browser, ev.OS = classifyClient(v.UserAgent)
	return ev
}

func identifierKind(identifier string) string {
	if kind, _, ok := strings.Cut(identifier, ":"); ok {
		switch kind {
		case "user", "email", "ip":
			return kind
		}
	}
	return "ip"
}

func classifyClient(raw string) (kind, browser, os string) {
	if strings.TrimSpace(raw) == "" {
		return "unknown", "", ""
	}
	ua := useragent.New(raw)
	name, _ := ua.Browser()
	switch {
	case ua.Bot():
		kind = "bot"
	case ua.Mobile():
		kind = "mobile"
	default:
		kind = "browser"
	}
	return kind, name, ua.OS()
}

// Publisher produces violation events to Kafka.
type Publisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

func NewPublisher(producer Producer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: producer, topic: topic, logger: logger}
}

// Publish is a models.OnLimitReachedFunc. It never blocks on the broker:
// delivery is asynchronous, and events are dropped while the buffer is full.
func (p *Publisher) Publish(ctx context.Context, v models.Violation) {
	ev := NewViolationEvent(v)
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode violation event", "error", err)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.IdentifierHash),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "policy", Value: []byte(ev.Policy)},
		},
	}
	p.producer.TryProduce(ctx, record, func(r *kgo.Record, err error) {
		if err == nil {
			return
		}
		if errors.Is(err, kgo.ErrMaxBuffered) {
			p.logger.Warn("violation event dropped, producer buffer full", "topic", r.Topic, "event_id", ev.ID)
			return
		}
		var kErr *kerr.Error
		if errors.As(err, &kErr) {
			p.logger.Warn("violation event rejected by broker",
				"topic", r.Topic, "event_id", ev.ID, "kafka_error", kErr.Message, "retriable", kErr.Retriable)
			return
		}
		p.logger.Warn("failed to publish violation event", "topic", r.Topic, "event_id", ev.ID, "error", err)
	})
}
