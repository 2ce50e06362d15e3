package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/events"
)

// MessageWriter is the subset of KafkaProducer the Publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// Publisher implements domain.EventPublisher on a single topic. Messages are keyed by user so
// each user's changes stay ordered within a partition.
type Publisher struct {
	writer MessageWriter
	topic  string
	origin string
	now    func() time.Time
}

var _ domain.EventPublisher = (*Publisher)(nil)

// NewPublisher constructs a Publisher. origin identifies this instance so its consumers can
// skip their own events.
func NewPublisher(writer MessageWriter, topic, origin string) *Publisher {
	return &Publisher{writer: writer, topic: topic, origin: origin, now: time.Now}
}

// PublishActivityRecorded implements domain.EventPublisher.
func (p *Publisher) PublishActivityRecorded(ctx context.Context, entry domain.ActivityEntry) error {
	return p.publish(ctx, entry.UserID, events.TypeActivityRecorded, events.ActivityRecorded{
		EntryID:        entry.ID,
		UserID:         entry.UserID,
		RecordedAt:     entry.RecordedAt,
		DistanceMeters: entry.DistanceMeters,
	})
}

// PublishMembershipChanged implements domain.EventPublisher.
func (p *Publisher) PublishMembershipChanged(ctx context.Context, m domain.ChallengeMembership, change string) error {
	return p.publish(ctx, m.UserID, events.TypeMembershipChanged, events.MembershipChanged{
		MembershipID:   m.ID,
		ChallengeID:    m.ChallengeID,
		UserID:         m.UserID,
		Change:         change,
		IsCompleted:    m.IsCompleted,
		StoredProgress: m.StoredProgress,
		OccurredAt:     p.now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, key, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  p.now().UTC(),
		Headers: []kafka.Header{
			{Key: events.HeaderEventType, Value: []byte(eventType)},
			{Key: events.HeaderOrigin, Value: []byte(p.origin)},
		},
	}
	if err := p.writer.WriteMessages(ctx, p.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}
