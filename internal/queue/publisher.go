package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

// PublishDeadLetter publishes msg to DeadLetterQueue as a persistent message.
func (p *RabbitMQPublisher) PublishDeadLetter(ctx context.Context, msg DeadLetterMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	publishing, err := deadLetterPublishing(msg, p.now())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, "", DeadLetterQueue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", DeadLetterQueue, err)
	}

	return nil
}

func deadLetterPublishing(msg DeadLetterMessage, now time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid dead letter message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal dead letter message: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		MessageId:    msg.RecordID,
		Type:         msg.Kind.String(),
		Body:         payload,
	}, nil
}

// Close is a no-op; the shared RabbitMQ connection is closed by its owner.
func (p *RabbitMQPublisher) Close() error {
	return nil
}
