package queue

import (
	"context"
)

const (
	// EventsQueue receives domain events published by the marketplace backend.
	EventsQueue = "email.events"
	// RejectedEventsQueue collects events the consumer rejected.
	RejectedEventsQueue = "dlq.email.events"
	// DeadLetterQueue receives an announcement for every notification that
	// exhausted its retries.
	DeadLetterQueue = "email.dead"

	dlxExchangeName   = "quickclean.email.dlx"
	rejectedEventsKey = "email.events.rejected"
)

// Publisher announces permanently failed notifications.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, msg DeadLetterMessage) error
	Close() error
}

// EventHandler handles a consumed event. An error wrapping
// domain.ErrValidation rejects the event without requeue, any other error
// requeues it.
type EventHandler func(ctx context.Context, msg EventMessage) error

// Consumer consumes marketplace events from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler EventHandler) error
	Close() error
}

// QueueNames returns every queue declared by the topology.
func QueueNames() []string {
	return []string{EventsQueue, RejectedEventsQueue, DeadLetterQueue}
}
