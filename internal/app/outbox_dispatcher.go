package app

import (
	"context"
	"log"
	"time"

	"github.com/campusshield/ledger-service/internal/domain"
	"github.com/campusshield/ledger-service/internal/store"
	"github.com/campusshield/ledger-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher drains the ledger event log to RabbitMQ. Events are
// written to the log inside the same transaction as the state change they
// describe, so a publish failure here only delays delivery, never loses or
// reorders anything.
type OutboxDispatcher struct {
	repo                store.Repository
	rabbitURL           string
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            *rabbitmq.EventProducer
	// staticPublisher, when set, is used instead of dialing rabbitURL. Main
	// wires the fallback publisher here when no broker is configured, and
	// tests inject stubs.
	staticPublisher rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, rabbitURL string) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		rabbitURL:           rabbitURL,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

// NewOutboxDispatcherWithPublisher creates a dispatcher bound to a fixed
// publisher instead of managing its own broker connection.
func NewOutboxDispatcherWithPublisher(repo store.Repository, publisher rabbitmq.Publisher) *OutboxDispatcher {
	d := NewOutboxDispatcher(repo, "")
	d.staticPublisher = publisher
	return d
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox msg=\"flush error\" error=%v", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	events, err := d.repo.ClaimOutboxEvents(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		if err := d.publishEvent(ctx, event); err != nil {
			retryAfter := retryDelaySeconds(event.Attempts)
			_ = d.repo.MarkOutboxFailed(ctx, event.ID, retryAfter, err.Error())
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, event.ID); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark event published\" event_id=%d error=%v", event.ID, err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishEvent(ctx context.Context, event store.OutboxEvent) error {
	publisher := d.staticPublisher
	if publisher == nil {
		if d.producer == nil {
			producer, err := rabbitmq.NewEventProducer(d.rabbitURL)
			if err != nil {
				return err
			}
			d.producer = producer
		}
		publisher = d.producer
	}

	// The payload was serialized when the event was enqueued; publish the
	// stored bytes verbatim so the broker sees exactly what the log holds.
	if err := publisher.PublishRaw(ctx, domain.EventExchange, event.RoutingKey, event.Payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
