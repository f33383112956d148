package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/internal/routing"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
)

// busyRetryDelay is the backoff before the single local retry after a
// BusyError from the per-order serialization lock.
const busyRetryDelay = 100 * time.Millisecond

// OrderEventSubscriber consumes the inbound order feed and drives the
// ingestion pipeline. The feed is at-least-once; idempotency lives in the
// ingestor, not here.
type OrderEventSubscriber struct {
	subscriber events.Subscriber
	ingestor   *routing.Ingestor
	logger     aqm.Logger
}

func NewOrderEventSubscriber(subscriber events.Subscriber, ingestor *routing.Ingestor, logger aqm.Logger) *OrderEventSubscriber {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &OrderEventSubscriber{
		subscriber: subscriber,
		ingestor:   ingestor,
		logger:     logger,
	}
}

func (s *OrderEventSubscriber) Start(ctx context.Context) error {
	s.logger.Info("Starting OrderEventSubscriber for topic: " + event.OrderEventsTopic)

	if err := s.subscriber.Subscribe(ctx, event.OrderEventsTopic, s.handleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", event.OrderEventsTopic, err)
	}

	s.logger.Info("OrderEventSubscriber started successfully")
	return nil
}

func (s *OrderEventSubscriber) Stop(ctx context.Context) error {
	return nil
}

func (s *OrderEventSubscriber) handleEvent(ctx context.Context, msg []byte) error {
	var evt event.OrderEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		s.logger.Errorf("Failed to unmarshal order event: %v", err)
		return nil
	}

	ids, err := s.ingestor.Ingest(ctx, &evt)

	var busy *routing.BusyError
	if errors.As(err, &busy) {
		time.Sleep(busyRetryDelay)
		ids, err = s.ingestor.Ingest(ctx, &evt)
	}

	switch {
	case err == nil:
		s.logger.Info("ingested order event", "event_id", evt.EventID, "event_type", evt.EventType, "records", len(ids))
		return nil
	case errors.As(err, new(*routing.UnroutableItemError)):
		// Escalated and durably flagged by the ingestor; redelivery will
		// not help until the station configuration changes.
		s.logger.Errorf("Unroutable order event %s: %v", evt.EventID, err)
		return nil
	case errors.Is(err, routing.ErrUnknownEventType):
		s.logger.Errorf("Rejected order event %s: %v", evt.EventID, err)
		return nil
	case errors.As(err, &busy):
		// Still contended after the local retry; return the error so a
		// stream-backed subscription redelivers.
		s.logger.Errorf("Order event %s still busy after retry: %v", evt.EventID, err)
		return err
	default:
		s.logger.Errorf("Failed to ingest order event %s: %v", evt.EventID, err)
		return err
	}
}
