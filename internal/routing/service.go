package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/routestate"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"
)

// DefaultRecallPriority outranks every normal base priority so a recalled
// record heads its station queue.
const DefaultRecallPriority = 100

// Service executes station actions: each one maps to a single store
// transition, is folded into the projection, and is published for audit.
// Every mutation carries the authenticated actor explicitly.
type Service struct {
	store      RecordStore
	projection *Projection
	publisher  events.Publisher
	logger     aqm.Logger

	recallPriority int
}

func NewService(store RecordStore, projection *Projection, publisher events.Publisher, logger aqm.Logger) *Service {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Service{
		store:          store,
		projection:     projection,
		publisher:      publisher,
		logger:         logger,
		recallPriority: DefaultRecallPriority,
	}
}

func (s *Service) Acknowledge(ctx context.Context, id RecordID, actor string) (*RoutingRecord, error) {
	return s.transitionTo(ctx, id, routestate.States.Acknowledged.Code(), actor)
}

func (s *Service) Start(ctx context.Context, id RecordID, actor string) (*RoutingRecord, error) {
	return s.transitionTo(ctx, id, routestate.States.InProgress.Code(), actor)
}

func (s *Service) MarkReady(ctx context.Context, id RecordID, actor string) (*RoutingRecord, error) {
	return s.transitionTo(ctx, id, routestate.States.Ready.Code(), actor)
}

func (s *Service) Bump(ctx context.Context, id RecordID, actor string) (*RoutingRecord, error) {
	return s.transitionTo(ctx, id, routestate.States.Bumped.Code(), actor)
}

// Void is the administrative transition out of any non-terminal state, used
// for order cancellation.
func (s *Service) Void(ctx context.Context, id RecordID, actor string) (*RoutingRecord, error) {
	return s.transitionTo(ctx, id, routestate.States.Voided.Code(), actor)
}

// transitionTo reads the current state and issues a compare-and-swap on it.
// A lost race surfaces as *StaleStateError for the actor to refresh; it is
// deliberately not retried here since the racing action already won.
func (s *Service) transitionTo(ctx context.Context, id RecordID, to, actor string) (*RoutingRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.State == to {
		// The racing action already applied this transition; the caller's
		// view of the record predates it.
		expected := ""
		if n := len(rec.Transitions); n > 0 {
			expected = rec.Transitions[n-1].From
		}
		return nil, &StaleStateError{RecordID: id, Expected: expected, Actual: rec.State}
	}

	delta, err := s.store.Transition(ctx, id, rec.State, to, actor)
	if err != nil {
		return nil, err
	}

	s.projection.Apply(ctx, delta)
	s.publishTransitioned(ctx, delta, actor)
	return delta.After, nil
}

// Recall reopens a finished record by creating a fresh active record that
// references it. A ready original moves to recalled; a bumped original is
// already terminal and stays untouched, preserving the audit history either
// way.
func (s *Service) Recall(ctx context.Context, id RecordID, actor string) (*RoutingRecord, error) {
	orig, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch orig.State {
	case routestate.States.Ready.Code():
		delta, err := s.store.Transition(ctx, id, orig.State, routestate.States.Recalled.Code(), actor)
		if err != nil {
			return nil, err
		}
		s.projection.Apply(ctx, delta)
		s.publishTransitioned(ctx, delta, actor)
	case routestate.States.Bumped.Code():
		// already terminal, only the new record is created
	default:
		return nil, &InvalidTransitionError{RecordID: id, From: orig.State, To: routestate.States.Recalled.Code()}
	}

	reopened := orig.Clone()
	reopened.ID = uuid.New()
	reopened.State = routestate.States.New.Code()
	reopened.BasePriority = s.recallPriority
	reopened.AssignedAt = time.Now().UTC()
	reopened.RecalledFrom = &orig.ID
	reopened.Transitions = nil

	delta, err := s.store.Create(ctx, reopened)
	if err != nil {
		if errors.Is(err, ErrDuplicateActive) {
			return nil, fmt.Errorf("record %s is already recalled: %w", orig.ID, err)
		}
		return nil, err
	}

	s.projection.Apply(ctx, delta)
	s.publishCreated(ctx, delta.After)

	s.logger.Infof("Recalled record %s as %s by %s", orig.ID, reopened.ID, actor)
	return delta.After, nil
}

func (s *Service) publishTransitioned(ctx context.Context, delta Delta, actor string) {
	if s.publisher == nil {
		return
	}

	previous := ""
	if delta.Before != nil {
		previous = delta.Before.State
	}

	payload := event.RoutingRecordTransitionedEvent{
		RoutingRecordEventMetadata: s.metadata(event.EventRoutingRecordTransitioned, delta.After),
		NewState:                   delta.After.State,
		PreviousState:              previous,
		Actor:                      actor,
	}

	data, _ := json.Marshal(payload)
	if err := s.publisher.Publish(ctx, event.RoutingRecordsTopic, data); err != nil {
		s.logger.Errorf("Failed to publish record.transitioned event: %v", err)
	}
}

func (s *Service) publishCreated(ctx context.Context, rec *RoutingRecord) {
	if s.publisher == nil {
		return
	}

	payload := event.RoutingRecordCreatedEvent{
		RoutingRecordEventMetadata: s.metadata(event.EventRoutingRecordCreated, rec),
		State:                      rec.State,
		Category:                   rec.Category,
		Quantity:                   rec.Quantity,
		Sequence:                   rec.Sequence,
	}
	if rec.RecalledFrom != nil {
		payload.RecalledFrom = rec.RecalledFrom.String()
	}

	data, _ := json.Marshal(payload)
	if err := s.publisher.Publish(ctx, event.RoutingRecordsTopic, data); err != nil {
		s.logger.Errorf("Failed to publish record.created event: %v", err)
	}
}

func (s *Service) metadata(eventType string, rec *RoutingRecord) event.RoutingRecordEventMetadata {
	md := event.RoutingRecordEventMetadata{
		EventType:   eventType,
		OccurredAt:  time.Now().UTC(),
		RecordID:    rec.ID.String(),
		OrderID:     rec.OrderID.String(),
		StationID:   rec.StationID.String(),
		StationName: rec.StationName,
		TableNumber: rec.TableNumber,
	}
	if rec.ItemID != nil {
		md.ItemID = rec.ItemID.String()
	}
	return md
}
