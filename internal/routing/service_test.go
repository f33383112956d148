package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/routestate"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
)

type serviceFixture struct {
	store      *MemoryStore
	projection *Projection
	publisher  *MockPublisher
	service    *Service
}

func newServiceFixture() *serviceFixture {
	store := NewMemoryStore()
	publisher := NewMockPublisher()
	broker := NewBroker(DefaultBacklog, aqm.NewNoopLogger())
	projection := NewProjection(testRegistry(), broker, publisher, DefaultDecaySeconds, aqm.NewNoopLogger())
	service := NewService(store, projection, publisher, aqm.NewNoopLogger())

	return &serviceFixture{
		store:      store,
		projection: projection,
		publisher:  publisher,
		service:    service,
	}
}

func (f *serviceFixture) seed(t *testing.T, rec *RoutingRecord) *RoutingRecord {
	t.Helper()
	delta, err := f.store.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	f.projection.Apply(context.Background(), delta)
	return delta.After
}

func TestServiceFullLifecycle(t *testing.T) {
	f := newServiceFixture()
	stationID := StationIDFor("grill")
	rec := f.seed(t, activeRecord(stationID, 0, time.Now().UTC()))

	steps := []struct {
		action func(context.Context, RecordID, string) (*RoutingRecord, error)
		want   string
	}{
		{f.service.Acknowledge, routestate.States.Acknowledged.Code()},
		{f.service.Start, routestate.States.InProgress.Code()},
		{f.service.MarkReady, routestate.States.Ready.Code()},
		{f.service.Bump, routestate.States.Bumped.Code()},
	}

	for _, step := range steps {
		updated, err := step.action(context.Background(), rec.ID, "cook-1")
		if err != nil {
			t.Fatalf("transition to %q error = %v", step.want, err)
		}
		if updated.State != step.want {
			t.Errorf("state = %q, want %q", updated.State, step.want)
		}
	}

	final, err := f.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(final.Transitions) != 4 {
		t.Fatalf("record has %d transitions, want 4", len(final.Transitions))
	}
	for i := 1; i < len(final.Transitions); i++ {
		if final.Transitions[i].At.Before(final.Transitions[i-1].At) {
			t.Errorf("transition %d timestamp precedes transition %d", i, i-1)
		}
		if final.Transitions[i].From != final.Transitions[i-1].To {
			t.Errorf("transition %d does not chain from the previous state", i)
		}
	}
	for _, tr := range final.Transitions {
		if tr.Actor != "cook-1" {
			t.Errorf("transition actor = %q, want %q", tr.Actor, "cook-1")
		}
	}

	// A bumped record no longer shows on the station display.
	if got := len(f.projection.Records(stationID)); got != 0 {
		t.Errorf("projection has %d records after bump, want 0", got)
	}
}

func TestServiceInvalidTransition(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	// new -> ready skips acknowledged and in_progress.
	_, err := f.service.MarkReady(context.Background(), rec.ID, "cook-1")

	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("MarkReady() from new error = %v, want *InvalidTransitionError", err)
	}
	if invalid.From != routestate.States.New.Code() || invalid.To != routestate.States.Ready.Code() {
		t.Errorf("InvalidTransitionError = %v, want new -> ready", invalid)
	}
}

func TestServiceUnknownRecord(t *testing.T) {
	f := newServiceFixture()

	_, err := f.service.Acknowledge(context.Background(), StationIDFor("missing"), "cook-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Acknowledge() error = %v, want ErrNotFound", err)
	}
}

func TestServiceConcurrentActionsExactlyOneWins(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Acknowledge(context.Background(), rec.ID, "cook-1")
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures++
		// The loser lost a race, regardless of whether its read landed
		// before or after the winning write.
		var stale *StaleStateError
		if !errors.As(err, &stale) {
			t.Errorf("losing Acknowledge() error = %v, want *StaleStateError", err)
		}
	}
	if failures != 1 {
		t.Fatalf("%d of 2 concurrent acknowledges failed, want exactly 1", failures)
	}

	final, _ := f.store.Get(context.Background(), rec.ID)
	if final.State != routestate.States.Acknowledged.Code() {
		t.Errorf("state = %q, want %q", final.State, "acknowledged")
	}
	if len(final.Transitions) != 1 {
		t.Errorf("record has %d transitions, want 1", len(final.Transitions))
	}
}

func TestServiceRepeatedActionIsStale(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	if _, err := f.service.Acknowledge(context.Background(), rec.ID, "cook-1"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	// A second acknowledge means the caller acted on a pre-acknowledge view
	// of the record; that is a stale read, not an illegal transition.
	_, err := f.service.Acknowledge(context.Background(), rec.ID, "cook-2")

	var stale *StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("repeated Acknowledge() error = %v, want *StaleStateError", err)
	}
	if stale.Actual != routestate.States.Acknowledged.Code() {
		t.Errorf("StaleStateError actual = %q, want %q", stale.Actual, "acknowledged")
	}
	if stale.Expected != routestate.States.New.Code() {
		t.Errorf("StaleStateError expected = %q, want %q", stale.Expected, "new")
	}

	final, _ := f.store.Get(context.Background(), rec.ID)
	if len(final.Transitions) != 1 {
		t.Errorf("record has %d transitions, want 1", len(final.Transitions))
	}
}

func TestServiceStaleStateNotRetried(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	// The CAS loses against a state change between read and write.
	f.store.TransitionFunc = func(ctx context.Context, id RecordID, from, to, actor string) (Delta, error) {
		return Delta{}, &StaleStateError{RecordID: id, Expected: from, Actual: routestate.States.Voided.Code()}
	}

	_, err := f.service.Acknowledge(context.Background(), rec.ID, "cook-1")

	var stale *StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("Acknowledge() error = %v, want *StaleStateError", err)
	}
	if stale.Actual != routestate.States.Voided.Code() {
		t.Errorf("StaleStateError actual = %q, want %q", stale.Actual, "voided")
	}
}

func TestServiceRecallFromReady(t *testing.T) {
	f := newServiceFixture()
	stationID := StationIDFor("grill")
	rec := f.seed(t, activeRecord(stationID, 0, time.Now().UTC()))

	for _, action := range []func(context.Context, RecordID, string) (*RoutingRecord, error){
		f.service.Acknowledge, f.service.Start, f.service.MarkReady,
	} {
		if _, err := action(context.Background(), rec.ID, "cook-1"); err != nil {
			t.Fatalf("lifecycle step error = %v", err)
		}
	}

	reopened, err := f.service.Recall(context.Background(), rec.ID, "expo-1")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}

	orig, _ := f.store.Get(context.Background(), rec.ID)
	if orig.State != routestate.States.Recalled.Code() {
		t.Errorf("original state = %q, want %q", orig.State, "recalled")
	}
	if reopened.ID == rec.ID {
		t.Error("recall should create a new record, not reuse the original id")
	}
	if reopened.RecalledFrom == nil || *reopened.RecalledFrom != rec.ID {
		t.Error("reopened record should reference the original")
	}
	if reopened.State != routestate.States.New.Code() {
		t.Errorf("reopened state = %q, want %q", reopened.State, "new")
	}
	if reopened.BasePriority != DefaultRecallPriority {
		t.Errorf("reopened base priority = %d, want %d", reopened.BasePriority, DefaultRecallPriority)
	}
}

func TestServiceRecallFromBumpedLeavesOriginalUntouched(t *testing.T) {
	f := newServiceFixture()
	stationID := StationIDFor("grill")
	rec := f.seed(t, activeRecord(stationID, 0, time.Now().Add(-time.Hour).UTC()))
	f.seed(t, activeRecord(stationID, 0, time.Now().Add(-30*time.Minute).UTC()))

	for _, action := range []func(context.Context, RecordID, string) (*RoutingRecord, error){
		f.service.Acknowledge, f.service.Start, f.service.MarkReady, f.service.Bump,
	} {
		if _, err := action(context.Background(), rec.ID, "cook-1"); err != nil {
			t.Fatalf("lifecycle step error = %v", err)
		}
	}

	reopened, err := f.service.Recall(context.Background(), rec.ID, "expo-1")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}

	orig, _ := f.store.Get(context.Background(), rec.ID)
	if orig.State != routestate.States.Bumped.Code() {
		t.Errorf("bumped original state = %q, want it untouched", orig.State)
	}
	if len(orig.Transitions) != 4 {
		t.Errorf("bumped original has %d transitions, want 4", len(orig.Transitions))
	}

	// The recall priority puts the reopened record at the head of the
	// station queue, ahead of a record half an hour older.
	records := f.projection.Records(stationID)
	if len(records) != 2 {
		t.Fatalf("projection has %d records, want 2", len(records))
	}
	if records[0].Record.ID != reopened.ID {
		t.Error("reopened record should head the station queue")
	}
}

func TestServiceRecallTwiceOnBumpedRecord(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	for _, action := range []func(context.Context, RecordID, string) (*RoutingRecord, error){
		f.service.Acknowledge, f.service.Start, f.service.MarkReady, f.service.Bump,
	} {
		if _, err := action(context.Background(), rec.ID, "cook-1"); err != nil {
			t.Fatalf("lifecycle step error = %v", err)
		}
	}

	if _, err := f.service.Recall(context.Background(), rec.ID, "expo-1"); err != nil {
		t.Fatalf("first Recall() error = %v", err)
	}

	// The reopened record is still active, so a second recall trips the
	// one-active-record-per-item guarantee.
	_, err := f.service.Recall(context.Background(), rec.ID, "expo-2")
	if !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("second Recall() error = %v, want ErrDuplicateActive", err)
	}

	if got := len(f.projection.Records(StationIDFor("grill"))); got != 1 {
		t.Errorf("projection has %d records, want only the first reopened one", got)
	}
}

func TestServiceRecallFromActiveStateRejected(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	_, err := f.service.Recall(context.Background(), rec.ID, "expo-1")

	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Recall() from new error = %v, want *InvalidTransitionError", err)
	}
}

func TestServiceVoidFromAnyActiveState(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	if _, err := f.service.Acknowledge(context.Background(), rec.ID, "cook-1"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	voided, err := f.service.Void(context.Background(), rec.ID, "manager-1")
	if err != nil {
		t.Fatalf("Void() error = %v", err)
	}
	if voided.State != routestate.States.Voided.Code() {
		t.Errorf("state = %q, want %q", voided.State, "voided")
	}
}

func TestServicePublishesTransitionEvents(t *testing.T) {
	f := newServiceFixture()
	rec := f.seed(t, activeRecord(StationIDFor("grill"), 0, time.Now().UTC()))

	if _, err := f.service.Acknowledge(context.Background(), rec.ID, "cook-1"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	published := f.publisher.ByTopic(event.RoutingRecordsTopic)
	if len(published) != 1 {
		t.Fatalf("published %d record events, want 1", len(published))
	}
}
