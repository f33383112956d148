package routing

import (
	"sync"

	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
)

// DefaultBacklog bounds how many undelivered messages a subscriber may
// accumulate before it is dropped.
const DefaultBacklog = 64

// ProjectionRecord is a routing record as a display sees it, with the
// lazily computed priority score attached.
type ProjectionRecord struct {
	Record RoutingRecord `json:"record"`
	Score  float64       `json:"score"`
}

// Snapshot is the first message every subscriber receives: the full ordered
// projection for the station and the sequence number deltas continue from.
type Snapshot struct {
	StationID StationID          `json:"station_id"`
	Seq       uint64             `json:"seq"`
	Records   []ProjectionRecord `json:"records"`
}

// ProjectionDelta is one projection mutation. Seq increases monotonically
// per station so displays can detect gaps. Position is the record's index
// in the station queue after the mutation, -1 when it left the projection.
type ProjectionDelta struct {
	Seq       uint64    `json:"seq"`
	StationID StationID `json:"station_id"`
	RecordID  RecordID  `json:"record_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Position  int       `json:"position"`
}

// Message is what flows to a subscriber: exactly one of Snapshot or Delta.
type Message struct {
	Snapshot *Snapshot        `json:"snapshot,omitempty"`
	Delta    *ProjectionDelta `json:"delta,omitempty"`
}

// Subscription is one display's ordered feed for a station. The channel is
// closed when the subscriber is dropped; Err reports why.
type Subscription struct {
	ID        string
	StationID StationID
	C         <-chan Message

	ch chan Message

	mu  sync.Mutex
	err error
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Err returns the reason the subscription was closed, nil while it is live
// or after a clean unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Broker fans projection mutations out to subscribed displays. Delivery is
// per-station FIFO; a subscriber that exceeds its backlog is dropped and
// must resubscribe, so producers never wait on slow consumers.
type Broker struct {
	mu      sync.Mutex
	backlog int
	seqs    map[StationID]uint64
	subs    map[string]*Subscription
	logger  aqm.Logger
}

func NewBroker(backlog int, logger aqm.Logger) *Broker {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Broker{
		backlog: backlog,
		seqs:    make(map[StationID]uint64),
		subs:    make(map[string]*Subscription),
		logger:  logger,
	}
}

// subscribe registers a subscriber and queues its initial snapshot. Called
// by the projection while it holds its own lock, so the snapshot and the
// deltas that follow it are consistent.
func (b *Broker) subscribe(stationID StationID, records []ProjectionRecord) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:        uuid.New().String(),
		StationID: stationID,
		ch:        make(chan Message, b.backlog),
	}
	sub.C = sub.ch

	sub.ch <- Message{Snapshot: &Snapshot{
		StationID: stationID,
		Seq:       b.seqs[stationID],
		Records:   records,
	}}

	b.subs[sub.ID] = sub
	b.logger.Info("new projection subscriber", "subscription_id", sub.ID, "station_id", stationID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscriptionID]
	if !ok {
		return
	}
	delete(b.subs, subscriptionID)
	close(sub.ch)
	b.logger.Info("projection subscriber removed", "subscription_id", subscriptionID)
}

// publish assigns the next per-station sequence number and delivers the
// delta to every subscriber of the station. Subscribers whose backlog is
// full are dropped on the spot.
func (b *Broker) publish(stationID StationID, delta ProjectionDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[stationID]++
	delta.Seq = b.seqs[stationID]
	delta.StationID = stationID

	for id, sub := range b.subs {
		if sub.StationID != stationID {
			continue
		}
		select {
		case sub.ch <- Message{Delta: &delta}:
		default:
			sub.fail(&SubscriptionOverflowError{
				SubscriptionID: id,
				StationID:      stationID,
				Backlog:        b.backlog,
			})
			delete(b.subs, id)
			close(sub.ch)
			b.logger.Info("subscriber backlog exceeded, dropping subscription", "subscription_id", id, "station_id", stationID)
		}
	}
}

// SubscriberCount reports how many subscriptions are live for a station.
func (b *Broker) SubscriberCount(stationID StationID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, sub := range b.subs {
		if sub.StationID == stationID {
			count++
		}
	}
	return count
}
