package routing

import (
	"sort"
	"sync"

	"github.com/aquamarinepk/aqm"
)

// StationAssignment is one routed destination for an item. Sequence orders
// multi-station preparation; parallel assignments share sequence 0.
type StationAssignment struct {
	StationID StationID
	Sequence  int
}

// StationRegistry holds the station configuration the router matches
// against. It is mutated only through administrative actions.
type StationRegistry struct {
	mu       sync.RWMutex
	stations map[StationID]*Station

	// precedence ranks categories that must be prepared in order
	// (e.g. grill before expo). Lower rank goes first.
	precedence map[string]int
}

func NewStationRegistry() *StationRegistry {
	return &StationRegistry{
		stations:   make(map[StationID]*Station),
		precedence: make(map[string]int),
	}
}

func (reg *StationRegistry) Add(s *Station) {
	if s == nil {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.stations[s.ID] = s
}

func (reg *StationRegistry) Get(id StationID) *Station {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s := reg.stations[id]
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func (reg *StationRegistry) List() []Station {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	result := make([]Station, 0, len(reg.stations))
	for _, s := range reg.stations {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// SetActive flips a station's active flag. Returns false when the station
// is unknown.
func (reg *StationRegistry) SetActive(id StationID, active bool) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	s := reg.stations[id]
	if s == nil {
		return false
	}
	s.Active = active
	return true
}

// SetPrecedence ranks a category for multi-station sequencing.
func (reg *StationRegistry) SetPrecedence(category string, rank int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.precedence[category] = rank
}

// activeHandling returns the active stations handling a category.
func (reg *StationRegistry) activeHandling(category string) []*Station {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var result []*Station
	for _, s := range reg.stations {
		if s.Active && s.Handles(category) {
			cp := *s
			result = append(result, &cp)
		}
	}
	return result
}

func (reg *StationRegistry) rank(category string) (int, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.precedence[category]
	return r, ok
}

// Router decides which station(s) receive a routing record for an item.
type Router struct {
	registry *StationRegistry
	logger   aqm.Logger
}

func NewRouter(registry *StationRegistry, logger aqm.Logger) *Router {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Router{registry: registry, logger: logger}
}

// Route matches the item's category against every active station's handled
// categories. Multiple matches yield one assignment per station; when any
// matched station's own precedence rank differs the assignments are
// sequenced, otherwise all run parallel at sequence 0.
func (r *Router) Route(orderID OrderID, itemID ItemID, category string) ([]StationAssignment, error) {
	stations := r.registry.activeHandling(category)
	if len(stations) == 0 {
		return nil, &UnroutableItemError{OrderID: orderID, ItemID: itemID, Category: category}
	}

	type ranked struct {
		id   StationID
		rank int
	}

	rankedStations := make([]ranked, 0, len(stations))
	sequenced := false
	for _, s := range stations {
		rank := 0
		// A station's sequencing rank is the lowest rank among the ranked
		// categories it handles, so a plating station handling "expo" runs
		// after the grill even for a grill-category item.
		first := true
		for _, c := range s.Categories {
			cr, ok := r.registry.rank(c)
			if !ok {
				continue
			}
			if first || cr < rank {
				rank = cr
				first = false
			}
			sequenced = true
		}
		rankedStations = append(rankedStations, ranked{id: s.ID, rank: rank})
	}

	sort.Slice(rankedStations, func(i, j int) bool {
		if rankedStations[i].rank != rankedStations[j].rank {
			return rankedStations[i].rank < rankedStations[j].rank
		}
		return rankedStations[i].id.String() < rankedStations[j].id.String()
	})

	assignments := make([]StationAssignment, 0, len(rankedStations))
	if !sequenced {
		for _, rs := range rankedStations {
			assignments = append(assignments, StationAssignment{StationID: rs.id})
		}
		return assignments, nil
	}

	// Dense sequence numbers: stations sharing a rank share a sequence.
	seq := 0
	for i, rs := range rankedStations {
		if i > 0 && rs.rank != rankedStations[i-1].rank {
			seq++
		}
		assignments = append(assignments, StationAssignment{StationID: rs.id, Sequence: seq})
	}
	return assignments, nil
}
