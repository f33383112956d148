package routing

import (
	"github.com/appetiteclub/kds/pkg/enums/station"
	"github.com/google/uuid"
)

// SeedStations loads the default station layout into the registry. Station
// ids are derived deterministically from the station code so displays keep
// their subscriptions across restarts.
func SeedStations(reg *StationRegistry) {
	seeds := []struct {
		code       string
		categories []string
	}{
		{station.Stations.Grill.Code(), []string{"grill"}},
		{station.Stations.Fryer.Code(), []string{"fryer"}},
		{station.Stations.Salad.Code(), []string{"salad", "dessert"}},
		{station.Stations.Expo.Code(), []string{"expo"}},
		{station.Stations.Admin.Code(), nil},
	}

	for _, s := range seeds {
		reg.Add(&Station{
			ID:         StationIDFor(s.code),
			Name:       s.code,
			Categories: s.categories,
			Active:     true,
		})
	}

	// Hot prep happens before plating.
	reg.SetPrecedence("grill", 0)
	reg.SetPrecedence("fryer", 0)
	reg.SetPrecedence("expo", 1)
}

// StationIDFor derives a stable station id from its code.
func StationIDFor(code string) StationID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("kds.station."+code))
}
