package routing

import (
	"context"
	"errors"
	"net/http"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ActorHeader carries the authenticated station actor on every mutating
// call. There is no ambient session in the core.
const ActorHeader = "X-Actor"

type Handler struct {
	service    *Service
	store      RecordStore
	eventLog   EventLog
	projection *Projection
	registry   *StationRegistry
	logger     aqm.Logger
	config     *aqm.Config
	tlm        *telemetry.HTTP
}

func NewHandler(service *Service, store RecordStore, eventLog EventLog, projection *Projection, registry *StationRegistry, config *aqm.Config, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		service:    service,
		store:      store,
		eventLog:   eventLog,
		projection: projection,
		registry:   registry,
		logger:     logger,
		config:     config,
		tlm:        telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.ListRecords)
		r.Get("/{id}", h.GetRecord)
		r.Patch("/{id}/acknowledge", h.action("acknowledge", func(s *Service) actionFunc { return s.Acknowledge }))
		r.Patch("/{id}/start", h.action("start", func(s *Service) actionFunc { return s.Start }))
		r.Patch("/{id}/ready", h.action("ready", func(s *Service) actionFunc { return s.MarkReady }))
		r.Patch("/{id}/bump", h.action("bump", func(s *Service) actionFunc { return s.Bump }))
		r.Patch("/{id}/recall", h.action("recall", func(s *Service) actionFunc { return s.Recall }))
		r.Patch("/{id}/void", h.action("void", func(s *Service) actionFunc { return s.Void }))
	})

	r.Route("/stations", func(r chi.Router) {
		r.Get("/", h.ListStations)
		r.Get("/{id}/records", h.ListStationRecords)
		r.Get("/{id}/stream", h.StreamStation)
		r.Patch("/{id}/activate", h.activateStation(true))
		r.Patch("/{id}/deactivate", h.activateStation(false))
	})

	r.Get("/orders/unrouted", h.ListUnrouted)
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

// ListRecords lists active routing records, filtered by station or order.
// Station reads come from the projection so they carry display scores; the
// rest fall through to the store.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListRecords")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	if raw := r.URL.Query().Get("station_id"); raw != "" {
		stationID, err := uuid.Parse(raw)
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid station_id filter")
			return
		}
		if h.registry.Get(stationID) == nil {
			aqm.RespondError(w, http.StatusNotFound, "Station not found")
			return
		}
		aqm.Respond(w, http.StatusOK, map[string]interface{}{
			"records": h.projection.Records(stationID),
		}, nil)
		return
	}

	var (
		records []RoutingRecord
		err     error
	)
	if raw := r.URL.Query().Get("order_id"); raw != "" {
		orderID, perr := uuid.Parse(raw)
		if perr != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid order_id filter")
			return
		}
		records, err = h.store.ListActiveByOrder(ctx, orderID)
	} else {
		records, err = h.store.ListActiveAll(ctx)
	}
	if err != nil {
		log.Errorf("cannot list records: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not list records")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"records": records,
	}, nil)
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetRecord")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid record ID")
		return
	}

	rec, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			aqm.RespondError(w, http.StatusNotFound, "Record not found")
			return
		}
		log.Errorf("cannot get record: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not get record")
		return
	}

	aqm.Respond(w, http.StatusOK, rec, nil)
}

type actionFunc func(ctx context.Context, id RecordID, actor string) (*RoutingRecord, error)

// action wraps a station action: every one requires the actor header, maps
// to one store transition, and surfaces the error taxonomy with the record
// id and attempted transition attached.
func (h *Handler) action(name string, pick func(*Service) actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w, r, finish := h.tlm.Start(w, r, "Handler."+name)
		defer finish()
		log := h.log(r)
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid record ID")
			return
		}

		actor := r.Header.Get(ActorHeader)
		if actor == "" {
			aqm.RespondError(w, http.StatusBadRequest, "Missing "+ActorHeader+" header")
			return
		}

		rec, err := pick(h.service)(ctx, id, actor)
		if err != nil {
			h.respondActionError(w, log, name, err)
			return
		}

		aqm.Respond(w, http.StatusOK, rec, nil)
	}
}

func (h *Handler) respondActionError(w http.ResponseWriter, log aqm.Logger, name string, err error) {
	var stale *StaleStateError
	var invalid *InvalidTransitionError

	switch {
	case errors.Is(err, ErrNotFound):
		aqm.RespondError(w, http.StatusNotFound, "Record not found")
	case errors.Is(err, ErrDuplicateActive):
		// A racing action already created the active record for this triple.
		aqm.RespondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &stale):
		// Lost a race; the actor refreshes and decides whether to retry.
		aqm.RespondError(w, http.StatusConflict, stale.Error())
	case errors.As(err, &invalid):
		log.Errorf("invalid %s transition: %v", name, err)
		aqm.RespondError(w, http.StatusUnprocessableEntity, invalid.Error())
	default:
		log.Errorf("cannot %s record: %v", name, err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not "+name+" record")
	}
}

func (h *Handler) ListStations(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListStations")
	defer finish()

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"stations": h.registry.List(),
	}, nil)
}

func (h *Handler) ListStationRecords(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListStationRecords")
	defer finish()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid station ID")
		return
	}

	if h.registry.Get(id) == nil {
		aqm.RespondError(w, http.StatusNotFound, "Station not found")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"station_id": id,
		"records":    h.projection.Records(id),
	}, nil)
}

func (h *Handler) activateStation(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w, r, finish := h.tlm.Start(w, r, "Handler.activateStation")
		defer finish()

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid station ID")
			return
		}

		if actor := r.Header.Get(ActorHeader); actor == "" {
			aqm.RespondError(w, http.StatusBadRequest, "Missing "+ActorHeader+" header")
			return
		}

		if !h.registry.SetActive(id, active) {
			aqm.RespondError(w, http.StatusNotFound, "Station not found")
			return
		}

		aqm.Respond(w, http.StatusOK, h.registry.Get(id), nil)
	}
}

func (h *Handler) ListUnrouted(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListUnrouted")
	defer finish()
	log := h.log(r)

	items, err := h.eventLog.ListUnrouted(r.Context())
	if err != nil {
		log.Errorf("cannot list unrouted items: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not list unrouted items")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"unrouted": items,
	}, nil)
}
