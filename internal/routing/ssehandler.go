package routing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// StreamStation serves a display subscription over Server-Sent Events: one
// snapshot event, then ordered delta events. When the subscription is
// dropped for overflow the client receives an error event and reconnects
// for a fresh snapshot.
func (h *Handler) StreamStation(w http.ResponseWriter, r *http.Request) {
	log := h.log(r)

	stationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid station ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		aqm.RespondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	sub, err := h.projection.Subscribe(stationID)
	if err != nil {
		aqm.RespondError(w, http.StatusNotFound, "Station not found")
		return
	}
	defer h.projection.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info("new station stream", "subscription_id", sub.ID, "station_id", stationID)

	// Establish the connection and configure client reconnect backoff.
	fmt.Fprintf(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: 2000\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info("station stream client disconnected", "subscription_id", sub.ID)
			return

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()

		case msg, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					log.Info("station stream dropped", "subscription_id", sub.ID, "error", err)
					writeSSE(w, "error", fmt.Sprintf(`{"error":%q}`, err.Error()))
					flusher.Flush()
				}
				return
			}

			name := "delta"
			if msg.Snapshot != nil {
				name = "snapshot"
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Errorf("cannot marshal stream message: %v", err)
				continue
			}
			writeSSE(w, name, string(data))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventType, data string) {
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
