package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/raffle"
)

// EventsHandler pages through the durable event log.
type EventsHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

func NewEventsHandler(bus domain.SignalBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logHandler(logger, "events")}
}

type loggedEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// List returns events recorded after the given stream id.
// GET /api/events?after=0&count=100
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if v := q.Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			count = n
		}
	}

	msgs, err := h.bus.StreamRead(r.Context(), raffle.EventsStream, after, count)
	if err != nil {
		writeDomainError(w, r, h.logger, "read events", err)
		return
	}
	out := make([]loggedEvent, 0, len(msgs))
	next := after
	for _, m := range msgs {
		out = append(out, loggedEvent{ID: m.ID, Event: json.RawMessage(m.Payload)})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}
