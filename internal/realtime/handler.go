package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/ratelimit"
)

var streamOpens = ratelimit.Policy{Window: time.Minute, Max: 10}

// Handler serves the invalidation stream as server-sent events.
type Handler struct {
	logger *slog.Logger
	bus    *Bus
	gate   *authz.Gate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, bus *Bus, gate *authz.Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, bus: bus, gate: gate}
}

// MountRoutes registers the stream endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/realtime/stream", h.gate.Stream(authz.Route{
		RateLimit: streamOpens,
		Action:    "realtime.stream",
		Resource:  "realtime",
	}, h.stream))
}

func (h *Handler) stream(call *authz.Call, w http.ResponseWriter) error {
	rc := http.NewResponseController(w)
	conn, err := h.bus.Register(call.Principal.ID, call.Principal.Role)
	if err != nil {
		return err
	}
	defer h.bus.Deregister(conn.ID)
	call.SetResourceID(conn.ID)

	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("clear stream write deadline", slog.Any("error", err))
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("realtime: streaming unsupported: %w", err)
	}

	ctx := call.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case ev := <-conn.Frames():
			if err := writeFrame(w, ev); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
			conn.Ack(h.bus.now())
		}
	}
}

func writeFrame(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
