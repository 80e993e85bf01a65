package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/replay"
)

// SpeedRequest is the request body for POST /simulation/speed.
type SpeedRequest struct {
	Speed float64 `json:"speed" validate:"required,gt=0"`
}

func (h *Handler) simulator(w http.ResponseWriter) *replay.Simulator {
	if h.deps.Replay == nil {
		writeError(w, http.StatusServiceUnavailable, "replay dataset not configured")
	}
	return h.deps.Replay
}

// SimulationStatus handles GET /simulation/status.
func (h *Handler) SimulationStatus(w http.ResponseWriter, r *http.Request) {
	if sim := h.simulator(w); sim != nil {
		writeJSON(w, http.StatusOK, sim.Status())
	}
}

// SimulationStart handles POST /simulation/start.
func (h *Handler) SimulationStart(w http.ResponseWriter, r *http.Request) {
	sim := h.simulator(w)
	if sim == nil {
		return
	}
	st, err := sim.Start()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SimulationStop handles POST /simulation/stop.
func (h *Handler) SimulationStop(w http.ResponseWriter, r *http.Request) {
	if sim := h.simulator(w); sim != nil {
		writeJSON(w, http.StatusOK, sim.Stop())
	}
}

// SimulationReset handles POST /simulation/reset.
func (h *Handler) SimulationReset(w http.ResponseWriter, r *http.Request) {
	if sim := h.simulator(w); sim != nil {
		writeJSON(w, http.StatusOK, sim.Reset())
	}
}

// SimulationSpeed handles POST /simulation/speed.
func (h *Handler) SimulationSpeed(w http.ResponseWriter, r *http.Request) {
	sim := h.simulator(w)
	if sim == nil {
		return
	}
	var req SpeedRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := sim.SetSpeed(req.Speed)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// scoreEvent attaches a prediction to replayed transactions when the
// client asked for ?score=true. Scoring failures leave the event unscored.
func (h *Handler) scoreEvent(ctx context.Context, ev *replay.Event) {
	if ev.Transaction == nil {
		return
	}
	off := false
	pred, err := h.deps.Scoring.Predict(ctx, ev.Transaction, domain.ScoreOptions{IncludeAttributions: &off})
	if err != nil {
		slog.Debug("replayed transaction not scored", "index", ev.Index, "error", err)
		return
	}
	ev.Prediction = pred
}

// SimulationStream handles GET /simulation/stream as server-sent events.
// Comments keep the connection alive while the replay is paused; the
// stream ends after the finished event.
func (h *Handler) SimulationStream(w http.ResponseWriter, r *http.Request) {
	sim := h.simulator(w)
	if sim == nil {
		return
	}
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	score := r.URL.Query().Get("score") == "true"
	ctx := r.Context()
	events := sim.Stream(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("event stream unsupported", "error", err)
		return
	}

	keepAlive := time.NewTicker(h.deps.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if score {
				h.scoreEvent(ctx, &ev)
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("failed to encode replay event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			if ev.Event == replay.EventFinished {
				_ = rc.Flush()
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from a different origin; CORS applies the
	// same policy to the HTTP routes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SimulationWebSocket handles GET /simulation/ws. It carries the same
// events as the SSE stream, one JSON text message each.
func (h *Handler) SimulationWebSocket(w http.ResponseWriter, r *http.Request) {
	sim := h.simulator(w)
	if sim == nil {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	score := r.URL.Query().Get("score") == "true"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := sim.Stream(ctx)
	ping := time.NewTicker(h.deps.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if score {
				h.scoreEvent(ctx, &ev)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Event == replay.EventFinished {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay finished"))
				return
			}
		}
	}
}
