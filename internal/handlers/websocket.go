// -----------------------------------------------------------------------
// Status Relay - Streams a job's progress channel to a WebSocket client
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/metrics"
	"github.com/ternarybob/pastiche/internal/models"
	"github.com/ternarybob/pastiche/internal/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// StatusLookup is the slice of the status store the relay needs
type StatusLookup interface {
	GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error)
}

// WebSocketHandler relays progress events for one job per connection
type WebSocketHandler struct {
	transport    interfaces.PubSubTransport
	statuses     StatusLookup
	logger       arbor.ILogger
	pingInterval time.Duration
	writeTimeout time.Duration

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewWebSocketHandler creates a relay handler
func NewWebSocketHandler(transport interfaces.PubSubTransport, statuses StatusLookup, cfg *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		transport:    transport,
		statuses:     statuses,
		logger:       logger,
		pingInterval: common.ParseDuration(cfg.PingInterval, 30*time.Second),
		writeTimeout: common.ParseDuration(cfg.WriteTimeout, 10*time.Second),
		shutdown:     make(chan struct{}),
	}
}

// Shutdown closes every open relay with a going-away frame. Hijacked
// connections are not covered by http.Server.Shutdown.
func (h *WebSocketHandler) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}

// HandleStatus handles GET /status/{jobId}
func (h *WebSocketHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if !common.IsValidJobID(jobID) {
		WriteError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	// Deadlines from the http.Server survive the hijack
	conn.SetReadDeadline(time.Time{})

	metrics.RelayConnections.Inc()
	defer metrics.RelayConnections.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.transport.Subscribe(ctx, pubsub.ProgressChannel(jobID))
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to subscribe to progress channel")
		h.closeWith(conn, websocket.CloseInternalServerErr, models.ErrRelay.Error())
		return
	}
	defer sub.Close()

	h.logger.Debug().Str("job_id", jobID).Msg("Status relay opened")

	// Subscribed first, so a job finishing now is seen either here or on the channel
	status, err := h.statuses.GetStatus(ctx, jobID)
	switch {
	case err == nil && status.State.IsTerminal():
		if h.writeFrame(conn, status.TerminalEvent()) == nil {
			h.closeWith(conn, websocket.CloseNormalClosure, string(status.State))
		}
		return
	case err != nil && !errors.Is(err, models.ErrNotFound):
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Status lookup failed, relaying channel only")
	}

	disconnected := make(chan struct{})
	go h.readUntilClosed(conn, jobID, disconnected)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-disconnected:
			return

		case <-h.shutdown:
			h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Ping failed, closing relay")
				return
			}

			// A terminal frame lost on the channel still ends the relay
			if status, ok := h.finishedStatus(ctx, jobID); ok {
				if h.writeFrame(conn, status.TerminalEvent()) == nil {
					h.closeWith(conn, websocket.CloseNormalClosure, string(status.State))
				}
				return
			}

		case payload, ok := <-sub.Messages():
			if !ok {
				h.logger.Warn().Str("job_id", jobID).Msg("Progress channel closed")
				h.closeWith(conn, websocket.CloseInternalServerErr, models.ErrRelay.Error())
				return
			}

			event, err := models.DecodeProgressEvent(payload)
			if err != nil {
				h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Dropping malformed progress event")
				continue
			}

			if err := h.writeFrame(conn, event); err != nil {
				h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Write failed, closing relay")
				return
			}

			if event.IsTerminal() {
				h.closeWith(conn, websocket.CloseNormalClosure, string(event.State))
				return
			}
		}
	}
}

func (h *WebSocketHandler) finishedStatus(ctx context.Context, jobID string) (*models.JobStatus, bool) {
	status, err := h.statuses.GetStatus(ctx, jobID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Status re-check failed")
		}
		return nil, false
	}
	return status, status.State.IsTerminal()
}

// readUntilClosed drains client frames so control frames are processed
// and a disconnect is noticed while the relay waits on the channel.
func (h *WebSocketHandler) readUntilClosed(conn *websocket.Conn, jobID string, disconnected chan<- struct{}) {
	defer close(disconnected)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Relay client dropped")
			}
			return
		}
	}
}

func (h *WebSocketHandler) writeFrame(conn *websocket.Conn, event models.ProgressEvent) error {
	conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteJSON(event)
}

func (h *WebSocketHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout)); err != nil {
		h.logger.Debug().Err(err).Int("code", code).Msg("Failed to send close frame")
	}
}
