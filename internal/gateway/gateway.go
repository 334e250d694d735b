// Package gateway bridges WebSocket clients onto the engine's session
// ports.
//
// Each connection gets the full handshake treatment: the gateway offers a
// version envelope, hands the retained endpoint to the request handler,
// and relays the caller-side endpoint over the socket. Client frames that
// carry an id get a dedicated in-process reply port; the matching response
// frame carries the same id back.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/google/fledge-shim-sub000/internal/handler"
	"github.com/google/fledge-shim-sub000/internal/handshake"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/monitoring"
	"github.com/google/fledge-shim-sub000/internal/port"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the handshake, not the transport.
		return true
	},
}

// clientFrame is one request from a connected caller. Request carries the
// wire-encoded request array untouched; an id marks the caller as waiting
// for a response.
type clientFrame struct {
	ID      string          `json:"id,omitempty"`
	Request json.RawMessage `json:"request"`
}

// serverFrame is one response to a connected caller.
type serverFrame struct {
	ID       string          `json:"id"`
	Response json.RawMessage `json:"response"`
}

// Handler manages WebSocket connections.
type Handler struct {
	requests *handler.Handler
	origin   string
	log      *logging.Logger
	metrics  *monitoring.Metrics
}

// New creates a gateway handler. origin is the engine's own origin as
// presented in handshakes.
func New(requests *handler.Handler, origin string, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		requests: requests,
		origin:   origin,
		log:      logger.Named("gateway"),
		metrics:  metrics,
	}
}

// HandleConnection upgrades one client connection and serves it until it
// closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := h.log.With(zap.String("conn", connID))
	h.metrics.Connections.Inc()
	defer h.metrics.Connections.Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The gateway holds both sides of the offered pair: the retained
	// endpoint goes to the request handler, the transferred endpoint is
	// relayed over the socket.
	envelopes := make(chan handshake.Envelope, 1)
	engineEnd, err := handshake.Offer(envelopes, h.origin, connID)
	if err != nil {
		log.Error("handshake offer failed", zap.Error(err))
		return
	}
	env := <-envelopes
	callerEnd := env.Ports[0]
	defer callerEnd.Close()
	defer engineEnd.Close()

	if err := conn.WriteMessage(websocket.TextMessage, env.Data); err != nil {
		log.Warn("could not send handshake frame", zap.Error(err))
		return
	}

	go h.requests.Serve(ctx, engineEnd)

	// gorilla/websocket allows one concurrent writer; reply goroutines
	// share the socket through this mutex.
	var writeMu sync.Mutex

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		h.metrics.RecordMessage("in", "frame")

		var frame clientFrame
		if err := sonic.Unmarshal(data, &frame); err != nil || len(frame.Request) == 0 {
			if err := callerEnd.Post(port.Message{Malformed: true}); err != nil {
				return
			}
			continue
		}

		msg := port.Message{Data: frame.Request}
		if frame.ID != "" {
			replyEnd, transferred := port.NewPair()
			msg.Ports = []*port.Port{transferred}
			go h.awaitReply(ctx, conn, &writeMu, log, frame.ID, replyEnd)
		}
		if err := callerEnd.Post(msg); err != nil {
			return
		}
	}
}

// awaitReply relays the first message on replyEnd back to the client as a
// response frame.
func (h *Handler) awaitReply(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, log *logging.Logger, id string, replyEnd *port.Port) {
	defer replyEnd.Close()

	select {
	case <-ctx.Done():
		return
	case <-replyEnd.PeerDone():
		return
	case m := <-replyEnd.Recv():
		frame, err := sonic.Marshal(serverFrame{ID: id, Response: m.Data})
		if err != nil {
			log.Error("could not marshal response frame", zap.Error(err))
			return
		}
		h.metrics.RecordMessage("out", "frame")

		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn("could not deliver response frame", zap.Error(err))
		}
	}
}
