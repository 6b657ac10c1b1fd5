package httpapi

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// eventMessage is one bus delivery relayed to an admin /events client.
type eventMessage struct {
	RoutingKey string `json:"routing_key"`
	Payload    string `json:"payload"`
}

// handleEvents streams every bus delivery matching the "pattern" query
// parameter (default "#", match-all) to a websocket client — an admin
// live-tail view of fleet activity, grounded on the teacher's
// handleWS/addClient/removeClient shape in internal/gateway/gateway.go,
// generalized from a bidirectional JSON-RPC session to a one-way relay.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "#"
	}
	ctx := r.Context()

	queueName := "admin.events." + uuid.NewString()
	if err := s.cfg.Broker.DeclareQueue(ctx, queueName); err != nil {
		writeError(w, requestIDFrom(ctx), err)
		return
	}
	defer func() { _ = s.cfg.Broker.DeleteQueue(r.Context(), queueName) }()
	if err := s.cfg.Broker.Bind(ctx, queueName, pattern); err != nil {
		writeError(w, requestIDFrom(ctx), err)
		return
	}
	deliveries, err := s.cfg.Broker.Consume(ctx, queueName)
	if err != nil {
		writeError(w, requestIDFrom(ctx), err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	s.logger.Info("admin events stream connected", "pattern", pattern)
	defer s.logger.Info("admin events stream disconnected", "pattern", pattern)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg := eventMessage{RoutingKey: d.RoutingKey, Payload: string(d.Payload)}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}
