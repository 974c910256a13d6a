package http

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"examtime-bot/internal/app"
	"examtime-bot/internal/domain"
)

// MonitorHandler streams finalized score records over a websocket, for a
// live admin dashboard.
type MonitorHandler struct {
	feed     *app.ResultsFeed
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewMonitorHandler(feed *app.ResultsFeed, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "monitor").Logger(),
	}
}

type outboundMessage struct {
	Type    string             `json:"type"`
	Payload domain.ScoreRecord `json:"payload"`
}

func (h *MonitorHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	records, cancel := h.feed.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := conn.WriteJSON(outboundMessage{Type: "score", Payload: rec}); err != nil {
				h.log.Debug().Err(err).Msg("ws write failed")
				return
			}
		case <-closed:
			return
		}
	}
}
