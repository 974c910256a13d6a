package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"examtime-bot/internal/app"
	"examtime-bot/internal/domain"
)

func TestMonitorStreamsScores(t *testing.T) {
	feed := app.NewResultsFeed()
	handler := NewMonitorHandler(feed, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/results", handler.ServeWS)
	server := httptest.NewServer(mux)
	defer server.Close()

	u := "ws" + server.URL[len("http"):] + "/ws/results"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	rec := domain.ScoreRecord{UserID: "u1", UserName: "Alice", ExamID: "math", Score: 2, TotalQuestions: 3}
	var msg struct {
		Type    string             `json:"type"`
		Payload domain.ScoreRecord `json:"payload"`
	}
	for {
		feed.Publish(rec)
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&msg); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no score message received")
		}
	}
	if msg.Type != "score" || msg.Payload != rec {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMonitorClientDisconnectUnsubscribes(t *testing.T) {
	feed := app.NewResultsFeed()
	handler := NewMonitorHandler(feed, zerolog.Nop())

	server := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer server.Close()

	u := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	// Publishing after the disconnect must not panic or block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			feed.Publish(domain.ScoreRecord{UserID: "u1", Score: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked after disconnect")
	}
}
