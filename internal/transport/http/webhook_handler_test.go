package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"examtime-bot/internal/app"
	"examtime-bot/internal/domain"
	"examtime-bot/internal/infra/memory"
)

type recordingGateway struct {
	mu        sync.Mutex
	messages  []string
	callbacks []string
	alerts    []bool
	polls     int
}

func (g *recordingGateway) SendMessage(_ context.Context, _, text string, _ [][]app.Button) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, text)
	return int64(len(g.messages)), nil
}

func (g *recordingGateway) EditMessage(context.Context, string, int64, string, [][]app.Button) error {
	return nil
}

func (g *recordingGateway) SendPoll(context.Context, string, string, []string, int, int) (string, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	return fmt.Sprintf("poll-%d", g.polls), int64(g.polls), nil
}

func (g *recordingGateway) StopPoll(context.Context, string, int64) error { return nil }

func (g *recordingGateway) DeleteMessage(context.Context, string, int64) error { return nil }

func (g *recordingGateway) AnswerCallback(_ context.Context, id, text string, alert bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, text)
	g.alerts = append(g.alerts, alert)
	return nil
}

func newWebhookFixture(t *testing.T) (*WebhookHandler, *recordingGateway, *memory.SessionStore) {
	t.Helper()
	store := memory.NewSessionStore()
	gateway := &recordingGateway{}
	source := memory.NewStaticExamSource(
		[]domain.Exam{{ID: "math", TimePerQuestion: 30, QuestionCount: 1}},
		[]domain.Question{{ID: "q1", ExamID: "math", Text: "2+2?", Options: []string{"3", "4"}, CorrectOption: 1, Order: 1}},
	)
	engine := app.NewEngine(store, store, source, gateway, app.NewResultsFeed(), zerolog.Nop())
	return NewWebhookHandler(engine, gateway, "admin-1", zerolog.Nop()), gateway, store
}

func postUpdate(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeUpdate(w, req)
	return w
}

func TestWebhookAlwaysRespondsOK(t *testing.T) {
	h, _, _ := newWebhookFixture(t)

	for _, body := range []string{
		`not json at all`,
		`{}`,
		`{"poll_answer":{"poll_id":"ghost","user":{"id":1},"option_ids":[0]}}`,
	} {
		if w := postUpdate(t, h, body); w.Code != http.StatusOK {
			t.Fatalf("body %q: expected 200, got %d", body, w.Code)
		}
	}
}

func TestStartCallbackRunsSession(t *testing.T) {
	h, gateway, store := newWebhookFixture(t)

	w := postUpdate(t, h, `{"callback_query":{"id":"cb1","data":"quiz_start:math","from":{"id":7,"username":"alice"}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	s, err := store.Get(context.Background(), "7")
	if err != nil {
		t.Fatalf("expected session created: %v", err)
	}
	if s.ExamID != "math" || s.UserName != "alice" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if gateway.polls != 1 {
		t.Fatalf("expected first poll sent, got %d", gateway.polls)
	}
}

func TestStartCallbackUnknownExamAlerts(t *testing.T) {
	h, gateway, _ := newWebhookFixture(t)

	postUpdate(t, h, `{"callback_query":{"id":"cb1","data":"quiz_start:ghost","from":{"id":7}}}`)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if len(gateway.callbacks) != 1 || !gateway.alerts[0] {
		t.Fatalf("expected one alert callback, got %v %v", gateway.callbacks, gateway.alerts)
	}
	if !strings.Contains(gateway.callbacks[0], "no longer exists") {
		t.Fatalf("unexpected alert text %q", gateway.callbacks[0])
	}
}

func TestRetakeDeniedAlert(t *testing.T) {
	h, gateway, _ := newWebhookFixture(t)

	postUpdate(t, h, `{"callback_query":{"id":"cb1","data":"quiz_start:math","from":{"id":7}}}`)
	// Answer the single question; the session finalizes.
	postUpdate(t, h, `{"poll_answer":{"poll_id":"poll-1","user":{"id":7},"option_ids":[1]}}`)
	postUpdate(t, h, `{"callback_query":{"id":"cb2","data":"quiz_start:math","from":{"id":7}}}`)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	last := gateway.callbacks[len(gateway.callbacks)-1]
	if !strings.Contains(last, "retakes are not allowed") {
		t.Fatalf("expected retake alert, got %q", last)
	}
}

func TestPollAnswerScoresAndFinalizes(t *testing.T) {
	h, _, store := newWebhookFixture(t)

	postUpdate(t, h, `{"callback_query":{"id":"cb1","data":"quiz_start:math","from":{"id":7,"username":"alice"}}}`)
	postUpdate(t, h, `{"poll_answer":{"poll_id":"poll-1","user":{"id":7},"option_ids":[1]}}`)

	recs, err := store.History(context.Background(), "7")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Score != 1 || recs[0].TotalQuestions != 1 {
		t.Fatalf("unexpected history: %+v", recs)
	}
}

func TestResultsCommand(t *testing.T) {
	h, gateway, _ := newWebhookFixture(t)

	postUpdate(t, h, `{"message":{"text":"/results","chat":{"id":7},"from":{"id":7}}}`)

	gateway.mu.Lock()
	empty := gateway.messages[len(gateway.messages)-1]
	gateway.mu.Unlock()
	if empty != "No results recorded yet." {
		t.Fatalf("unexpected empty history reply %q", empty)
	}

	postUpdate(t, h, `{"callback_query":{"id":"cb1","data":"quiz_start:math","from":{"id":7}}}`)
	postUpdate(t, h, `{"poll_answer":{"poll_id":"poll-1","user":{"id":7},"option_ids":[1]}}`)
	postUpdate(t, h, `{"message":{"text":"/results","chat":{"id":7},"from":{"id":7}}}`)

	gateway.mu.Lock()
	reply := gateway.messages[len(gateway.messages)-1]
	gateway.mu.Unlock()
	if !strings.Contains(reply, "math: 1/1") {
		t.Fatalf("unexpected results reply %q", reply)
	}
}

func TestOtherMessagesIgnored(t *testing.T) {
	h, gateway, _ := newWebhookFixture(t)

	postUpdate(t, h, `{"message":{"text":"hello","chat":{"id":7},"from":{"id":7}}}`)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if len(gateway.messages) != 0 {
		t.Fatalf("expected no reply, got %v", gateway.messages)
	}
}
