package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"examtime-bot/internal/app"
	"examtime-bot/internal/domain"
)

// WebhookHandler receives Telegram updates and routes them into the engine.
// It always answers 200 so Telegram marks the update as delivered; failures
// are logged and reported to the admin chat, never echoed to the gateway.
type WebhookHandler struct {
	engine      *app.Engine
	gateway     app.ChatGateway
	adminChatID string
	log         zerolog.Logger
}

func NewWebhookHandler(engine *app.Engine, gateway app.ChatGateway, adminChatID string, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		engine:      engine,
		gateway:     gateway,
		adminChatID: adminChatID,
		log:         log.With().Str("component", "webhook").Logger(),
	}
}

type tgUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

func (u tgUser) displayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

type tgUpdate struct {
	Message *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From tgUser `json:"from"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From tgUser `json:"from"`
	} `json:"callback_query"`
	PollAnswer *struct {
		PollID    string `json:"poll_id"`
		User      tgUser `json:"user"`
		OptionIDs []int  `json:"option_ids"`
	} `json:"poll_answer"`
}

func (h *WebhookHandler) ServeUpdate(w http.ResponseWriter, r *http.Request) {
	// Telegram redelivers until it sees 200, so the response never depends
	// on whether handling succeeded.
	defer func() {
		if rec := recover(); rec != nil {
			h.notifyAdmin(r, fmt.Sprintf("webhook panic: %v", rec))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}()

	var update tgUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.log.Warn().Err(err).Msg("undecodable update")
		return
	}

	ctx := r.Context()
	switch {
	case update.PollAnswer != nil:
		h.engine.HandleAnswer(ctx, domain.AnswerEvent{
			PollID:          update.PollAnswer.PollID,
			UserID:          strconv.FormatInt(update.PollAnswer.User.ID, 10),
			SelectedOptions: update.PollAnswer.OptionIDs,
		})
	case update.CallbackQuery != nil:
		h.handleCallback(r, update)
	case update.Message != nil:
		h.handleMessage(r, update)
	}
}

func (h *WebhookHandler) handleCallback(r *http.Request, update tgUpdate) {
	ctx := r.Context()
	cb := update.CallbackQuery
	userID := strconv.FormatInt(cb.From.ID, 10)

	switch {
	case strings.HasPrefix(cb.Data, app.CallbackStartPrefix):
		examID := strings.TrimPrefix(cb.Data, app.CallbackStartPrefix)
		err := h.engine.Start(ctx, userID, userID, cb.From.displayName(), examID)
		switch {
		case errors.Is(err, domain.ErrRetakeDenied):
			_ = h.gateway.AnswerCallback(ctx, cb.ID, "You already took this exam and retakes are not allowed.", true)
		case errors.Is(err, domain.ErrEmptyExam):
			_ = h.gateway.AnswerCallback(ctx, cb.ID, "This exam has no questions yet.", true)
		case errors.Is(err, domain.ErrExamNotFound):
			_ = h.gateway.AnswerCallback(ctx, cb.ID, "This exam no longer exists.", true)
		case err != nil:
			h.notifyAdmin(r, fmt.Sprintf("start %s for %s: %v", examID, userID, err))
			_ = h.gateway.AnswerCallback(ctx, cb.ID, "Something went wrong, try again.", true)
		default:
			_ = h.gateway.AnswerCallback(ctx, cb.ID, "", false)
		}
	case cb.Data == app.CallbackNextBatch:
		_ = h.gateway.AnswerCallback(ctx, cb.ID, "", false)
		if err := h.engine.NextBatch(ctx, userID); err != nil {
			h.log.Debug().Err(err).Str("user", userID).Msg("next batch not dispatched")
		}
	case cb.Data == app.CallbackFinish:
		_ = h.gateway.AnswerCallback(ctx, cb.ID, "", false)
		if err := h.engine.FinishUntimed(ctx, userID); err != nil {
			h.log.Debug().Err(err).Str("user", userID).Msg("finish skipped")
		}
	default:
		_ = h.gateway.AnswerCallback(ctx, cb.ID, "", false)
	}
}

func (h *WebhookHandler) handleMessage(r *http.Request, update tgUpdate) {
	ctx := r.Context()
	msg := update.Message
	if msg.Text != "/results" {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	records, err := h.engine.History(ctx, userID)
	if err != nil {
		h.notifyAdmin(r, fmt.Sprintf("history for %s: %v", userID, err))
		return
	}
	_, _ = h.gateway.SendMessage(ctx, chatID, formatHistory(records), nil)
}

func formatHistory(records []domain.ScoreRecord) string {
	if len(records) == 0 {
		return "No results recorded yet."
	}
	var b strings.Builder
	b.WriteString("Your past results:\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "%s: %d/%d\n", rec.ExamID, rec.Score, rec.TotalQuestions)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *WebhookHandler) notifyAdmin(r *http.Request, text string) {
	h.log.Error().Str("detail", text).Msg("update handling failed")
	if h.adminChatID == "" {
		return
	}
	_, _ = h.gateway.SendMessage(r.Context(), h.adminChatID, "Bot error: "+text, nil)
}
