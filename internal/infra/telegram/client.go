package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"examtime-bot/internal/app"
)

const defaultBaseURL = "https://api.telegram.org"

// Client talks to the Telegram Bot API over plain JSON POSTs. It implements
// app.ChatGateway; the engine treats it as an opaque RPC boundary and never
// retries deliveries through it.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
}

func NewClient(token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL + "/bot" + token,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

// NewClientWithBaseURL points the client at a different API host (tests).
func NewClientWithBaseURL(token, baseURL string, log zerolog.Logger) *Client {
	c := NewClient(token, log)
	c.baseURL = baseURL + "/bot" + token
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: encode params: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !decoded.OK {
		return fmt.Errorf("%s: telegram: %s", method, decoded.Description)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

func keyboard(buttons [][]app.Button) *inlineKeyboard {
	if len(buttons) == 0 {
		return nil
	}
	kb := &inlineKeyboard{InlineKeyboard: make([][]inlineButton, 0, len(buttons))}
	for _, row := range buttons {
		out := make([]inlineButton, 0, len(row))
		for _, b := range row {
			out = append(out, inlineButton{Text: b.Text, CallbackData: b.Data})
		}
		kb.InlineKeyboard = append(kb.InlineKeyboard, out)
	}
	return kb
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
	Poll      struct {
		ID string `json:"id"`
	} `json:"poll"`
}

func (c *Client) SendMessage(ctx context.Context, chatID, text string, buttons [][]app.Button) (int64, error) {
	params := map[string]any{"chat_id": chatID, "text": text}
	if kb := keyboard(buttons); kb != nil {
		params["reply_markup"] = kb
	}
	var result messageResult
	if err := c.call(ctx, "sendMessage", params, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

func (c *Client) EditMessage(ctx context.Context, chatID string, messageID int64, text string, buttons [][]app.Button) error {
	params := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	if kb := keyboard(buttons); kb != nil {
		params["reply_markup"] = kb
	}
	return c.call(ctx, "editMessageText", params, nil)
}

// SendPoll emits a non-anonymous quiz poll. openPeriodSeconds > 0 makes the
// client close the poll on its own; the sweep remains the authority on
// advancement either way.
func (c *Client) SendPoll(ctx context.Context, chatID, question string, options []string, correctOption, openPeriodSeconds int) (string, int64, error) {
	params := map[string]any{
		"chat_id":           chatID,
		"question":          question,
		"options":           options,
		"type":              "quiz",
		"is_anonymous":      false,
		"correct_option_id": correctOption,
	}
	if openPeriodSeconds > 0 {
		params["open_period"] = openPeriodSeconds
	}
	var result messageResult
	if err := c.call(ctx, "sendPoll", params, &result); err != nil {
		return "", 0, err
	}
	return result.Poll.ID, result.MessageID, nil
}

func (c *Client) StopPoll(ctx context.Context, chatID string, messageID int64) error {
	return c.call(ctx, "stopPoll", map[string]any{"chat_id": chatID, "message_id": messageID}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": messageID}, nil)
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	params := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	if alert {
		params["show_alert"] = true
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// SetWebhook registers url as the bot's update webhook.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", map[string]any{"url": url}, nil)
}
