package app

import "context"

// Button is one inline keyboard button; Data comes back in callback queries.
type Button struct {
	Text string
	Data string
}

// ChatGateway abstracts the chat platform. Implementations are an opaque RPC
// boundary; the engine never retries deliveries inline.
type ChatGateway interface {
	SendMessage(ctx context.Context, chatID, text string, buttons [][]Button) (messageID int64, err error)
	EditMessage(ctx context.Context, chatID string, messageID int64, text string, buttons [][]Button) error
	SendPoll(ctx context.Context, chatID, question string, options []string, correctOption, openPeriodSeconds int) (pollID string, messageID int64, err error)
	StopPoll(ctx context.Context, chatID string, messageID int64) error
	DeleteMessage(ctx context.Context, chatID string, messageID int64) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}
