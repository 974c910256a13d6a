package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"examtime-bot/internal/domain"
)

// Callback data for the untimed control affordance.
const (
	CallbackStartPrefix = "quiz_start:"
	CallbackNextBatch   = "quiz_next"
	CallbackFinish      = "quiz_finish"
)

// Dispatcher turns questions into outbound polls. Delivery failures are
// reported but never retried here: a question that was not delivered simply
// has no poll mapping, which is a safe state (it can only ever resolve as
// unanswered).
type Dispatcher struct {
	gateway ChatGateway
	log     zerolog.Logger
}

func NewDispatcher(gateway ChatGateway, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{gateway: gateway, log: log.With().Str("component", "dispatcher").Logger()}
}

// Question emits one poll for questions[index]. Timed sessions get the
// per-question open period so the poll closes on its own client-side.
func (d *Dispatcher) Question(ctx context.Context, s domain.Session, index int) (pollID string, messageID int64, err error) {
	if index < 0 || index >= len(s.Questions) {
		return "", 0, fmt.Errorf("question index %d out of range", index)
	}
	q := s.Questions[index]
	text := fmt.Sprintf("[%d/%d] %s", index+1, len(s.Questions), q.Text)

	openPeriod := 0
	if s.Timed() {
		openPeriod = s.TimePerQuestion
	}
	pollID, messageID, err = d.gateway.SendPoll(ctx, s.ChatID, text, q.Options, q.CorrectOption, openPeriod)
	if err != nil {
		d.log.Warn().Err(err).Str("user", s.UserID).Int("index", index).Msg("poll delivery failed, question will count as unanswered")
		return "", 0, err
	}
	return pollID, messageID, nil
}

// Batch emits polls for questions[start:end] and then sends or refreshes the
// single control message. The returned map contains only the polls that were
// actually delivered.
func (d *Dispatcher) Batch(ctx context.Context, s domain.Session, start, end int) (polls map[string]int, controlID int64) {
	polls = make(map[string]int, end-start)
	for i := start; i < end; i++ {
		pollID, _, err := d.Question(ctx, s, i)
		if err != nil {
			continue
		}
		polls[pollID] = i
	}

	text := fmt.Sprintf("Sent questions %d-%d of %d.", start+1, end, len(s.Questions))
	var row []Button
	if end >= len(s.Questions) {
		row = []Button{{Text: "Finish and get my score", Data: CallbackFinish}}
	} else {
		row = []Button{{Text: "Next questions", Data: CallbackNextBatch}}
	}

	controlID = s.ControlMessageID
	if controlID != 0 {
		if err := d.gateway.EditMessage(ctx, s.ChatID, controlID, text, [][]Button{row}); err == nil {
			return polls, controlID
		}
		// Fall through to a fresh message if the edit failed.
	}
	id, err := d.gateway.SendMessage(ctx, s.ChatID, text, [][]Button{row})
	if err != nil {
		d.log.Warn().Err(err).Str("user", s.UserID).Msg("control message delivery failed")
		return polls, s.ControlMessageID
	}
	return polls, id
}
