package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"examtime-bot/internal/domain"
)

const (
	defaultBatchSize = 10
	defaultGrace     = 2 * time.Second
)

// Engine drives exam sessions through their state machine. It is invoked by
// independent triggers (inbound answers, the timeout sweep, user actions)
// and every transition that can race runs as one optimistic transaction
// against the session store; the losing side of a race detects the mismatch
// and no-ops.
type Engine struct {
	sessions SessionStore
	scores   ScoreStore
	exams    ExamSource
	dispatch *Dispatcher
	gateway  ChatGateway
	feed     *ResultsFeed
	log      zerolog.Logger

	batchSize int
	grace     time.Duration
	now       func() time.Time
}

func NewEngine(sessions SessionStore, scores ScoreStore, exams ExamSource, gateway ChatGateway, feed *ResultsFeed, log zerolog.Logger) *Engine {
	return &Engine{
		sessions:  sessions,
		scores:    scores,
		exams:     exams,
		dispatch:  NewDispatcher(gateway, log),
		gateway:   gateway,
		feed:      feed,
		log:       log.With().Str("component", "engine").Logger(),
		batchSize: defaultBatchSize,
		grace:     defaultGrace,
		now:       time.Now,
	}
}

// WithBatchSize sets how many untimed questions go out per batch.
func (e *Engine) WithBatchSize(n int) *Engine {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithGrace sets the slack added to per-question deadlines before the sweep
// forces advancement.
func (e *Engine) WithGrace(d time.Duration) *Engine {
	if d >= 0 {
		e.grace = d
	}
	return e
}

// WithClock is test-only for deterministic timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Start begins a new attempt at examID for the student. It snapshots the
// exam's questions so that later bank edits never reach this session, then
// dispatches the first question (timed) or the first batch (untimed). An
// unfinished previous session of the same student is abandoned.
func (e *Engine) Start(ctx context.Context, userID, chatID, userName, examID string) error {
	exam, err := e.exams.Exam(ctx, examID)
	if err != nil {
		return err
	}
	if !exam.AllowRetake {
		taken, err := e.scores.HasScore(ctx, userID, examID)
		if err != nil {
			return fmt.Errorf("check history: %w", err)
		}
		if taken {
			return domain.ErrRetakeDenied
		}
	}

	questions, err := e.exams.Questions(ctx, examID)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return domain.ErrEmptyExam
	}

	s := domain.Session{
		UserID:    userID,
		ChatID:    chatID,
		UserName:  userName,
		ExamID:    examID,
		Questions: questions,
	}
	if exam.TimePerQuestion > 0 {
		s.Mode = domain.ModeTimed
		s.TimePerQuestion = exam.TimePerQuestion
		s.LastQuestionAt = e.now().UnixMilli()
	} else {
		s.Mode = domain.ModeUntimed
		s.BatchSize = e.batchSize
		s.Answers = make(map[int]int)
		s.PollMap = make(map[string]int)
	}

	if err := e.sessions.Create(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	e.log.Info().Str("user", userID).Str("exam", examID).Str("mode", string(s.Mode)).Int("questions", len(questions)).Msg("session started")

	if s.Timed() {
		e.dispatchCurrent(ctx, s)
		return nil
	}
	return e.NextBatch(ctx, userID)
}

// HandleAnswer consumes one inbound answer event. It never reports an error
// to the caller: stale or mismatched events are expected whenever a timeout
// advanced the question first, and they must leave no side effect.
func (e *Engine) HandleAnswer(ctx context.Context, ev domain.AnswerEvent) {
	s, err := e.sessions.Get(ctx, ev.UserID)
	if err != nil {
		e.log.Debug().Str("user", ev.UserID).Str("poll", ev.PollID).Msg("answer for unknown session ignored")
		return
	}
	if s.Timed() {
		e.answerTimed(ctx, s, ev)
	} else {
		e.answerUntimed(ctx, ev)
	}
}

// answerTimed scores and advances in a single transition guarded by the
// session's active poll id. A mismatch means the answer raced a timeout
// advancement and lost.
func (e *Engine) answerTimed(ctx context.Context, s domain.Session, ev domain.AnswerEvent) {
	if s.LastPollID == "" || s.LastPollID != ev.PollID {
		e.log.Debug().Str("user", ev.UserID).Str("poll", ev.PollID).Msg("stale poll answer discarded")
		return
	}

	if s.CurrentIndex+1 >= len(s.Questions) {
		// Last question: score and finalize in one atomic commit.
		rec, err := e.sessions.Finalize(ctx, ev.UserID, func(cur domain.Session) (domain.ScoreRecord, error) {
			if !cur.Timed() || cur.LastPollID != ev.PollID {
				return domain.ScoreRecord{}, domain.ErrStalePoll
			}
			score := cur.Score
			if ev.Selected() == cur.Questions[cur.CurrentIndex].CorrectOption {
				score++
			}
			return e.scoreRecord(cur, score), nil
		})
		if err != nil {
			e.noteLost("finalize", ev.UserID, err)
			return
		}
		e.finishUp(ctx, s.ChatID, 0, rec)
		return
	}

	committed, err := e.sessions.Update(ctx, ev.UserID, func(cur domain.Session) (domain.Session, error) {
		if !cur.Timed() || cur.LastPollID != ev.PollID {
			return domain.Session{}, domain.ErrStalePoll
		}
		if ev.Selected() == cur.Questions[cur.CurrentIndex].CorrectOption {
			cur.Score++
		}
		cur.CurrentIndex++
		cur.LastPollID = ""
		cur.LastMessageID = 0
		cur.LastQuestionAt = e.now().UnixMilli()
		return cur, nil
	})
	if err != nil {
		e.noteLost("advance", ev.UserID, err)
		return
	}
	e.dispatchCurrent(ctx, committed)
}

// answerUntimed records the answer against whichever question the poll maps
// to. Batches are fully in flight at once, so any poll may be answered in
// any order; nothing advances or scores here.
func (e *Engine) answerUntimed(ctx context.Context, ev domain.AnswerEvent) {
	err := retryOnConflict(3, func() error {
		_, err := e.sessions.Update(ctx, ev.UserID, func(cur domain.Session) (domain.Session, error) {
			idx, ok := cur.PollMap[ev.PollID]
			if !ok {
				return domain.Session{}, domain.ErrStalePoll
			}
			if cur.Answers == nil {
				cur.Answers = make(map[int]int)
			}
			if sel := ev.Selected(); sel < 0 {
				delete(cur.Answers, idx) // retracted vote
			} else {
				cur.Answers[idx] = sel
			}
			return cur, nil
		})
		return err
	})
	if err != nil {
		e.noteLost("record answer", ev.UserID, err)
	}
}

// NextBatch reserves the next slice of undispatched questions, emits their
// polls, and records the delivered poll mapping. The reservation commits
// before anything is sent, so a double-tap of the control button cannot
// dispatch the same questions twice.
func (e *Engine) NextBatch(ctx context.Context, userID string) error {
	var start, end int
	committed, err := e.sessions.Update(ctx, userID, func(cur domain.Session) (domain.Session, error) {
		if cur.Timed() {
			return domain.Session{}, domain.ErrStalePoll
		}
		start = cur.QuestionsSent
		if start >= len(cur.Questions) {
			return domain.Session{}, domain.ErrStalePoll
		}
		end = start + cur.BatchSize
		if end > len(cur.Questions) {
			end = len(cur.Questions)
		}
		cur.QuestionsSent = end
		return cur, nil
	})
	if err != nil {
		e.noteLost("reserve batch", userID, err)
		return err
	}

	polls, controlID := e.dispatch.Batch(ctx, committed, start, end)

	err = retryOnConflict(3, func() error {
		_, err := e.sessions.Update(ctx, userID, func(cur domain.Session) (domain.Session, error) {
			if cur.PollMap == nil {
				cur.PollMap = make(map[string]int)
			}
			for pollID, idx := range polls {
				cur.PollMap[pollID] = idx
			}
			cur.ControlMessageID = controlID
			return cur, nil
		})
		return err
	})
	if err != nil {
		// Undelivered mapping entries only mean those polls resolve as
		// unanswered; finalize still succeeds.
		e.noteLost("record batch", userID, err)
	}
	return nil
}

// FinishUntimed computes the final score from the collected answers, writes
// exactly one score record, and deletes the session atomically.
func (e *Engine) FinishUntimed(ctx context.Context, userID string) error {
	var chatID string
	var controlID int64
	rec, err := e.sessions.Finalize(ctx, userID, func(cur domain.Session) (domain.ScoreRecord, error) {
		if cur.Timed() {
			return domain.ScoreRecord{}, domain.ErrStalePoll
		}
		chatID = cur.ChatID
		controlID = cur.ControlMessageID
		return e.scoreRecord(cur, cur.UntimedScore()), nil
	})
	if err != nil {
		e.noteLost("finish", userID, err)
		return err
	}
	e.finishUp(ctx, chatID, controlID, rec)
	return nil
}

// History returns the student's past results, most recent first.
func (e *Engine) History(ctx context.Context, userID string) ([]domain.ScoreRecord, error) {
	return e.scores.History(ctx, userID)
}

// Ranking returns the best scores for an exam.
func (e *Engine) Ranking(ctx context.Context, examID string, top int) ([]domain.RankEntry, error) {
	return e.scores.Ranking(ctx, examID, top)
}

// dispatchCurrent sends the poll for the session's current question and then
// records its ids with a second, smaller compare-and-swap. The advancing
// transition has already committed with an empty poll id, so a failed send
// simply leaves the question unanswerable and the sweep moves past it at the
// deadline.
func (e *Engine) dispatchCurrent(ctx context.Context, s domain.Session) {
	pollID, messageID, err := e.dispatch.Question(ctx, s, s.CurrentIndex)
	if err != nil {
		return
	}
	expected := s.CurrentIndex
	_, err = e.sessions.Update(ctx, s.UserID, func(cur domain.Session) (domain.Session, error) {
		if !cur.Timed() || cur.CurrentIndex != expected || cur.LastPollID != "" {
			return domain.Session{}, domain.ErrStalePoll
		}
		cur.LastPollID = pollID
		cur.LastMessageID = messageID
		return cur, nil
	})
	if err != nil {
		e.noteLost("record poll", s.UserID, err)
	}
}

func (e *Engine) scoreRecord(s domain.Session, score int) domain.ScoreRecord {
	return domain.ScoreRecord{
		UserID:         s.UserID,
		UserName:       s.UserName,
		ExamID:         s.ExamID,
		Score:          score,
		TotalQuestions: len(s.Questions),
		Timestamp:      e.now().UnixMilli(),
	}
}

// finishUp delivers the result to the student and publishes the record.
// The session is already gone; everything here is best effort.
func (e *Engine) finishUp(ctx context.Context, chatID string, controlID int64, rec domain.ScoreRecord) {
	text := fmt.Sprintf("Exam %s finished. Your score: %d/%d.", rec.ExamID, rec.Score, rec.TotalQuestions)
	if controlID != 0 {
		if err := e.gateway.EditMessage(ctx, chatID, controlID, text, nil); err != nil {
			_, _ = e.gateway.SendMessage(ctx, chatID, text, nil)
		}
	} else {
		_, _ = e.gateway.SendMessage(ctx, chatID, text, nil)
	}
	if e.feed != nil {
		e.feed.Publish(rec)
	}
	e.log.Info().Str("user", rec.UserID).Str("exam", rec.ExamID).Int("score", rec.Score).Int("total", rec.TotalQuestions).Msg("session finalized")
}

// noteLost classifies a failed transition. Losing a race or seeing a stale
// poll is the designed outcome for one of two concurrent triggers and is not
// a failure.
func (e *Engine) noteLost(op, userID string, err error) {
	if errors.Is(err, domain.ErrStalePoll) || errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrSessionNotFound) {
		e.log.Debug().Str("user", userID).Str("op", op).Msg("transition already handled elsewhere")
		return
	}
	e.log.Warn().Err(err).Str("user", userID).Str("op", op).Msg("transition failed")
}

// retryOnConflict re-runs fn while it loses optimistic transactions, up to
// attempts tries. Only ErrConflict is retried; every other error is final.
func retryOnConflict(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return err
}
