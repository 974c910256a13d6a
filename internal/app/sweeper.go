package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"examtime-bot/internal/domain"
)

// RunTimeoutSweep scans active timed sessions and force-advances every one
// whose current question is past its deadline plus grace. Advancement uses
// the same compare-and-swap transition as the answer path, keyed on the
// LastQuestionAt value observed at scan time, so a session that moved in the
// meantime is skipped without side effects. Safe to invoke back to back.
func (e *Engine) RunTimeoutSweep(ctx context.Context) (int, error) {
	sessions, err := e.sessions.ActiveTimed(ctx)
	if err != nil {
		return 0, err
	}

	advanced := 0
	now := e.now().UnixMilli()
	for _, s := range sessions {
		if !s.Timed() || s.TimePerQuestion <= 0 {
			continue
		}
		deadline := s.LastQuestionAt + int64(s.TimePerQuestion)*1000 + e.grace.Milliseconds()
		if now <= deadline {
			continue
		}
		if e.forceAdvance(ctx, s) {
			advanced++
		}
	}
	return advanced, nil
}

// forceAdvance moves the observed session past its unanswered question, or
// finalizes it when that question was the last one. Returns false when
// another trigger got there first.
func (e *Engine) forceAdvance(ctx context.Context, observed domain.Session) bool {
	if observed.CurrentIndex+1 >= len(observed.Questions) {
		rec, err := e.sessions.Finalize(ctx, observed.UserID, func(cur domain.Session) (domain.ScoreRecord, error) {
			if !cur.Timed() || cur.LastQuestionAt != observed.LastQuestionAt {
				return domain.ScoreRecord{}, domain.ErrConflict
			}
			return e.scoreRecord(cur, cur.Score), nil
		})
		if err != nil {
			e.noteLost("sweep finalize", observed.UserID, err)
			return false
		}
		e.stopStalePoll(ctx, observed)
		e.finishUp(ctx, observed.ChatID, 0, rec)
		return true
	}

	committed, err := e.sessions.Update(ctx, observed.UserID, func(cur domain.Session) (domain.Session, error) {
		if !cur.Timed() || cur.LastQuestionAt != observed.LastQuestionAt {
			return domain.Session{}, domain.ErrConflict
		}
		cur.CurrentIndex++
		cur.LastPollID = ""
		cur.LastMessageID = 0
		cur.LastQuestionAt = e.now().UnixMilli()
		return cur, nil
	})
	if err != nil {
		e.noteLost("sweep advance", observed.UserID, err)
		return false
	}
	e.log.Info().Str("user", observed.UserID).Int("index", observed.CurrentIndex).Msg("question timed out, advancing")
	e.stopStalePoll(ctx, observed)
	e.dispatchCurrent(ctx, committed)
	return true
}

// stopStalePoll closes the timed-out poll. The gateway usually closed it
// already via the open period, so failures are expected.
func (e *Engine) stopStalePoll(ctx context.Context, observed domain.Session) {
	if observed.LastMessageID == 0 {
		return
	}
	_ = e.gateway.StopPoll(ctx, observed.ChatID, observed.LastMessageID)
}

// Sweeper triggers the timeout sweep on a fixed coarse schedule, for
// deployments without an external cron hitting the sweep endpoint.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      zerolog.Logger
}

func NewSweeper(engine *Engine, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{engine: engine, interval: interval, log: log.With().Str("component", "sweeper").Logger()}
}

// Run blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.engine.RunTimeoutSweep(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("advanced", n).Msg("sweep advanced sessions")
			}
		}
	}
}
