package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"examtime-bot/internal/domain"
)

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewSessionStore(newClient(mr), time.Hour), mr
}

func timedSession(userID string) domain.Session {
	return domain.Session{
		UserID: userID,
		ChatID: "chat-1",
		ExamID: "math",
		Mode:   domain.ModeTimed,
		Questions: []domain.Question{
			{ID: "q1", Text: "2+2?", Options: []string{"3", "4"}, CorrectOption: 1, Order: 1},
			{ID: "q2", Text: "3*3?", Options: []string{"9", "6"}, CorrectOption: 0, Order: 2},
		},
		TimePerQuestion: 30,
		LastPollID:      "poll-1",
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.Get(ctx, "u1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Create(ctx, timedSession("u1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ExamID != "math" || len(got.Questions) != 2 || got.LastPollID != "poll-1" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestSessionTTLRefreshedOnUpdate(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	_ = store.Create(ctx, timedSession("u1"))

	if ttl := mr.TTL("session:u1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl on create, got %v", ttl)
	}

	mr.FastForward(30 * time.Minute)
	if _, err := store.Update(ctx, "u1", func(s domain.Session) (domain.Session, error) {
		s.CurrentIndex++
		return s, nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if ttl := mr.TTL("session:u1"); ttl != time.Hour {
		t.Fatalf("expected ttl refreshed to 1h, got %v", ttl)
	}
}

func TestUpdatePassesThroughFnError(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_ = store.Create(ctx, timedSession("u1"))

	_, err := store.Update(ctx, "u1", func(domain.Session) (domain.Session, error) {
		return domain.Session{}, domain.ErrStalePoll
	})
	if !errors.Is(err, domain.ErrStalePoll) {
		t.Fatalf("expected stale poll passed through, got %v", err)
	}
	got, _ := store.Get(ctx, "u1")
	if got.CurrentIndex != 0 {
		t.Fatalf("aborted update must not write, got %+v", got)
	}
}

func TestFinalizeCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_ = store.Create(ctx, timedSession("u1"))

	rec, err := store.Finalize(ctx, "u1", func(s domain.Session) (domain.ScoreRecord, error) {
		return domain.ScoreRecord{UserID: "u1", UserName: "Alice", ExamID: s.ExamID, Score: 1, TotalQuestions: 2, Timestamp: 100}, nil
	})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if rec.Score != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := store.Get(ctx, "u1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session deleted, got %v", err)
	}
	taken, err := store.HasScore(ctx, "u1", "math")
	if err != nil || !taken {
		t.Fatalf("expected exam marked taken, got %v %v", taken, err)
	}
	recs, err := store.History(ctx, "u1")
	if err != nil || len(recs) != 1 || recs[0].Score != 1 {
		t.Fatalf("unexpected history: %+v %v", recs, err)
	}
}

func TestFinalizeSecondCallerLoses(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_ = store.Create(ctx, timedSession("u1"))

	record := func(s domain.Session) (domain.ScoreRecord, error) {
		return domain.ScoreRecord{UserID: "u1", ExamID: s.ExamID, Score: 2, TotalQuestions: 2}, nil
	}
	if _, err := store.Finalize(ctx, "u1", record); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if _, err := store.Finalize(ctx, "u1", record); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected second finalize to lose, got %v", err)
	}
	recs, _ := store.History(ctx, "u1")
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
}

func TestRankingKeepsBestScorePerStudent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	finalize := func(userID string, score int) {
		t.Helper()
		_ = store.Create(ctx, timedSession(userID))
		if _, err := store.Finalize(ctx, userID, func(s domain.Session) (domain.ScoreRecord, error) {
			return domain.ScoreRecord{UserID: userID, ExamID: "math", Score: score, TotalQuestions: 2}, nil
		}); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
	}
	finalize("u1", 2)
	finalize("u1", 0) // a worse retake keeps the old ranking entry
	finalize("u2", 1)

	rank, err := store.Ranking(ctx, "math", 10)
	if err != nil {
		t.Fatalf("ranking failed: %v", err)
	}
	if len(rank) != 2 || rank[0].UserID != "u1" || rank[0].Score != 2 || rank[1].Score != 1 {
		t.Fatalf("unexpected ranking: %+v", rank)
	}
}

func TestHistoryIsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, ts := range []int64{100, 200, 300} {
		_ = store.Create(ctx, timedSession("u1"))
		stamp := ts
		if _, err := store.Finalize(ctx, "u1", func(s domain.Session) (domain.ScoreRecord, error) {
			return domain.ScoreRecord{UserID: "u1", ExamID: "math", Score: 1, TotalQuestions: 2, Timestamp: stamp}, nil
		}); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
	}

	recs, _ := store.History(ctx, "u1")
	if len(recs) != 3 || recs[0].Timestamp != 300 || recs[2].Timestamp != 100 {
		t.Fatalf("expected newest first, got %+v", recs)
	}
}

func TestActiveTimedSkipsUntimedAndExpired(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	_ = store.Create(ctx, timedSession("u1"))
	untimed := timedSession("u2")
	untimed.Mode = domain.ModeUntimed
	_ = store.Create(ctx, untimed)
	_ = store.Create(ctx, timedSession("u3"))

	// u3's session lapses.
	mr.FastForward(2 * time.Hour)
	_ = store.Create(ctx, timedSession("u1"))

	active, err := store.ActiveTimed(ctx)
	if err != nil {
		t.Fatalf("active failed: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "u1" {
		t.Fatalf("expected only u1 active, got %+v", active)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Update(ctx, "ghost", func(s domain.Session) (domain.Session, error) { return s, nil })
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
