package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"examtime-bot/internal/domain"
)

// SessionStore keeps session documents and score records in Redis.
//
// The session document is the unit of mutual exclusion: every mutating call
// runs inside WATCH/MULTI/EXEC on the session key, which is the optimistic
// read-verify-write transaction the engine's transitions are built on. A
// commit that raced a concurrent writer fails its EXEC and surfaces as
// domain.ErrConflict.
//
// Sessions carry a TTL refreshed on every transition; an abandoned untimed
// session is reclaimed when the TTL lapses instead of persisting forever.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func (s *SessionStore) Get(ctx context.Context, userID string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(raw)
}

func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.client.Set(ctx, sessionKey(sess.UserID), raw, s.ttl).Err()
}

func (s *SessionStore) Update(ctx context.Context, userID string, fn func(domain.Session) (domain.Session, error)) (domain.Session, error) {
	key := sessionKey(userID)
	var committed domain.Session

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeSession(raw)
		if err != nil {
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err == nil {
			committed = next
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return domain.Session{}, domain.ErrConflict
	}
	if err != nil {
		return domain.Session{}, err
	}
	return committed, nil
}

func (s *SessionStore) Finalize(ctx context.Context, userID string, fn func(domain.Session) (domain.ScoreRecord, error)) (domain.ScoreRecord, error) {
	key := sessionKey(userID)
	var committed domain.ScoreRecord

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeSession(raw)
		if err != nil {
			return err
		}

		rec, err := fn(cur)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode score: %w", err)
		}

		// Ranking keeps the best score per student; read it during the
		// watched phase so the pipeline stays write-only.
		best, err := tx.ZScore(ctx, rankingKey(rec.ExamID), rec.UserID).Result()
		betterScore := errors.Is(err, redis.Nil) || float64(rec.Score) > best
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		// Session delete and score append commit together; a reader can
		// never see one without the other.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.RPush(ctx, historyKey(rec.UserID), encoded)
			pipe.SAdd(ctx, takenKey(rec.UserID), rec.ExamID)
			if betterScore {
				pipe.ZAdd(ctx, rankingKey(rec.ExamID), redis.Z{Score: float64(rec.Score), Member: rec.UserID})
			}
			return nil
		})
		if err == nil {
			committed = rec
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return domain.ScoreRecord{}, domain.ErrConflict
	}
	if err != nil {
		return domain.ScoreRecord{}, err
	}
	return committed, nil
}

func (s *SessionStore) ActiveTimed(ctx context.Context) ([]domain.Session, error) {
	var out []domain.Session
	iter := s.client.Scan(ctx, 0, "session:*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired or finalized between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("read session %s: %w", iter.Val(), err)
		}
		sess, err := decodeSession(raw)
		if err != nil {
			continue
		}
		if sess.Timed() {
			out = append(out, sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return out, nil
}

func (s *SessionStore) HasScore(ctx context.Context, userID, examID string) (bool, error) {
	return s.client.SIsMember(ctx, takenKey(userID), examID).Result()
}

func (s *SessionStore) History(ctx context.Context, userID string) ([]domain.ScoreRecord, error) {
	raws, err := s.client.LRange(ctx, historyKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	recs := make([]domain.ScoreRecord, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- { // most recent first
		var rec domain.ScoreRecord
		if err := json.Unmarshal([]byte(raws[i]), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *SessionStore) Ranking(ctx context.Context, examID string, top int) ([]domain.RankEntry, error) {
	if top <= 0 {
		top = 10
	}
	zs, err := s.client.ZRevRangeWithScores(ctx, rankingKey(examID), 0, int64(top-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read ranking: %w", err)
	}
	entries := make([]domain.RankEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprint(z.Member)
		}
		entries = append(entries, domain.RankEntry{UserID: member, Score: int(z.Score)})
	}
	return entries, nil
}

func decodeSession(raw []byte) (domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

func sessionKey(userID string) string { return "session:" + userID }
func historyKey(userID string) string { return "scores:" + userID }
func takenKey(userID string) string   { return "taken:" + userID }
func rankingKey(examID string) string { return "ranking:" + examID }
