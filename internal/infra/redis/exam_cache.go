package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"examtime-bot/internal/app"
	"examtime-bot/internal/domain"
)

// ExamCache caches exam snapshots in Redis (one JSON blob per exam) and
// falls back to the bank on a miss. Lets multiple bot instances share one
// warm cache in front of Postgres.
type ExamCache struct {
	client *redis.Client
	source app.ExamSource
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

type examSnapshot struct {
	Exam      domain.Exam       `json:"exam"`
	Questions []domain.Question `json:"questions"`
}

func NewExamCache(client *redis.Client, source app.ExamSource, ttl time.Duration) *ExamCache {
	return &ExamCache{
		client: client,
		source: source,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *ExamCache) Exam(ctx context.Context, examID string) (domain.Exam, error) {
	snap, err := c.load(ctx, examID)
	if err != nil {
		return domain.Exam{}, err
	}
	return snap.Exam, nil
}

func (c *ExamCache) Questions(ctx context.Context, examID string) ([]domain.Question, error) {
	snap, err := c.load(ctx, examID)
	if err != nil {
		return nil, err
	}
	return snap.Questions, nil
}

func (c *ExamCache) load(ctx context.Context, examID string) (examSnapshot, error) {
	key := snapshotKey(examID)

	if snap, ok := c.cached(ctx, key); ok {
		return snap, nil
	}

	result, err, _ := c.sf.Do(examID, func() (interface{}, error) {
		// Re-check in case another goroutine filled it.
		if snap, ok := c.cached(ctx, key); ok {
			return snap, nil
		}

		exam, err := c.source.Exam(ctx, examID)
		if err != nil {
			return examSnapshot{}, err
		}
		questions, err := c.source.Questions(ctx, examID)
		if err != nil {
			return examSnapshot{}, err
		}

		snap := examSnapshot{Exam: exam, Questions: questions}
		raw, err := json.Marshal(snap)
		if err != nil {
			return examSnapshot{}, err
		}
		_ = c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err()
		return snap, nil
	})
	if err != nil {
		return examSnapshot{}, err
	}
	return result.(examSnapshot), nil
}

func (c *ExamCache) cached(ctx context.Context, key string) (examSnapshot, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) || err != nil {
		return examSnapshot{}, false
	}
	var snap examSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return examSnapshot{}, false
	}
	return snap, true
}

// Invalidate drops the cached snapshot, for use after bank edits.
func (c *ExamCache) Invalidate(ctx context.Context, examID string) {
	_ = c.client.Del(ctx, snapshotKey(examID)).Err()
}

func (c *ExamCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func snapshotKey(examID string) string { return "exam:" + examID + ":snapshot" }
