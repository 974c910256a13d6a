package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"examtime-bot/internal/app"
	"examtime-bot/internal/domain"
)

// ExamCache caches exam snapshots with a TTL to keep session starts and
// menu reads off the bank. The per-session question snapshot, not this
// cache, is what isolates an in-progress session from bank edits, so the
// TTL stays short.
type ExamCache struct {
	source app.ExamSource
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedExam
}

type cachedExam struct {
	exam      domain.Exam
	questions []domain.Question
	expiresAt time.Time
}

func NewExamCache(source app.ExamSource, ttl time.Duration) *ExamCache {
	return &ExamCache{
		source: source,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedExam),
	}
}

func (c *ExamCache) Exam(ctx context.Context, examID string) (domain.Exam, error) {
	entry, err := c.load(ctx, examID)
	if err != nil {
		return domain.Exam{}, err
	}
	return entry.exam, nil
}

func (c *ExamCache) Questions(ctx context.Context, examID string) ([]domain.Question, error) {
	entry, err := c.load(ctx, examID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Question(nil), entry.questions...), nil
}

func (c *ExamCache) load(ctx context.Context, examID string) (cachedExam, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[examID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(examID, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[examID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry, nil
		}
		c.mu.RUnlock()

		exam, err := c.source.Exam(ctx, examID)
		if err != nil {
			return cachedExam{}, err
		}
		questions, err := c.source.Questions(ctx, examID)
		if err != nil {
			return cachedExam{}, err
		}

		entry := cachedExam{
			exam:      exam,
			questions: questions,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Lock()
		c.cache[examID] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return cachedExam{}, err
	}
	return result.(cachedExam), nil
}

func (c *ExamCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticExamSource serves a fixed exam set (useful for tests/demos).
type StaticExamSource struct {
	exams     map[string]domain.Exam
	questions map[string][]domain.Question
}

func NewStaticExamSource(exams []domain.Exam, questions []domain.Question) *StaticExamSource {
	s := &StaticExamSource{
		exams:     make(map[string]domain.Exam, len(exams)),
		questions: make(map[string][]domain.Question),
	}
	for _, e := range exams {
		s.exams[e.ID] = e
	}
	for _, q := range questions {
		s.questions[q.ExamID] = append(s.questions[q.ExamID], q)
	}
	return s
}

func (s *StaticExamSource) Exam(_ context.Context, examID string) (domain.Exam, error) {
	exam, ok := s.exams[examID]
	if !ok {
		return domain.Exam{}, domain.ErrExamNotFound
	}
	return exam, nil
}

func (s *StaticExamSource) Questions(_ context.Context, examID string) ([]domain.Question, error) {
	if _, ok := s.exams[examID]; !ok {
		return nil, domain.ErrExamNotFound
	}
	return append([]domain.Question(nil), s.questions[examID]...), nil
}
