package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"examtime-bot/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore and
// app.ScoreStore for single-instance deployments and tests. Transactions
// serialize on one mutex, which gives the same observable semantics as the
// Redis store's optimistic commits: fn always runs against the freshest
// state, and the semantic guards inside fn decide races.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	history  map[string][]domain.ScoreRecord
	taken    map[string]map[string]struct{}
	ranking  map[string]map[string]int
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]domain.Session),
		history:  make(map[string][]domain.ScoreRecord),
		taken:    make(map[string]map[string]struct{}),
		ranking:  make(map[string]map[string]int),
	}
}

func (s *SessionStore) Get(_ context.Context, userID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return clone(sess), nil
}

func (s *SessionStore) Create(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = clone(sess)
	return nil
}

func (s *SessionStore) Update(_ context.Context, userID string, fn func(domain.Session) (domain.Session, error)) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[userID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	next, err := fn(clone(cur))
	if err != nil {
		return domain.Session{}, err
	}
	s.sessions[userID] = clone(next)
	return next, nil
}

func (s *SessionStore) Finalize(_ context.Context, userID string, fn func(domain.Session) (domain.ScoreRecord, error)) (domain.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[userID]
	if !ok {
		return domain.ScoreRecord{}, domain.ErrSessionNotFound
	}
	rec, err := fn(clone(cur))
	if err != nil {
		return domain.ScoreRecord{}, err
	}

	delete(s.sessions, userID)
	s.history[rec.UserID] = append(s.history[rec.UserID], rec)
	if s.taken[rec.UserID] == nil {
		s.taken[rec.UserID] = make(map[string]struct{})
	}
	s.taken[rec.UserID][rec.ExamID] = struct{}{}
	if s.ranking[rec.ExamID] == nil {
		s.ranking[rec.ExamID] = make(map[string]int)
	}
	if best, ok := s.ranking[rec.ExamID][rec.UserID]; !ok || rec.Score > best {
		s.ranking[rec.ExamID][rec.UserID] = rec.Score
	}
	return rec, nil
}

func (s *SessionStore) ActiveTimed(_ context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.Timed() {
			out = append(out, clone(sess))
		}
	}
	return out, nil
}

func (s *SessionStore) HasScore(_ context.Context, userID, examID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.taken[userID][examID]
	return ok, nil
}

func (s *SessionStore) History(_ context.Context, userID string) ([]domain.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append([]domain.ScoreRecord(nil), s.history[userID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp > recs[j].Timestamp })
	return recs, nil
}

func (s *SessionStore) Ranking(_ context.Context, examID string, top int) ([]domain.RankEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]domain.RankEntry, 0, len(s.ranking[examID]))
	for userID, score := range s.ranking[examID] {
		entries = append(entries, domain.RankEntry{UserID: userID, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})
	if top > 0 && len(entries) > top {
		entries = entries[:top]
	}
	return entries, nil
}

// clone deep-copies a session through JSON so callers can never alias the
// stored maps and slices.
func clone(s domain.Session) domain.Session {
	raw, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out domain.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return s
	}
	return out
}
