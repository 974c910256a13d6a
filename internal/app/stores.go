package app

import (
	"context"

	"examtime-bot/internal/domain"
)

// SessionStore is the single source of truth for in-progress sessions. All
// mutating calls are optimistic transactions: fn always sees a fresh read of
// the document, and the commit aborts with domain.ErrConflict when the
// document changed underneath it. A raw read/write pair is never exposed.
type SessionStore interface {
	Get(ctx context.Context, userID string) (domain.Session, error)
	// Create stores a new session, replacing any previous one for the user.
	// Starting a fresh exam abandons an unfinished attempt without a score.
	Create(ctx context.Context, s domain.Session) error
	// Update applies fn to the current session and commits the result. An
	// error returned by fn aborts without writing and is passed through.
	Update(ctx context.Context, userID string, fn func(domain.Session) (domain.Session, error)) (domain.Session, error)
	// Finalize deletes the session and appends the score record produced by
	// fn in one atomic commit. Exactly one of any set of racing finalizers
	// succeeds; the rest observe ErrConflict or ErrSessionNotFound.
	Finalize(ctx context.Context, userID string, fn func(domain.Session) (domain.ScoreRecord, error)) (domain.ScoreRecord, error)
	// ActiveTimed lists sessions in timed mode, for the timeout sweep.
	ActiveTimed(ctx context.Context) ([]domain.Session, error)
}

// ScoreStore reads the append-only score history written by Finalize.
type ScoreStore interface {
	HasScore(ctx context.Context, userID, examID string) (bool, error)
	History(ctx context.Context, userID string) ([]domain.ScoreRecord, error)
	Ranking(ctx context.Context, examID string, top int) ([]domain.RankEntry, error)
}

// ExamSource loads exam metadata and the ordered question list. The engine
// snapshots questions through it at session start; caching decorators sit
// between it and the bank.
type ExamSource interface {
	Exam(ctx context.Context, examID string) (domain.Exam, error)
	Questions(ctx context.Context, examID string) ([]domain.Question, error)
}

// QuestionBank is the authoritative ordered question storage. Reorder
// operations renumber atomically; the order values for an exam are always
// the dense sequence 1..questionCount for any reader.
type QuestionBank interface {
	ExamSource
	CreateExam(ctx context.Context, exam domain.Exam, questions []domain.Question) error
	DeleteExam(ctx context.Context, examID string) error
	// InsertAfter inserts questions directly after afterOrder (0 = prepend)
	// and shifts every later question up by len(questions).
	InsertAfter(ctx context.Context, examID string, afterOrder int, questions []domain.Question) error
	// DeleteQuestion removes one question and shifts every later question
	// down by one.
	DeleteQuestion(ctx context.Context, examID, questionID string) error
}
