package domain

import "errors"

var (
	// ErrExamNotFound indicates the referenced exam does not exist.
	ErrExamNotFound = errors.New("exam not found")
	// ErrQuestionNotFound indicates the referenced question does not exist.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrEmptyExam is returned when starting an exam that has no questions.
	ErrEmptyExam = errors.New("exam has no questions")
	// ErrRetakeDenied is returned when the exam forbids retakes and the
	// student already has a recorded score for it.
	ErrRetakeDenied = errors.New("retake not allowed")
	// ErrSessionNotFound indicates the user has no active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates the user already has an active session.
	ErrSessionExists = errors.New("session already active")
	// ErrConflict signals an optimistic transaction lost to a concurrent
	// writer. For session transitions this means another trigger already
	// handled the advancement; callers treat it as a no-op.
	ErrConflict = errors.New("concurrent modification")
	// ErrStalePoll aborts a transition whose poll is no longer the session's
	// active poll. Expected and frequent; never surfaced as a failure.
	ErrStalePoll = errors.New("stale poll answer")
)
