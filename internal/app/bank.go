package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"examtime-bot/internal/domain"
)

// NewQuestion is admin input for one question, before it gets an id and an
// order position.
type NewQuestion struct {
	Text          string
	Options       []string
	CorrectOption int
}

const (
	minOptions     = 2
	maxOptions     = 10
	maxEditRetries = 3
)

// BankService is the caller-facing surface over the question bank. It
// validates input up front so nothing is ever partially applied, and retries
// a bounded number of times when an edit loses its transaction to a
// concurrent admin. Question-bank editing is low frequency, so a retry that
// still fails is surfaced to the caller.
type BankService struct {
	bank QuestionBank
	log  zerolog.Logger
}

func NewBankService(bank QuestionBank, log zerolog.Logger) *BankService {
	return &BankService{bank: bank, log: log.With().Str("component", "bank").Logger()}
}

// CreateExam creates the exam together with its initial question list.
func (s *BankService) CreateExam(ctx context.Context, exam domain.Exam, questions []NewQuestion) error {
	if exam.ID == "" {
		return fmt.Errorf("exam id must not be empty")
	}
	qs, err := toQuestions(exam.ID, questions)
	if err != nil {
		return err
	}
	exam.QuestionCount = len(qs)
	return retryOnConflict(maxEditRetries, func() error {
		return s.bank.CreateExam(ctx, exam, qs)
	})
}

// InsertQuestions adds questions after position afterOrder; nil appends at
// the end. Later questions are renumbered in the same transaction.
func (s *BankService) InsertQuestions(ctx context.Context, examID string, afterOrder *int, questions []NewQuestion) error {
	if len(questions) == 0 {
		return fmt.Errorf("no questions to insert")
	}
	qs, err := toQuestions(examID, questions)
	if err != nil {
		return err
	}
	after := -1 // append
	if afterOrder != nil {
		if *afterOrder < 0 {
			return fmt.Errorf("afterOrder %d out of range", *afterOrder)
		}
		after = *afterOrder
	}
	return retryOnConflict(maxEditRetries, func() error {
		return s.bank.InsertAfter(ctx, examID, after, qs)
	})
}

// DeleteQuestion removes one question and renumbers the rest.
func (s *BankService) DeleteQuestion(ctx context.Context, examID, questionID string) error {
	return retryOnConflict(maxEditRetries, func() error {
		return s.bank.DeleteQuestion(ctx, examID, questionID)
	})
}

// DeleteExam removes the exam and all its questions.
func (s *BankService) DeleteExam(ctx context.Context, examID string) error {
	return retryOnConflict(maxEditRetries, func() error {
		return s.bank.DeleteExam(ctx, examID)
	})
}

func toQuestions(examID string, in []NewQuestion) ([]domain.Question, error) {
	out := make([]domain.Question, 0, len(in))
	for i, q := range in {
		if err := validateQuestion(q); err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
		out = append(out, domain.Question{
			ExamID:        examID,
			Text:          q.Text,
			Options:       q.Options,
			CorrectOption: q.CorrectOption,
		})
	}
	return out, nil
}

func validateQuestion(q NewQuestion) error {
	if q.Text == "" {
		return fmt.Errorf("text must not be empty")
	}
	if len(q.Options) < minOptions || len(q.Options) > maxOptions {
		return fmt.Errorf("need between %d and %d options, got %d", minOptions, maxOptions, len(q.Options))
	}
	if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
		return fmt.Errorf("correct option %d out of range", q.CorrectOption)
	}
	return nil
}
