package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"examtime-bot/internal/app"
	"examtime-bot/internal/domain"
)

// flakyBank fails its first conflicts writes with ErrConflict, then records
// the call.
type flakyBank struct {
	conflicts int
	created   []domain.Exam
	inserted  []struct {
		examID string
		after  int
		count  int
	}
	deletedQuestions []string
	deletedExams     []string
}

func (b *flakyBank) maybeConflict() error {
	if b.conflicts > 0 {
		b.conflicts--
		return domain.ErrConflict
	}
	return nil
}

func (b *flakyBank) Exam(context.Context, string) (domain.Exam, error) {
	return domain.Exam{}, domain.ErrExamNotFound
}

func (b *flakyBank) Questions(context.Context, string) ([]domain.Question, error) {
	return nil, domain.ErrExamNotFound
}

func (b *flakyBank) CreateExam(_ context.Context, exam domain.Exam, _ []domain.Question) error {
	if err := b.maybeConflict(); err != nil {
		return err
	}
	b.created = append(b.created, exam)
	return nil
}

func (b *flakyBank) DeleteExam(_ context.Context, examID string) error {
	if err := b.maybeConflict(); err != nil {
		return err
	}
	b.deletedExams = append(b.deletedExams, examID)
	return nil
}

func (b *flakyBank) InsertAfter(_ context.Context, examID string, after int, questions []domain.Question) error {
	if err := b.maybeConflict(); err != nil {
		return err
	}
	b.inserted = append(b.inserted, struct {
		examID string
		after  int
		count  int
	}{examID, after, len(questions)})
	return nil
}

func (b *flakyBank) DeleteQuestion(_ context.Context, _, questionID string) error {
	if err := b.maybeConflict(); err != nil {
		return err
	}
	b.deletedQuestions = append(b.deletedQuestions, questionID)
	return nil
}

func validNewQuestions() []app.NewQuestion {
	return []app.NewQuestion{
		{Text: "2+2?", Options: []string{"3", "4"}, CorrectOption: 1},
		{Text: "3*3?", Options: []string{"9", "6"}, CorrectOption: 0},
	}
}

func TestCreateExamValidation(t *testing.T) {
	ctx := context.Background()
	bank := &flakyBank{}
	svc := app.NewBankService(bank, zerolog.Nop())

	cases := []struct {
		name      string
		exam      domain.Exam
		questions []app.NewQuestion
	}{
		{"empty id", domain.Exam{}, validNewQuestions()},
		{"empty text", domain.Exam{ID: "e"}, []app.NewQuestion{{Options: []string{"a", "b"}}}},
		{"one option", domain.Exam{ID: "e"}, []app.NewQuestion{{Text: "q", Options: []string{"a"}}}},
		{"correct out of range", domain.Exam{ID: "e"}, []app.NewQuestion{{Text: "q", Options: []string{"a", "b"}, CorrectOption: 2}}},
	}
	for _, tc := range cases {
		if err := svc.CreateExam(ctx, tc.exam, tc.questions); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if len(bank.created) != 0 {
		t.Fatalf("invalid input must never reach the bank, got %d creates", len(bank.created))
	}
}

func TestCreateExamSetsQuestionCount(t *testing.T) {
	ctx := context.Background()
	bank := &flakyBank{}
	svc := app.NewBankService(bank, zerolog.Nop())

	if err := svc.CreateExam(ctx, domain.Exam{ID: "math"}, validNewQuestions()); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(bank.created) != 1 || bank.created[0].QuestionCount != 2 {
		t.Fatalf("expected question count 2, got %+v", bank.created)
	}
}

func TestEditsRetryOnConflict(t *testing.T) {
	ctx := context.Background()
	bank := &flakyBank{conflicts: 2}
	svc := app.NewBankService(bank, zerolog.Nop())

	after := 3
	if err := svc.InsertQuestions(ctx, "math", &after, validNewQuestions()); err != nil {
		t.Fatalf("insert should succeed on the third try: %v", err)
	}
	if len(bank.inserted) != 1 || bank.inserted[0].after != 3 || bank.inserted[0].count != 2 {
		t.Fatalf("unexpected insert call: %+v", bank.inserted)
	}
}

func TestEditsGiveUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	bank := &flakyBank{conflicts: 10}
	svc := app.NewBankService(bank, zerolog.Nop())

	if err := svc.DeleteQuestion(ctx, "math", "q1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
	if len(bank.deletedQuestions) != 0 {
		t.Fatalf("expected no committed delete, got %v", bank.deletedQuestions)
	}
}

func TestInsertDefaultsToAppend(t *testing.T) {
	ctx := context.Background()
	bank := &flakyBank{}
	svc := app.NewBankService(bank, zerolog.Nop())

	if err := svc.InsertQuestions(ctx, "math", nil, validNewQuestions()); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if bank.inserted[0].after != -1 {
		t.Fatalf("expected append marker -1, got %d", bank.inserted[0].after)
	}
	if err := svc.InsertQuestions(ctx, "math", nil, nil); err == nil {
		t.Fatalf("expected error for empty insert")
	}
}
