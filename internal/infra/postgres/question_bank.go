package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"examtime-bot/internal/domain"
)

// QuestionBank stores exams and their ordered questions in Postgres.
//
// Reorder operations run in serializable transactions with every read issued
// before the first write, so no reader ever observes order values with gaps
// or duplicates. A transaction that loses to a concurrent editor surfaces as
// domain.ErrConflict; retrying is the caller's decision.
type QuestionBank struct {
	pool *pgxpool.Pool
}

func NewQuestionBank(pool *pgxpool.Pool) *QuestionBank {
	return &QuestionBank{pool: pool}
}

func (b *QuestionBank) Exam(ctx context.Context, examID string) (domain.Exam, error) {
	var exam domain.Exam
	err := b.pool.QueryRow(ctx,
		`SELECT id, category, allow_retake, time_per_question, question_count
		 FROM exams WHERE id = $1`, examID,
	).Scan(&exam.ID, &exam.Category, &exam.AllowRetake, &exam.TimePerQuestion, &exam.QuestionCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Exam{}, domain.ErrExamNotFound
	}
	if err != nil {
		return domain.Exam{}, fmt.Errorf("load exam: %w", err)
	}
	return exam, nil
}

func (b *QuestionBank) Questions(ctx context.Context, examID string) ([]domain.Question, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT id::text, exam_id, question_text, options, correct_option, ord
		 FROM questions WHERE exam_id = $1 ORDER BY ord`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.Options, &q.CorrectOption, &q.Order); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CreateExam inserts the exam and its questions with orders 1..n in one
// transaction.
func (b *QuestionBank) CreateExam(ctx context.Context, exam domain.Exam, questions []domain.Question) error {
	return b.withSerializableTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO exams (id, category, allow_retake, time_per_question, question_count)
			 VALUES ($1, $2, $3, $4, $5)`,
			exam.ID, exam.Category, exam.AllowRetake, exam.TimePerQuestion, len(questions),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("exam %s already exists", exam.ID)
		}
		if err != nil {
			return err
		}
		for i, q := range questions {
			if err := insertQuestion(ctx, tx, exam.ID, q, i+1); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *QuestionBank) DeleteExam(ctx context.Context, examID string) error {
	return b.withSerializableTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM exams WHERE id = $1`, examID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrExamNotFound
		}
		// questions go with the exam via ON DELETE CASCADE
		return nil
	})
}

// InsertAfter inserts questions right after position afterOrder and shifts
// every later question up by len(questions). afterOrder < 0 appends at the
// end; 0 prepends.
func (b *QuestionBank) InsertAfter(ctx context.Context, examID string, afterOrder int, questions []domain.Question) error {
	return b.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var count int
		err := tx.QueryRow(ctx, `SELECT question_count FROM exams WHERE id = $1`, examID).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrExamNotFound
		}
		if err != nil {
			return err
		}
		after := afterOrder
		if after < 0 || after > count {
			after = count
		}

		n := len(questions)
		if _, err := tx.Exec(ctx,
			`UPDATE questions SET ord = ord + $1 WHERE exam_id = $2 AND ord > $3`,
			n, examID, after,
		); err != nil {
			return err
		}
		for i, q := range questions {
			if err := insertQuestion(ctx, tx, examID, q, after+i+1); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE exams SET question_count = question_count + $1 WHERE id = $2`, n, examID)
		return err
	})
}

// DeleteQuestion removes one question, shifts every later question down by
// one, and decrements the exam's question count.
func (b *QuestionBank) DeleteQuestion(ctx context.Context, examID, questionID string) error {
	return b.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var ord int
		err := tx.QueryRow(ctx,
			`SELECT ord FROM questions WHERE exam_id = $1 AND id = $2`, examID, questionID,
		).Scan(&ord)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrQuestionNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE exam_id = $1 AND id = $2`, examID, questionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE questions SET ord = ord - 1 WHERE exam_id = $1 AND ord > $2`, examID, ord,
		); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE exams SET question_count = question_count - 1 WHERE id = $1`, examID)
		return err
	})
}

func insertQuestion(ctx context.Context, tx pgx.Tx, examID string, q domain.Question, ord int) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO questions (exam_id, question_text, options, correct_option, ord)
		 VALUES ($1, $2, $3, $4, $5)`,
		examID, q.Text, q.Options, q.CorrectOption, ord,
	)
	return err
}

func (b *QuestionBank) withSerializableTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return mapConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapConflict(err)
	}
	return nil
}

// mapConflict turns serialization and deadlock aborts into ErrConflict so
// callers can retry them; everything else passes through.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return domain.ErrConflict
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
