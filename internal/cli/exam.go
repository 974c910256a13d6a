package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"examtime-bot/internal/app"
	"examtime-bot/internal/config"
	"examtime-bot/internal/domain"
	pgbank "examtime-bot/internal/infra/postgres"
	"examtime-bot/internal/logging"
)

// NewExamCmd groups the question-bank admin operations.
func NewExamCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exam",
		Short: "Manage exams and their questions",
	}
	cmd.AddCommand(newExamCreateCmd(configPath))
	cmd.AddCommand(newExamInsertCmd(configPath))
	cmd.AddCommand(newExamDeleteQuestionCmd(configPath))
	cmd.AddCommand(newExamDeleteCmd(configPath))
	return cmd
}

// examFile is the YAML authoring format for an exam and its questions.
type examFile struct {
	ID              string `yaml:"id"`
	Category        string `yaml:"category"`
	AllowRetake     bool   `yaml:"allow_retake"`
	TimePerQuestion int    `yaml:"time_per_question"`
	Questions       []struct {
		Text          string   `yaml:"text"`
		Options       []string `yaml:"options"`
		CorrectOption int      `yaml:"correct_option"`
	} `yaml:"questions"`
}

func loadExamFile(path string) (examFile, []app.NewQuestion, error) {
	var file examFile
	data, err := os.ReadFile(path)
	if err != nil {
		return file, nil, err
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, nil, err
	}
	questions := make([]app.NewQuestion, 0, len(file.Questions))
	for _, q := range file.Questions {
		questions = append(questions, app.NewQuestion{
			Text:          q.Text,
			Options:       q.Options,
			CorrectOption: q.CorrectOption,
		})
	}
	return file, questions, nil
}

func newExamCreateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <exam.yaml>",
		Short: "Create an exam from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBankService(cmd.Context(), *configPath, func(ctx context.Context, svc *app.BankService) error {
				file, questions, err := loadExamFile(args[0])
				if err != nil {
					return err
				}
				exam := domain.Exam{
					ID:              file.ID,
					Category:        file.Category,
					AllowRetake:     file.AllowRetake,
					TimePerQuestion: file.TimePerQuestion,
				}
				if err := svc.CreateExam(ctx, exam, questions); err != nil {
					return err
				}
				fmt.Printf("created exam %s with %d questions\n", exam.ID, len(questions))
				return nil
			})
		},
	}
}

func newExamInsertCmd(configPath *string) *cobra.Command {
	var after int
	cmd := &cobra.Command{
		Use:   "insert <exam-id> <questions.yaml>",
		Short: "Insert questions into an existing exam",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBankService(cmd.Context(), *configPath, func(ctx context.Context, svc *app.BankService) error {
				_, questions, err := loadExamFile(args[1])
				if err != nil {
					return err
				}
				var afterOrder *int
				if cmd.Flags().Changed("after") {
					afterOrder = &after
				}
				if err := svc.InsertQuestions(ctx, args[0], afterOrder, questions); err != nil {
					return err
				}
				fmt.Printf("inserted %d questions into %s\n", len(questions), args[0])
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&after, "after", 0, "insert after this order position (default: append)")
	return cmd
}

func newExamDeleteQuestionCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-question <exam-id> <question-id>",
		Short: "Delete one question and renumber the rest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBankService(cmd.Context(), *configPath, func(ctx context.Context, svc *app.BankService) error {
				if err := svc.DeleteQuestion(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("deleted question %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func newExamDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <exam-id>",
		Short: "Delete an exam and all its questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBankService(cmd.Context(), *configPath, func(ctx context.Context, svc *app.BankService) error {
				if err := svc.DeleteExam(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted exam %s\n", args[0])
				return nil
			})
		},
	}
}

func withBankService(ctx context.Context, configPath string, fn func(context.Context, *app.BankService) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, app.NewBankService(pgbank.NewQuestionBank(pool), log))
}
