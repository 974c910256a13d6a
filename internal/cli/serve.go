package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"examtime-bot/internal/app"
	"examtime-bot/internal/config"
	"examtime-bot/internal/domain"
	"examtime-bot/internal/infra/memory"
	pgbank "examtime-bot/internal/infra/postgres"
	redisinfra "examtime-bot/internal/infra/redis"
	"examtime-bot/internal/infra/telegram"
	"examtime-bot/internal/logging"
	transport "examtime-bot/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the bot server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	snapshotTTL := config.TTLDuration(cfg.Quiz.SnapshotTTL, 30*time.Second)
	var source app.ExamSource
	if pool != nil {
		bank := pgbank.NewQuestionBank(pool)
		if redisClient != nil {
			source = redisinfra.NewExamCache(redisClient, bank, snapshotTTL)
		} else {
			source = memory.NewExamCache(bank, snapshotTTL)
		}
	} else {
		log.Warn().Msg("postgres not configured, serving built-in sample exams")
		source = sampleExams()
	}

	var sessions app.SessionStore
	var scores app.ScoreStore
	if redisClient != nil {
		store := redisinfra.NewSessionStore(redisClient, config.TTLDuration(cfg.Redis.SessionTTL, 72*time.Hour))
		sessions, scores = store, store
	} else {
		log.Warn().Msg("redis not configured, sessions are in-memory only")
		store := memory.NewSessionStore()
		sessions, scores = store, store
	}

	gateway := telegram.NewClient(cfg.Telegram.Token, log)
	feed := app.NewResultsFeed()
	engine := app.NewEngine(sessions, scores, source, gateway, feed, log).
		WithBatchSize(cfg.Quiz.BatchSize).
		WithGrace(config.TTLDuration(cfg.Quiz.SweepGrace, 2*time.Second))

	webhook := transport.NewWebhookHandler(engine, gateway, cfg.Telegram.AdminChatID, log)
	sweep := transport.NewSweepHandler(engine, log)
	monitor := transport.NewMonitorHandler(feed, log)

	webhookPath := cfg.Telegram.WebhookPath
	if webhookPath == "" {
		webhookPath = "/telegram/webhook"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc(webhookPath, webhook.ServeUpdate)
	mux.HandleFunc("/cron/sweep", sweep.ServeSweep)
	mux.HandleFunc("/ws/results", monitor.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	if interval := config.TTLDuration(cfg.Quiz.SweepInterval, 0); interval > 0 {
		go app.NewSweeper(engine, interval, log).Run(sweepCtx)
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting examtime bot")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleExams provides minimal demo content for running without Postgres.
func sampleExams() *memory.StaticExamSource {
	return memory.NewStaticExamSource(
		[]domain.Exam{
			{ID: "demo-timed", AllowRetake: true, TimePerQuestion: 30, QuestionCount: 2},
			{ID: "demo-untimed", AllowRetake: true, QuestionCount: 2},
		},
		[]domain.Question{
			{ExamID: "demo-timed", Text: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectOption: 1, Order: 1},
			{ExamID: "demo-timed", Text: "What is 3 * 3?", Options: []string{"6", "9"}, CorrectOption: 1, Order: 2},
			{ExamID: "demo-untimed", Text: "Capital of France?", Options: []string{"Paris", "Rome"}, CorrectOption: 0, Order: 1},
			{ExamID: "demo-untimed", Text: "Largest ocean?", Options: []string{"Atlantic", "Pacific"}, CorrectOption: 1, Order: 2},
		},
	)
}
