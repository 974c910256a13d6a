package cli

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"examtime-bot/internal/app"
	"examtime-bot/internal/config"
	"examtime-bot/internal/infra/memory"
	redisinfra "examtime-bot/internal/infra/redis"
	"examtime-bot/internal/infra/telegram"
	"examtime-bot/internal/logging"
)

// NewSweepCmd runs one timeout sweep and exits, for external cron schedulers
// that prefer a process over the HTTP endpoint.
func NewSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Advance timed-out sessions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis not configured, nothing to sweep")
			}
			log := logging.Setup(cfg.Log.Level, cfg.Log.Format)

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			store := redisinfra.NewSessionStore(client, config.TTLDuration(cfg.Redis.SessionTTL, 72*time.Hour))
			gateway := telegram.NewClient(cfg.Telegram.Token, log)

			// The sweep never starts sessions, so no exam source is needed.
			engine := app.NewEngine(store, store, memory.NewStaticExamSource(nil, nil), gateway, nil, log).
				WithGrace(config.TTLDuration(cfg.Quiz.SweepGrace, 2*time.Second))

			advanced, err := engine.RunTimeoutSweep(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("advanced", advanced).Msg("sweep finished")
			return nil
		},
	}
}
