package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/analyzer"
	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/config"
	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/dispatch"
	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/gerrit"
	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/review"
)

// ServeCommand returns the serve command, the bot's long-running mode.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Listen to Gerrit stream-events and review patchsets the bot is added to",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "pretty-logs",
				Usage: "Human-readable console logging instead of JSON",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg, c.Bool("pretty-logs"))

	log.Info().
		Str("bot", cfg.Gerrit.Username).
		Str("ssh", fmt.Sprintf("%s:%d", cfg.Gerrit.SSHHost, cfg.Gerrit.SSHPort)).
		Str("rest", cfg.Gerrit.RESTURL).
		Str("model", cfg.LLM.Model).
		Msg("Starting Gerrit review bot")

	client := gerrit.NewClient(gerrit.ClientConfig{
		BaseURL:           cfg.Gerrit.RESTURL,
		Username:          cfg.Gerrit.Username,
		Password:          cfg.Gerrit.HTTPPassword,
		Timeout:           cfg.Bot.HTTPTimeout,
		MaxConns:          cfg.Bot.MaxWorkers * cfg.Bot.FetchWorkers,
		RequestsPerSecond: cfg.Bot.RequestsPerSecond,
	})

	llm, err := analyzer.New(analyzer.Config{
		ProxyURL:    cfg.LLM.ProxyURL,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}

	fetcher := review.NewFetcher(client, cfg.Bot.FetchWorkers)
	pipeline := review.NewPipeline(client, fetcher, llm, review.Config{
		BotUsername:    cfg.Gerrit.Username,
		RemoveReviewer: cfg.Bot.RemoveBotReviewer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := dispatch.NewPool(cfg.Bot.MaxWorkers)
	dispatcher := dispatch.NewDispatcher(ctx, cfg.Gerrit.Username, pool, pipeline.Run)

	reader, err := gerrit.NewStreamReader(gerrit.StreamConfig{
		Host:           cfg.Gerrit.SSHHost,
		Port:           cfg.Gerrit.SSHPort,
		Username:       cfg.Gerrit.Username,
		KeyPath:        cfg.Gerrit.SSHKeyPath,
		HostKey:        cfg.Gerrit.SSHHostKey,
		VerifyHostKey:  cfg.Gerrit.VerifySSHHost,
		StaleWindow:    cfg.Bot.StaleWindow,
		BaseRetryDelay: cfg.Bot.BaseRetryDelay,
		MaxRetryDelay:  cfg.Bot.MaxRetryDelay,
	}, dispatcher.HandleEvent)
	if err != nil {
		return fmt.Errorf("failed to create stream reader: %w", err)
	}

	// Blocks until the context is cancelled by a signal.
	reader.Run(ctx)

	// Shutdown: close the transport and the pool intake without waiting
	// for in-flight reviews; any pipeline that reaches the currency check
	// after this still refuses to post a stale review.
	reader.Stop()
	pool.Stop()

	log.Info().Msg("Bot stopped")
	return nil
}

// setupLogging configures the global zerolog logger from config and flags.
func setupLogging(cfg *config.Config, pretty bool) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if pretty || cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
