package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"labelsync/pkg/config"
	"labelsync/pkg/dispatch"
	"labelsync/pkg/github"
	"labelsync/pkg/installations"
	"labelsync/pkg/logger"
	"labelsync/pkg/logsink"
	"labelsync/pkg/queue"
	"labelsync/pkg/server"
	"labelsync/pkg/syncer"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and the sync worker",
	Long: `Run the GitHub webhook receiver together with the background worker loop.

Required environment (a .env file is read when present):
  GITHUB_APP_ID            GitHub App id
  GITHUB_WEBHOOK_SECRET    Secret used to sign webhook deliveries
  GITHUB_PRIVATE_KEY       App private key in PEM form (or GITHUB_PRIVATE_KEY_PATH)
  QUEUE_ADDR               Redis address of the task queue

Optional:
  GITHUB_BOT_LOGIN         Login of the app's bot user, looked up from the app slug when unset
  SERVER_ADMIN_TOKEN       Bearer token for the /tasks admin API, disabled when unset
  SERVER_ADDR, SYNCER_INTERVAL, SYNCER_WORKERS, LOG_LEVEL, LOG_FORMAT,
  SLACK_TOKEN, CLOUDWATCH_GROUP, CLOUDWATCH_STREAM, CLOUDWATCH_REGION`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(envDir)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(loggerConfig(cfg.Log))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.NewClock()

	tokens, exchanger, err := newAppAuth(cfg, clk)
	if err != nil {
		return err
	}
	bot, err := botLogin(ctx, cfg, tokens, exchanger)
	if err != nil {
		return err
	}
	log.Info("Ignoring label events sent by the app", zap.String("login", bot))

	clients, err := github.NewInstallationClients(tokens, cfg.GitHub.APIURL, github.DefaultRateLimiterConfig())
	if err != nil {
		return err
	}

	redisClient, err := queue.NewRedisClient(cfg.Queue.Addr)
	if err != nil {
		return err
	}
	q := queue.New(queue.NewRedisStoreFromClient(redisClient, cfg.Queue.Name), queue.WithLogger(log.Named("queue")))
	if err := q.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = q.Dispose() }()

	store := installations.NewRedisStore(redisClient, cfg.Queue.Name)

	sink, err := newSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("Failed to flush event sinks", zap.Error(err))
		}
	}()

	source := github.ConfigSource{Repository: cfg.GitHub.ConfigRepository, Path: cfg.GitHub.ConfigPath}

	executor := &syncer.Executor{
		Clients:         clients,
		Source:          source,
		Onboarder:       store,
		Sink:            sink,
		Logger:          log.Named("executor"),
		Concurrency:     cfg.Syncer.Concurrency,
		DispatchOptions: dispatchOptions(cfg, bot),
	}

	worker := syncer.New(q, executor, store, sink, log, clk, syncer.Config{
		Interval: cfg.Syncer.Interval,
		Workers:  cfg.Syncer.Workers,
		Backoff:  syncer.DefaultBackoffConfig(),
	})

	httpServer := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(q, store, []byte(cfg.GitHub.WebhookSecret),
			server.WithConfigSource(source),
			server.WithLogger(log.Named("server")),
			server.WithClock(clk),
			server.WithAdminToken(cfg.Server.AdminToken),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-serveErr:
		log.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("Failed to shut down server", zap.Error(shutdownErr))
	}
	worker.Stop()

	return err
}

// loggerConfig prefers console output on a terminal unless a format was set explicitly
func loggerConfig(cfg logger.Config) logger.Config {
	if os.Getenv("LOG_FORMAT") == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.Format = logger.FormatConsole
	}
	return cfg
}

func newAppAuth(cfg *config.Config, clk clock.Clock) (*github.TokenCache, *github.AppsTokenExchanger, error) {
	pem, err := cfg.PrivateKeyPEM()
	if err != nil {
		return nil, nil, err
	}
	key, err := github.ParsePrivateKey(pem)
	if err != nil {
		return nil, nil, err
	}

	exchanger, err := github.NewAppsTokenExchanger(&http.Client{Timeout: 30 * time.Second}, cfg.GitHub.APIURL)
	if err != nil {
		return nil, nil, err
	}
	return github.NewTokenCache(cfg.GitHub.AppID, key, exchanger, clk), exchanger, nil
}

type botLoginResolver interface {
	BotLogin(ctx context.Context, appJWT string) (string, error)
}

// botLogin returns GITHUB_BOT_LOGIN, or asks GitHub for the app's bot login.
// Siblings only stop after one hop when the app's own label events are
// recognised, so serve does not start without it.
func botLogin(ctx context.Context, cfg *config.Config, tokens *github.TokenCache, resolver botLoginResolver) (string, error) {
	if cfg.GitHub.BotLogin != "" {
		return cfg.GitHub.BotLogin, nil
	}

	appJWT, err := tokens.AppToken(ctx)
	if err != nil {
		return "", err
	}
	login, err := resolver.BotLogin(ctx, appJWT)
	if err != nil {
		return "", fmt.Errorf("failed to look up the app's bot login (set GITHUB_BOT_LOGIN to skip): %w", err)
	}
	return login, nil
}

func dispatchOptions(cfg *config.Config, bot string) []dispatch.Option {
	opts := []dispatch.Option{dispatch.WithBotLogin(bot)}
	if cfg.Slack.Token != "" {
		opts = append(opts, dispatch.WithSlack(slack.New(cfg.Slack.Token)))
	}
	return opts
}

// newSink logs events through zap, and to CloudWatch when a log group is
// configured. Closing it flushes the CloudWatch buffer.
func newSink(ctx context.Context, cfg *config.Config, log *zap.Logger) (logsink.Multi, error) {
	sinks := logsink.Multi{logsink.NewZapSink(log)}

	if cfg.CloudWatch.Group != "" {
		cw, err := logsink.NewCloudWatchSink(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Group, cfg.CloudWatch.Stream, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create CloudWatch sink: %w", err)
		}
		sinks = append(sinks, cw)
	}

	return sinks, nil
}
