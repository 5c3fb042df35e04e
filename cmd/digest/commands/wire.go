package commands

import (
	"database/sql"
	"time"

	"github.com/teranos/digest/ai/openai"
	"github.com/teranos/digest/am"
	"github.com/teranos/digest/digest"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/internal/util"
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/pulse/batch"
	"github.com/teranos/digest/pulse/budget"
	"github.com/teranos/digest/pulse/retry"
	"github.com/teranos/digest/pulse/schedule"
	"github.com/teranos/digest/storage"
)

// app is the fully wired engine shared by serve, run, jobs and subs
type app struct {
	cfg        *am.Config
	db         *sql.DB
	files      *storage.Files
	limiter    *budget.Limiter
	dispatcher *async.Dispatcher
	engine     *digest.Engine
	subs       *schedule.Manager
}

// appOptions adjusts the wiring for one command
type appOptions struct {
	NoSummary bool // jobs finish after the merge even when summarizer.enabled
}

// openApp loads the configuration and wires every component. The provider
// client is built eagerly, so a missing API key fails here.
func openApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid scheduler.timezone %q", cfg.Scheduler.Timezone)
	}

	files, err := storage.NewFiles(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	client, err := openai.NewClient(openai.Config{
		Name:              cfg.Provider.Name,
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Model:             cfg.Provider.Model,
		Temperature:       util.Ptr(cfg.Provider.Temperature),
		MaxTokens:         cfg.Provider.MaxTokens,
		Headers:           cfg.Provider.Headers,
		Timeout:           cfg.Provider.Timeout(),
		BlockPrivateHosts: cfg.Provider.BlockPrivateHosts,
		Logger:            logger.ComponentLogger("provider"),
		DB:                database,
	})
	if err != nil {
		database.Close()
		return nil, err
	}
	logger.Debugw("Provider configured", "model", client.Model(), "endpoint", client.Endpoint())

	limiter := budget.NewLimiter(cfg.Provider.MaxRequestsPerMinute)

	runner := batch.NewRunner(client, batch.RunnerConfig{
		Model:       cfg.Provider.Model,
		Temperature: util.Ptr(cfg.Provider.Temperature),
		MaxTokens:   cfg.Provider.MaxTokens,
		Timeout:     cfg.Provider.Timeout(),
		Retry: retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BackoffBase(),
			MaxDelay:   cfg.Retry.BackoffMax(),
		},
		Limiter: limiter,
		Logger:  logger.ComponentLogger("runner"),
	})
	executor := batch.NewExecutor(runner, batch.NewStore(database), batch.ExecutorConfig{
		Retry: retry.Policy{
			MaxRetries: cfg.Retry.BatchMaxRetries,
			BaseDelay:  cfg.Retry.BatchBackoffBase(),
			MaxDelay:   cfg.Retry.BatchBackoffMax(),
		},
		Logger: logger.ComponentLogger("executor"),
	})

	var summarizer digest.Summarizer
	if cfg.Summarizer.Enabled && !opts.NoSummary {
		var maxTokens *int
		if cfg.Summarizer.MaxTokens > 0 {
			maxTokens = util.Ptr(cfg.Summarizer.MaxTokens)
		}
		summarizer = digest.NewLLMSummarizer(client, digest.SummarizerConfig{
			Model:       cfg.SummaryModel(),
			Temperature: util.Ptr(cfg.Summarizer.Temperature),
			MaxTokens:   maxTokens,
			Timeout:     cfg.Provider.Timeout(),
		})
	}

	dispatcher := async.NewDispatcher(cfg.Pulse.Workers, logger.Logger)
	engine := digest.New(digest.Deps{
		DB:         database,
		Executor:   executor,
		Files:      files,
		Dispatcher: dispatcher,
		Summarizer: summarizer,
		Logger:     logger.Logger,
	}, digest.Config{
		DefaultBatchSize: cfg.Batching.DefaultBatchSize,
		MaxBatchSize:     cfg.Batching.MaxBatchSize,
		Concurrency:      cfg.Batching.MaxWorkers,
	})

	subs := schedule.NewManager(database, files, engine, schedule.Config{
		Location:     loc,
		MisfireGrace: cfg.Scheduler.MisfireGrace(),
		BatchSize:    cfg.Batching.DefaultBatchSize,
	}, logger.Logger)

	return &app{
		cfg:        cfg,
		db:         database,
		files:      files,
		limiter:    limiter,
		dispatcher: dispatcher,
		engine:     engine,
		subs:       subs,
	}, nil
}

func (a *app) shutdownTimeout() time.Duration {
	return time.Duration(a.cfg.Pulse.ShutdownTimeoutSeconds) * time.Second
}

// Close stops the scheduler, waits for in-flight tasks and closes the database
func (a *app) Close() error {
	a.subs.Stop()
	var err error
	if stopErr := a.dispatcher.Stop(a.shutdownTimeout()); stopErr != nil {
		err = errors.Wrap(stopErr, "dispatcher did not drain")
	}
	if closeErr := a.db.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// watchConfig applies settings that can change while serving: the provider
// call rate. Other changes need a restart.
func (a *app) watchConfig() *am.ConfigWatcher {
	paths := am.ExistingConfigFiles()
	var load func() (*am.Config, error)
	if ConfigFile != "" {
		paths = []string{ConfigFile}
		load = func() (*am.Config, error) { return am.LoadFromFile(ConfigFile) }
	}
	if len(paths) == 0 {
		return nil
	}
	watcher, err := am.NewConfigWatcher(paths, load, logger.Logger)
	if err != nil {
		logger.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		if rpm := cfg.Provider.MaxRequestsPerMinute; rpm != a.limiter.Limit() {
			a.limiter.SetLimit(rpm)
			logger.Infow("Provider rate limit updated", "max_requests_per_minute", rpm)
		}
		return nil
	})
	watcher.Start()
	return watcher
}
