package main

import (
	"context"
	"fmt"
	"time"

	"call-insights-go/internal/auth"
	"call-insights-go/internal/config"
	"call-insights-go/internal/db"
	"call-insights-go/internal/detection"
	"call-insights-go/internal/jobs"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/notify"
	"call-insights-go/internal/pipeline"
	"call-insights-go/internal/retry"
	"call-insights-go/internal/sentiment"
	"call-insights-go/internal/storage"
	"call-insights-go/internal/store"
	"call-insights-go/internal/transcription"

	"github.com/sirupsen/logrus"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	store      *store.Store
	dispatcher *notify.Dispatcher
	machine    *jobs.Machine
	closers    []func(context.Context) error
}

// open loads config, connects and migrates the database, and builds the job
// machine with its notification channels.
func open(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New()

	gdb, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, store: store.New(gdb)}
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	channels, err := notifyChannels(cfg.Notify, cfg.Services.NotificationURL, log.Entry)
	if err != nil {
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(log.Entry, channels...)
	a.machine = jobs.NewMachine(a.store, a.dispatcher, log.Entry)
	return a, nil
}

func notifyChannels(cfg config.NotifyConfig, serviceURL string, log *logrus.Entry) ([]notify.Channel, error) {
	channels := []notify.Channel{notify.NewLogChannel(log)}
	if serviceURL != "" {
		channels = append(channels, notify.NewHTTPChannel(serviceURL))
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.SlackWebhookURL))
	}
	if cfg.DiscordBotToken != "" && cfg.DiscordChannelID != "" {
		d, err := notify.NewDiscordChannel(cfg.DiscordBotToken, cfg.DiscordChannelID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, d)
	}
	return channels, nil
}

// runner builds the pipeline with the collaborators selected by config.
func (a *app) runner(ctx context.Context) (*pipeline.Runner, error) {
	cfg := a.cfg
	entry := a.log.Entry

	docs, err := a.documentStore(ctx)
	if err != nil {
		return nil, err
	}
	detector, err := a.detector()
	if err != nil {
		return nil, err
	}
	sentimentURL := cfg.Services.SentimentURL
	if sentimentURL == "" {
		sentimentURL = cfg.Services.AnalysisURL
	}

	deps := pipeline.Deps{
		Auth:        auth.FromEnv(cfg.Services.AuthURL, cfg.Services.AuthUsername, cfg.Services.AuthPassword),
		Splitter:    transcription.NewSplitClient(cfg.Services.SplitURL, entry),
		Transcriber: transcription.NewClient(cfg.Services.TranscriptionURL, entry),
		Store:       docs,
		Detector:    detector,
		Analyzer:    sentiment.NewClient(sentimentURL, entry),
	}
	opts := pipeline.Options{
		Retry:                retry.Policy{MaxRetries: cfg.Retry.Retries(), BaseDelay: cfg.Retry.BaseDelay},
		SentimentConcurrency: cfg.Worker.SentimentConcurrency,
	}
	return pipeline.NewRunner(a.machine, deps, opts, entry), nil
}

func (a *app) documentStore(ctx context.Context) (pipeline.DocumentStore, error) {
	s := a.cfg.Storage
	switch s.Backend {
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		m, err := storage.NewMongoStore(cctx, s.MongoURI, s.MongoDatabase, s.MongoCollection)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, m.Close)
		return m, nil
	case "memory":
		a.log.Warn("using in-memory transcript storage; transcripts are lost on restart")
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewHTTPStore(a.cfg.Services.StorageURL), nil
	}
}

func (a *app) detector() (pipeline.Detector, error) {
	if a.cfg.Detection.Mode == "local" {
		m, err := detection.LoadMatcher(a.cfg.Detection.CompetitorsFile)
		if err != nil {
			return nil, err
		}
		a.log.WithField("competitors", m.Len()).Info("local competitor matcher loaded")
		return m, nil
	}
	return detection.NewClient(a.cfg.Services.AnalysisURL), nil
}

// close waits for pending notifications and releases connections.
func (a *app) close() {
	a.dispatcher.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}

func describe(a *app) string {
	return fmt.Sprintf("db=%s storage=%s detection=%s notify=%v",
		a.cfg.Database.Driver, a.cfg.Storage.Backend, a.cfg.Detection.Mode, a.dispatcher.Channels())
}
