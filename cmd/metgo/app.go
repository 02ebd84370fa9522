package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/metgo/quillota/internal/alerts"
	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/forecast"
	"github.com/metgo/quillota/internal/indices"
	"github.com/metgo/quillota/internal/ingest"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/notify"
	"github.com/metgo/quillota/internal/provider"
	"github.com/metgo/quillota/internal/report"
	"github.com/metgo/quillota/internal/store"
	"github.com/metgo/quillota/internal/training"
)

// app holds the configuration, the migrated store and whatever components a
// command asked for. Components are built lazily and at most once.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	db    *sql.DB
	store *store.Store

	indices    *indices.Engine
	dispatcher *notify.Dispatcher
	alerts     *alerts.Engine
	artifacts  *training.ArtifactStore

	closers []func() error
}

func open(ctx context.Context, g *Globals) (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.Database.Path); dir != "." && cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s := store.New(db, cfg.Location(), logger)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, st := range cfg.ModelStations() {
		if err := s.UpsertStation(ctx, st); err != nil {
			db.Close()
			return nil, fmt.Errorf("upsert station %s: %w", st.StationID, err)
		}
	}
	logger.Debug("database ready", "path", cfg.Database.Path, "stations", len(cfg.Stations))

	return &app{cfg: cfg, log: logger, db: db, store: s}, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

func (a *app) indexEngine() (*indices.Engine, error) {
	if a.indices != nil {
		return a.indices, nil
	}
	crops, err := indices.CropsFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	a.indices = indices.NewEngine(a.store, indices.NewCalculator(a.cfg.Location(), crops), a.log)
	return a.indices, nil
}

// notifier builds the dispatcher with every channel that has enough
// configuration to send. Missing channels are logged, not fatal.
func (a *app) notifier() *notify.Dispatcher {
	if a.dispatcher != nil {
		return a.dispatcher
	}
	nc := a.cfg.Notify
	var senders []notify.Sender

	if nc.MQTT.Broker != "" {
		sender, client, err := notify.DialMQTT(nc.MQTT)
		if err != nil {
			logging.Failure(context.Background(), a.log, "messaging channel disabled", err)
		} else {
			senders = append(senders, sender)
			a.closers = append(a.closers, func() error { client.Disconnect(250); return nil })
		}
	}
	if nc.SMTP.Host != "" {
		if sender, err := notify.NewEmailSender(nc.SMTP); err != nil {
			logging.Failure(context.Background(), a.log, "email channel disabled", err)
		} else {
			senders = append(senders, sender)
		}
	}
	if nc.SMS.URL != "" {
		if sender, err := notify.NewSMSSender(nc.SMS); err != nil {
			logging.Failure(context.Background(), a.log, "sms channel disabled", err)
		} else {
			senders = append(senders, sender)
		}
	}
	senders = append(senders, notify.NewWebhookSender(nc.Webhook))

	d := notify.NewDispatcher(a.store, a.cfg.ModelRecipients(), notify.OptionsFromConfig(nc), a.log, senders...)
	if len(nc.Kafka.Brokers) > 0 {
		stream, err := notify.NewKafkaStream(nc.Kafka)
		if err != nil {
			logging.Failure(context.Background(), a.log, "event stream disabled", err)
		} else {
			d.SetStream(stream)
			a.closers = append(a.closers, stream.Close)
		}
	}
	a.dispatcher = d
	return d
}

func (a *app) alertEngine() *alerts.Engine {
	if a.alerts == nil {
		a.alerts = alerts.NewEngine(a.store, a.cfg, a.notifier(), a.log)
	}
	return a.alerts
}

// coordinator wires providers, index recomputation and the data-quality alert.
func (a *app) coordinator() (*ingest.Coordinator, error) {
	providers := provider.Build(a.cfg.Providers, a.cfg.Location(), a.cfg.Ingestion.Seed)
	if a.cfg.Ingestion.SyntheticFallback && !hasProvider(providers, provider.Synthetic) {
		providers = append(providers, provider.NewSynthetic(a.cfg.Ingestion.Seed, a.cfg.Location()))
	}
	idx, err := a.indexEngine()
	if err != nil {
		return nil, err
	}
	c := ingest.NewCoordinator(a.store, providers, ingest.Options{
		SyntheticFallback: a.cfg.Ingestion.SyntheticFallback,
		MaxRejectFraction: a.cfg.Ingestion.MaxRejectFraction,
		Concurrency:       a.cfg.Ingestion.Concurrency,
		ArchivePayloads:   a.cfg.Ingestion.ArchivePayloads,
		QualityThreshold: func(stationID string) float64 {
			return a.cfg.ThresholdsFor(stationID).DataQualityMax
		},
	}, a.log)
	c.SetIndexRecomputer(idx)
	c.SetQualityListener(a.alertEngine())
	return c, nil
}

func hasProvider(ps []provider.Provider, name string) bool {
	for _, p := range ps {
		if p.Name() == name {
			return true
		}
	}
	return false
}

func (a *app) artifactStore() (*training.ArtifactStore, error) {
	if a.artifacts != nil {
		return a.artifacts, nil
	}
	as, err := training.NewArtifactStore(a.cfg.Training.ArtifactDir)
	if err != nil {
		return nil, err
	}
	a.artifacts = as
	return as, nil
}

func (a *app) trainer() (*training.Trainer, error) {
	as, err := a.artifactStore()
	if err != nil {
		return nil, err
	}
	return training.NewTrainer(a.store, as, training.OptionsFromConfig(a.cfg.Training), a.log), nil
}

func (a *app) forecaster() (*forecast.Forecaster, error) {
	as, err := a.artifactStore()
	if err != nil {
		return nil, err
	}
	return forecast.NewForecaster(a.store, training.NewRegistry(a.store, as), forecast.OptionsFromConfig(a.cfg.Forecast), a.log), nil
}

// reporter publishes to the output directory first, then mirrors to FTP when
// configured. The narrative needs an OpenAI key.
func (a *app) reporter() (*report.Service, error) {
	rc := a.cfg.Report
	dir, err := report.NewDirPublisher(rc.OutputDir)
	if err != nil {
		return nil, err
	}
	publishers := []report.Publisher{dir}
	if rc.FTP.Host != "" {
		ftp, err := report.NewFTPPublisher(rc.FTP)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, ftp)
	}

	var narrator report.Narrator
	if rc.Narrative {
		n, err := report.NewOpenAINarrator(rc.OpenAIKey, rc.OpenAIModel)
		if err != nil {
			logging.Failure(context.Background(), a.log, "report narrative disabled", err)
		} else {
			narrator = n
		}
	}
	return report.NewService(report.NewBuilder(a.store, a.log), narrator, publishers...), nil
}

// parseDay reads a local calendar date; empty yields def.
func (a *app) parseDay(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, a.cfg.Location())
	if err != nil {
		return time.Time{}, failure.Newf(failure.ValidationRejected, "metgo", "bad date %q: want YYYY-MM-DD", raw)
	}
	return t, nil
}
