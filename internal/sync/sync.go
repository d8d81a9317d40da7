package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/api"
	"github.com/cybertec-postgresql/books_bridge/internal/convert"
	"github.com/cybertec-postgresql/books_bridge/internal/db"
	"github.com/cybertec-postgresql/books_bridge/internal/etcd"
	"github.com/cybertec-postgresql/books_bridge/internal/identity"
	"github.com/cybertec-postgresql/books_bridge/internal/ingest"
	"github.com/cybertec-postgresql/books_bridge/internal/jobs"
	"github.com/cybertec-postgresql/books_bridge/internal/queue"
	"github.com/cybertec-postgresql/books_bridge/internal/settings"
	"github.com/cybertec-postgresql/books_bridge/internal/store"
)

// Service runs the bridge: settings watch, drain job, safety-net timer and API
type Service struct {
	pool   db.PgxIface
	etcd   *etcd.Client
	config Config

	settings  *settings.Holder
	scheduler *jobs.Scheduler
	pipeline  *ingest.Pipeline
	api       *api.Service
}

// NewService creates a service. etcdClient may be nil, then settings come from
// the file only and the drain lock is process local.
func NewService(pool db.PgxIface, etcdClient *etcd.Client, config Config) *Service {
	return &Service{
		pool:     pool,
		etcd:     etcdClient,
		config:   config.withDefaults(),
		settings: settings.NewHolder(settings.Default()),
	}
}

// Settings returns the live settings source
func (s *Service) Settings() settings.Source {
	return s.settings
}

// API returns the operations served over HTTP, nil before Start
func (s *Service) API() *api.Service {
	return s.api
}

// loadSettings reads the seed file and, with etcd, the shared snapshot. It
// returns the etcd revision to watch from.
func (s *Service) loadSettings(ctx context.Context) (int64, error) {
	seed, err := settings.LoadFile(s.config.SettingsFile)
	if err != nil {
		return 0, err
	}
	if s.etcd == nil {
		s.settings.Store(seed)
		return 0, nil
	}

	current, rev, err := s.etcd.SeedSettings(ctx, s.etcd.Key(s.config.SettingsKey), seed)
	if err != nil {
		return 0, fmt.Errorf("failed to load settings from etcd: %w", err)
	}
	s.settings.Store(current)
	return rev, nil
}

// build wires the components on top of the pool
func (s *Service) build(ctx context.Context) {
	instances := queue.NewInstances(s.pool)
	q := queue.New(s.pool, s.settings, instances)
	st := store.NewPostgres(s.pool, q)
	ids := identity.New(s.pool)
	conv := convert.NewConverter(nil, ids, st, s.settings)
	logRepo := ingest.NewLogRepository(s.pool)
	errLog := ingest.NewErrorLog(s.pool)

	var locker jobs.Locker
	if s.etcd != nil {
		locker = etcd.NewMutexLocker(s.etcd, s.config.LockTTL)
	}
	s.scheduler = jobs.NewScheduler(ctx, locker)

	s.pipeline = ingest.NewPipeline(ingest.Deps{
		Converter:  conv,
		Store:      st,
		Identities: ids,
		Queue:      q,
		Batches:    logRepo,
		Errors:     errLog,
	})

	s.api = api.NewService(api.Deps{
		Settings:   s.settings,
		Converter:  conv,
		Store:      st,
		Identities: ids,
		Queue:      q,
		Instances:  instances,
		Batches:    logRepo,
		Errors:     errLog,
		Replayer:   s.pipeline,
		Publisher:  s,
		Trigger:    s.TriggerDrain,
		Draining:   func() bool { return s.scheduler.Active(ingest.JobKey) },
		BatchSize:  s.config.BatchSize,
	})
}

// PublishSettings makes cfg the live settings. With etcd the snapshot is
// shared with every bridge process through the settings key.
func (s *Service) PublishSettings(ctx context.Context, cfg *settings.Settings) error {
	if s.etcd != nil {
		if err := s.etcd.PublishSettings(ctx, s.etcd.Key(s.config.SettingsKey), cfg); err != nil {
			return fmt.Errorf("failed to publish settings: %w", err)
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}
	s.settings.Store(cfg)
	return nil
}

// TriggerDrain starts the drain job unless it is already running
func (s *Service) TriggerDrain() {
	if s.scheduler.Enqueue(ingest.JobKey, s.pipeline.Job(s.scheduler)) {
		logrus.WithField("job", ingest.JobKey).Debug("Drain job started")
	}
}

// Start loads the settings, wires the components and runs until ctx is done
func (s *Service) Start(ctx context.Context) error {
	logrus.Info("Starting books_bridge")

	rev, err := s.loadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	s.build(ctx)

	errChan := make(chan error, 2)

	if s.etcd != nil {
		go s.etcd.WatchSettings(ctx, s.etcd.Key(s.config.SettingsKey), rev, s.settings)
	}

	// batches left over from a previous run
	s.TriggerDrain()
	go s.scheduler.Every(ctx, s.config.DrainInterval, ingest.JobKey, s.pipeline.Job(s.scheduler))

	var server *http.Server
	if s.config.Listen != "" {
		server = &http.Server{
			Addr:              s.config.Listen,
			Handler:           api.NewRouter(s.api),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logrus.WithField("listen", s.config.Listen).Info("Serving API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("API server failed: %w", err)
			}
		}()
	}

	select {
	case err = <-errChan:
	case <-ctx.Done():
		logrus.Info("Stopping due to context cancellation")
		err = ctx.Err()
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logrus.WithError(serr).Warn("API server did not shut down cleanly")
		}
	}
	s.scheduler.Wait()
	return err
}
