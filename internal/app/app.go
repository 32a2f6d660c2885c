// Package app wires the relay server together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/events"
	"robotrelay/internal/logger"
	"robotrelay/internal/metrics"
	"robotrelay/internal/relay"
	"robotrelay/internal/repository"
	"robotrelay/internal/repository/postgres"
	"robotrelay/internal/repository/sqlite"
	"robotrelay/internal/route"
	"robotrelay/internal/scheduler"
	"robotrelay/internal/service/ai"
	"robotrelay/internal/service/storage"
)

type App struct {
	config    *config.Config
	logger    *logger.Logger
	metrics   *metrics.Metrics
	events    *events.Async
	hub       *relay.Hub
	scheduler *scheduler.Scheduler
	journal   repository.JournalRepository
	buffer    *storage.BufferService
	router    http.Handler
	closers   []io.Closer
}

// New builds the relay from cfg: detector backend, journal, snapshot archive,
// event publishers, hub and routes.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	detector, closer, err := ai.NewBackend(cfg.Detection, cfg.Scheduler.MaxConcurrent, log)
	if err != nil {
		return nil, err
	}

	a, err := assemble(cfg, log, detector)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	return a, nil
}

// assemble wires everything around an already built detector. A nil detector
// disables the scheduler.
func assemble(cfg *config.Config, log *logger.Logger, detector detection.Detector) (*App, error) {
	a := &App{config: cfg, logger: log, metrics: metrics.New()}

	publisher, err := events.FromConfig(cfg.Events, log)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	a.events = events.NewAsync(publisher, 256, log)
	a.hub = relay.NewHub(cfg.Relay, log, a.metrics, a.events)

	if a.journal, err = openJournal(cfg.Journal, log); err != nil {
		a.events.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	sink, err := openSink(cfg.Storage, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("snapshot sink: %w", err)
	}
	if sink != nil {
		a.buffer = storage.NewBufferService(cfg.Storage, sink, ai.Annotate, log)
	}

	if detector != nil {
		a.scheduler = scheduler.New(a.hub.Store(), detector, cfg.Scheduler, log)
		a.scheduler.OnResult(a.handleOutcome)
	} else {
		log.Warning("No detector configured, detection scheduler disabled")
	}

	a.router = route.SetupRoutes(a.hub, cfg, log, a.metrics, a.journal)
	return a, nil
}

// handleOutcome fans a stored detection out to the client, metrics, events,
// the journal and the snapshot archive.
func (a *App) handleOutcome(o scheduler.Outcome) {
	clientID := o.Entry.ID()
	a.metrics.DetectionCompleted(o.Result.Success, o.Elapsed)
	a.hub.PushDetection(o.Entry, o.Result)
	a.events.Publish(context.Background(), events.New(events.KindDetection, clientID, o.Result))

	if a.journal != nil {
		if _, err := a.journal.Record(clientID, o.Result); err != nil {
			a.logger.Error("Journal write for %s failed: %v", clientID, err)
		}
	}
	if a.buffer != nil {
		a.buffer.AddImage(clientID, o.Frame.Data, o.Result)
	}
}

func (a *App) Hub() *relay.Hub {
	return a.hub
}

func (a *App) Handler() http.Handler {
	return a.router
}

// Start launches the background loops. They stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go a.events.Run(ctx)
	if a.scheduler != nil {
		go a.scheduler.Run(ctx)
	}
	if a.buffer != nil {
		go a.buffer.Run(ctx)
	}
	if a.journal != nil && a.config.Journal.Retention > 0 {
		go a.pruneJournal(ctx)
	}
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Robot relay listening on :%d", a.config.Server.Port)
	a.logger.Info("Detector backend: %s, interval %v, threshold %.2f",
		a.config.Detection.Backend, a.config.Scheduler.DetectionInterval, a.config.Detection.ConfidenceThreshold)
	if a.buffer != nil {
		a.logger.Info("Snapshot sink: %s", a.config.Storage.Sink)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server forced to shutdown: %v", err)
	}
	// hijacked websocket connections are not closed by Shutdown
	for _, status := range a.hub.ListSessions() {
		a.hub.Disconnect(status.ID)
	}
	// the event worker flushes the disconnect events on its way out
	cancel()
	if a.scheduler != nil {
		a.scheduler.Wait()
	}
	return serveErr
}

func (a *App) pruneJournal(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.journal.PruneBefore(time.Now().Add(-a.config.Journal.Retention))
			if err != nil {
				a.logger.Error("Journal prune failed: %v", err)
				continue
			}
			if removed > 0 {
				a.logger.Info("Pruned %d journal entries", removed)
			}
		}
	}
}

// Close releases publishers, the journal and detector resources.
func (a *App) Close() error {
	var errs []error
	select {
	case <-a.events.Done():
	case <-time.After(time.Second):
	}
	errs = append(errs, a.events.Close())
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	errs = append(errs, closeAll(a.closers))
	return errors.Join(errs...)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// openJournal opens the configured journal. An empty driver disables it.
func openJournal(cfg config.JournalConfig, log *logger.Logger) (repository.JournalRepository, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite3", "sqlite":
		db, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		log.Info("Detection journal: sqlite %s", cfg.DSN)
		return sqlite.NewJournalRepository(db), nil
	case "postgres":
		repo, err := postgres.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		log.Info("Detection journal: postgres")
		return repo, nil
	}
	return nil, fmt.Errorf("%w: %q", repository.ErrUnknownDriver, cfg.Driver)
}

// openSink returns the configured snapshot sink, or nil when archiving is off.
func openSink(cfg config.StorageConfig, log *logger.Logger) (storage.Sink, error) {
	switch cfg.Sink {
	case "", "none":
		return nil, nil
	case "disk":
		log.Info("Archiving snapshots to %s", cfg.ImageDirectory)
		return storage.DiskSink{Dir: cfg.ImageDirectory}, nil
	case "minio":
		sink, err := storage.NewMinioSink(cfg.Minio)
		if err != nil {
			return nil, err
		}
		log.Info("Archiving snapshots to MinIO bucket %s", cfg.Minio.Bucket)
		return sink, nil
	}
	return nil, fmt.Errorf("unknown snapshot sink %q", cfg.Sink)
}
