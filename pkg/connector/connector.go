// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-mirror/pkg/mapstore"
	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// EventSink receives source events from a platform adapter.
type EventSink func(ctx context.Context, evt mirror.Event) error

// Platform is a messaging platform adapter.
type Platform interface {
	mirror.Messenger
	// Authenticate verifies the credentials.
	Authenticate(ctx context.Context) error
	// Connect starts delivering events of the source feed to sink.
	Connect(ctx context.Context, source mirror.FeedID, sink EventSink) error
	// Disconnect stops the event stream and waits for it to exit.
	Disconnect()
}

// NewPlatform creates the adapter for cfg.Platform.
func NewPlatform(cfg *Config, log zerolog.Logger) (Platform, error) {
	switch cfg.Platform {
	case PlatformMattermost:
		return NewMattermostClient(cfg, log), nil
	case PlatformMatrix:
		return NewMatrixClient(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}

// MirrorConnector wires a platform adapter, the mapping store and the mirror
// core into a running service.
type MirrorConnector struct {
	Config     *Config
	Platform   Platform
	Store      mirror.MappingStore
	Engine     *mirror.Engine
	Dispatcher *mirror.Dispatcher
	Backfiller *mirror.Backfiller
	Registry   *prometheus.Registry

	log          zerolog.Logger
	adminMetrics *adminMetrics
	admin        *http.Server
	startedAt    time.Time

	// bgCtx outlives the Start context; backfill runs use it.
	bgCtx    context.Context
	cancelBg context.CancelFunc
	stopOnce sync.Once
}

// NewMirrorConnector opens the mapping store and creates the adapter for cfg.
func NewMirrorConnector(ctx context.Context, cfg *Config, log zerolog.Logger) (*MirrorConnector, error) {
	platform, err := NewPlatform(cfg, log)
	if err != nil {
		return nil, err
	}
	store, err := mapstore.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping store: %w", err)
	}
	return NewMirrorConnectorWith(cfg, platform, store, log), nil
}

// NewMirrorConnectorWith assembles a connector from an existing adapter and store.
func NewMirrorConnectorWith(cfg *Config, platform Platform, store mirror.MappingStore, log zerolog.Logger) *MirrorConnector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := mirror.NewMetrics(reg)

	targets := make([]mirror.FeedID, 0, len(cfg.TargetFeeds))
	for _, target := range cfg.TargetFeeds {
		targets = append(targets, MakeFeedID(target))
	}

	engine := mirror.NewEngine(store, platform, mirror.EngineOptions{
		Targets:          targets,
		RatePerSecond:    cfg.RateLimit.PerSecond,
		RateBurst:        cfg.RateLimit.Burst,
		BreakerThreshold: cfg.Breaker.FailureThreshold,
		BreakerCooldown:  time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		Metrics:          metrics,
	}, log)

	backfiller := mirror.NewBackfiller(engine, platform, store, mirror.BackfillOptions{
		Source:               MakeFeedID(cfg.SourceFeed),
		PageSize:             cfg.Backfill.PageSize,
		MaxMessages:          cfg.Backfill.MaxMessages,
		UseCursor:            cfg.Backfill.UseCursor,
		MaxAttempts:          cfg.Backfill.MaxAttempts,
		PermanentRetryPasses: cfg.Backfill.PermanentRetryPasses,
		InitialBackoff:       time.Duration(cfg.Backfill.InitialBackoffSeconds) * time.Second,
		MaxBackoff:           time.Duration(cfg.Backfill.MaxBackoffSeconds) * time.Second,
		ConstantBackoff:      cfg.Backfill.ConstantBackoff,
		Metrics:              metrics,
	}, log)

	bgCtx, cancel := context.WithCancel(context.Background())
	mc := &MirrorConnector{
		Config:     cfg,
		Platform:   platform,
		Store:      store,
		Engine:     engine,
		Dispatcher: mirror.NewDispatcher(engine, cfg.Workers, cfg.QueueSize, log),
		Backfiller: backfiller,
		Registry:   reg,

		log:          log.With().Str("component", "connector").Logger(),
		adminMetrics: newAdminMetrics(reg),
		bgCtx:        bgCtx,
		cancelBg:     cancel,
	}

	switch p := platform.(type) {
	case *MattermostClient:
		p.OnReconnect = mc.resync
	case *MatrixClient:
		p.OnReconnect = mc.resync
	}
	return mc
}

// Start authenticates, starts the dispatcher and the event stream, the
// startup backfill and the admin API.
func (mc *MirrorConnector) Start(ctx context.Context) error {
	mc.startedAt = time.Now()
	mc.log.Info().
		Str("platform", mc.Config.Platform).
		Str("source_feed", mc.Config.SourceFeed).
		Strs("target_feeds", mc.Config.TargetFeeds).
		Int("workers", mc.Config.Workers).
		Msg("Starting mirror")

	if err := mc.Platform.Authenticate(ctx); err != nil {
		return err
	}
	mc.Dispatcher.Start()
	if err := mc.Platform.Connect(ctx, MakeFeedID(mc.Config.SourceFeed), mc.Dispatcher.Submit); err != nil {
		_ = mc.Dispatcher.Stop(0)
		return fmt.Errorf("failed to connect: %w", err)
	}

	if mc.Config.Backfill.OnStartup {
		if err := mc.Backfiller.Start(mc.bgCtx, false); err != nil {
			mc.log.Warn().Err(err).Msg("Failed to start startup backfill")
		}
	}

	if mc.Config.AdminAPIAddr != "" {
		mc.admin = &http.Server{
			Addr:         mc.Config.AdminAPIAddr,
			Handler:      mc.AdminRouter(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			mc.log.Info().Str("addr", mc.Config.AdminAPIAddr).Msg("Starting admin API")
			if err := mc.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				mc.log.Error().Err(err).Msg("Admin API error")
			}
		}()
	}
	return nil
}

// resync runs an incremental backfill to recover events missed while the
// event stream was down.
func (mc *MirrorConnector) resync() {
	err := mc.Backfiller.Start(mc.bgCtx, false)
	switch {
	case errors.Is(err, mirror.ErrBackfillRunning):
		mc.log.Debug().Msg("Backfill already running after reconnect")
	case err != nil:
		mc.log.Warn().Err(err).Msg("Failed to start backfill after reconnect")
	default:
		mc.log.Info().Msg("Started backfill after reconnect")
	}
}

// Scan starts a background backfill run. It returns mirror.ErrBackfillRunning
// if one is active.
func (mc *MirrorConnector) Scan(full bool) error {
	return mc.Backfiller.Start(mc.bgCtx, full)
}

// Stop disconnects the event stream, drains the dispatcher within the
// configured grace period, cancels backfill and closes the store.
func (mc *MirrorConnector) Stop() error {
	var errs []error
	mc.stopOnce.Do(func() {
		mc.log.Info().Msg("Stopping mirror")
		mc.Platform.Disconnect()
		if err := mc.Dispatcher.Stop(mc.Config.ShutdownGrace()); err != nil {
			errs = append(errs, err)
		}
		mc.cancelBg()
		mc.Backfiller.Wait()
		if mc.admin != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := mc.admin.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop admin API: %w", err))
			}
			cancel()
		}
		if err := mc.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mapping store: %w", err))
		}
	})
	return errors.Join(errs...)
}

// Status is the service state reported by the admin API and the CLI.
type Status struct {
	Platform        string             `json:"platform"`
	SourceFeed      string             `json:"source_feed"`
	TargetFeeds     []string           `json:"target_feeds"`
	Store           mirror.Stats       `json:"store"`
	Cursor          *CursorStatus      `json:"cursor,omitempty"`
	BackfillRunning bool               `json:"backfill_running"`
	LastBackfill    *mirror.PassResult `json:"last_backfill,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
}

type CursorStatus struct {
	MessageID string `json:"message_id"`
	Position  int64  `json:"position"`
}

// Status collects store counts, the sync cursor and the backfill state.
func (mc *MirrorConnector) Status(ctx context.Context) (Status, error) {
	status := Status{
		Platform:        mc.Config.Platform,
		SourceFeed:      mc.Config.SourceFeed,
		TargetFeeds:     mc.Config.TargetFeeds,
		BackfillRunning: mc.Backfiller.Running(),
		LastBackfill:    mc.Backfiller.LastResult(),
	}
	if !mc.startedAt.IsZero() {
		startedAt := mc.startedAt
		status.StartedAt = &startedAt
	}
	stats, err := mc.Store.Stats(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to read store stats: %w", err)
	}
	status.Store = stats
	cursor, err := mc.Store.Cursor(ctx, MakeFeedID(mc.Config.SourceFeed))
	if err != nil {
		return status, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	if cursor != nil {
		status.Cursor = &CursorStatus{MessageID: string(cursor.MessageID), Position: cursor.Position}
	}
	return status, nil
}
