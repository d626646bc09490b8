package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"parking-gate-service/internal/config"
	"parking-gate-service/internal/db"
	"parking-gate-service/internal/detection"
	"parking-gate-service/internal/gate"
	httphandler "parking-gate-service/internal/http"
	"parking-gate-service/internal/journal"
	"parking-gate-service/internal/logger"
	"parking-gate-service/internal/notify"
	"parking-gate-service/internal/repository"
	"parking-gate-service/internal/service"
	"parking-gate-service/internal/session"
	"parking-gate-service/internal/transport/poll"
	"parking-gate-service/internal/transport/push"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the gate sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logger.New(cfg.Log.Level, cfg.Log.Console)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}

	database, err := db.Connect(db.Options{
		DSN:             cfg.DB.DSN,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		SlowThreshold:   cfg.DB.SlowThreshold,
		Migrate:         cfg.DB.AutoMigrate,
	}, log)
	if err != nil {
		return err
	}
	defer db.Close(database)

	eventRepo := repository.NewANPRRepository(database)
	vehicleRepo := repository.NewVehicleRepository(database)
	rateRepo := repository.NewRateRepository(database)
	passageRepo := repository.NewPassageRepository(database)

	hub := push.NewHub(log)
	broadcaster := notify.NewBroadcaster(log)
	go broadcaster.Run(ctx)

	detections := service.NewDetectionService(eventRepo, hub, log)

	sessionJournal, closeJournal, err := openJournal(ctx, cfg.Gate, log)
	if err != nil {
		return err
	}
	defer closeJournal()

	barrier, err := newBarrier(ctx, cfg.AWS, log)
	if err != nil {
		return err
	}

	manager := session.NewManager(ctx, session.Config{
		Source: detection.Config{
			PollInterval: cfg.Gate.PollInterval,
			PollTimeout:  cfg.Gate.PollTimeout,
		},
		SeenCapacity:  cfg.Gate.SeenCapacity,
		SeenWindow:    cfg.Gate.SeenWindow,
		ChimeInterval: cfg.Gate.ChimeInterval,
		JournalTTL:    cfg.Gate.JournalTTL,
	}, session.ManagerDeps{
		Transports: transports(cfg.Remote, hub, detections, log),
		Vehicles:   vehicleRepo,
		Rates:      rateRepo,
		Passages:   passageRepo,
		Journal:    sessionJournal,
		Barrier:    barrier,
		Sink:       broadcaster,
	}, log)
	defer manager.CloseAll()

	bindings, err := cfg.Gate.AutostartGates()
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if _, err := manager.Open(ctx, b.GateID, b.StationID); err != nil {
			return fmt.Errorf("autostart gate %s: %w", b.GateID, err)
		}
	}

	if cfg.AWS.SQSQueueURL != "" {
		client, err := push.NewSQSClient(ctx, cfg.AWS.Region, cfg.AWS.SQSEndpoint)
		if err != nil {
			return err
		}
		go push.NewSQSFeed(client, cfg.AWS.SQSQueueURL, detections.IngestDetection, log).Run(ctx)
	}

	go runCleanup(ctx, cfg.Retention, detections, sessionJournal, cfg.Gate.JournalTTL, log)

	var verifier *httphandler.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = httphandler.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}
	handler := httphandler.NewHandler(httphandler.Deps{
		Detections:  detections,
		Sessions:    manager,
		Hub:         hub,
		Broadcaster: broadcaster,
		History:     passageRepo,
	}, cfg, log)
	router := httphandler.NewRouter(handler, cfg, httphandler.AuthMiddleware(verifier, log), log)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not complete")
	}
	return nil
}

// transports picks the detection channels for gate sessions: the local hub
// and database, or another instance's API when remote endpoints are set.
func transports(remote config.RemoteConfig, hub *push.Hub, local *service.DetectionService, log zerolog.Logger) session.Transports {
	if !remote.Enabled() {
		return func(gateID string) (detection.PushTransport, detection.PollTransport) {
			return hub, local
		}
	}

	var pushT detection.PushTransport
	if remote.StreamURL != "" {
		pushT = push.NewWSClient(remote.StreamURL, log, push.WithBearerToken(remote.Token))
	}
	var pollT detection.PollTransport
	if remote.APIBaseURL != "" {
		pollT = poll.NewClient(remote.APIBaseURL, remote.Token, nil, log)
	}
	return func(gateID string) (detection.PushTransport, detection.PollTransport) {
		return pushT, pollT
	}
}

func openJournal(ctx context.Context, cfg config.GateConfig, log zerolog.Logger) (session.Journal, func(), error) {
	if cfg.JournalPath == "" {
		log.Info().Msg("using in-memory detection journal")
		return journal.NewMemory(), func() {}, nil
	}

	j, err := journal.OpenSQLite(ctx, cfg.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("path", cfg.JournalPath).Msg("detection journal opened")
	return j, func() { j.Close() }, nil
}

func newBarrier(ctx context.Context, cfg config.AWSConfig, log zerolog.Logger) (session.BarrierOpener, error) {
	if cfg.IoTEndpoint == "" {
		return gate.Noop{Log: log}, nil
	}
	client, err := gate.NewIoTClient(ctx, cfg.Region, cfg.IoTEndpoint)
	if err != nil {
		return nil, err
	}
	return gate.NewIoTBarrier(client, cfg.BarrierTopicPrefix, log), nil
}

func runCleanup(ctx context.Context, cfg config.RetentionConfig, detections *service.DetectionService, j session.Journal, journalTTL time.Duration, log zerolog.Logger) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.EventDays > 0 {
				if _, err := detections.CleanupOldEvents(ctx, cfg.EventDays); err != nil {
					log.Warn().Err(err).Msg("event retention cleanup failed")
				}
			}
			if n, err := j.Purge(ctx, time.Now().Add(-journalTTL)); err != nil {
				log.Warn().Err(err).Msg("journal purge failed")
			} else if n > 0 {
				log.Debug().Int64("purged", n).Msg("journal purged")
			}
		}
	}
}
