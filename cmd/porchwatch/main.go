package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"porchwatch/internal/api"
	"porchwatch/internal/auth"
	"porchwatch/internal/camera"
	"porchwatch/internal/classifier"
	"porchwatch/internal/config"
	"porchwatch/internal/database"
	"porchwatch/internal/detection"
	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
	"porchwatch/internal/pipeline/detectors"
	"porchwatch/internal/redact"
	"porchwatch/internal/store"
	"porchwatch/internal/telegram"
	"porchwatch/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", os.Getenv("PORCHWATCH_CONFIG"), "Path to the YAML config file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "porchwatch: %v\n", err)
		os.Exit(1)
	}
	if *dbgF {
		cfg.Server.Debug = true
	}

	plog.Init(cfg.Log.Level, cfg.Log.Format)
	logger := plog.Component("main").With("device_id", cfg.DeviceID)

	if err := run(cfg); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("exited")
}

func run(cfg *config.Config) error {
	logger := plog.Component("main").With("device_id", cfg.DeviceID)

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	// Backend store
	var (
		st     pipeline.Store
		images api.ImageResolver
	)
	switch cfg.Store.Backend {
	case "sqlite":
		local, err := store.NewLocalStore(db, cfg.Store.ImageDir)
		if err != nil {
			return err
		}
		st, images = local, local
	case "supabase":
		remote, err := store.NewSupabaseStore(store.SupabaseConfig{
			URL:        cfg.Store.SupabaseURL,
			ServiceKey: cfg.Store.SupabaseKey,
			Bucket:     cfg.Store.Bucket,
			Table:      cfg.Store.Table,
			Timeout:    cfg.Classifier.StoreTimeout,
		})
		if err != nil {
			return err
		}
		st = remote
	default:
		logger.Warn("no backend store configured, captures stay on local disk")
	}

	// Vision classifier, shared by the dual-pass gate and the fan-out
	var cls pipeline.Classifier
	if cfg.Classifier.Enabled() {
		client, err := classifier.NewBasetenClient(classifier.Config{
			ModelURL: cfg.Classifier.ModelURL,
			APIKey:   cfg.Classifier.APIKey,
			Model:    cfg.Classifier.Model,
			Timeout:  cfg.Classifier.Timeout,
		})
		if err != nil {
			return err
		}
		cls = client
	} else {
		logger.Warn("classifier not configured, ambiguous detections will be dropped")
	}

	registry, err := buildDetectors(cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	adapter, err := detectors.NewYOLOAdapter(registry, detectors.AdapterConfig{
		ConfThreshold:          cfg.Detector.Confidence,
		AmbiguousConfThreshold: cfg.Detector.AmbiguousConfidence,
		StandardClasses:        cfg.Detector.StandardClasses,
		AmbiguousClasses:       cfg.Detector.AmbiguousClasses,
		ROI:                    detectors.ROI(cfg.Detector.ROI),
	})
	if err != nil {
		return err
	}
	gate := detectors.NewCostumeGate(cls, detectors.GateConfig{
		Timeout:     cfg.Classifier.Timeout,
		CropMaxSide: cfg.Classifier.MaxSide,
	})

	presence := pipeline.PresenceConfig{
		DwellTime:        cfg.Presence.DwellTime,
		GracePeriod:      cfg.Presence.GracePeriod,
		CooldownDuration: cfg.Presence.Cooldown,
	}
	if err := presence.Validate(); err != nil {
		return err
	}

	redactor, err := redact.New(redact.Config{
		Mode:        redact.Mode(cfg.Redaction.Mode),
		CascadePath: cfg.Redaction.CascadePath,
		Padding:     cfg.Redaction.Padding,
		Kernel:      cfg.Redaction.Kernel,
	})
	if err != nil {
		return fmt.Errorf("initializing redaction: %w", err)
	}
	defer redactor.Close()

	composer := pipeline.NewComposer(pipeline.ComposerConfig{
		Dir:      cfg.Capture.Dir,
		Location: loc,
		Quality:  cfg.Capture.Quality,
	}, redactor)

	fanOut := pipeline.NewFanOut(pipeline.FanOutConfig{
		DeviceID:          cfg.DeviceID,
		Location:          loc,
		ClassifierTimeout: cfg.Classifier.Timeout,
		StoreTimeout:      cfg.Classifier.StoreTimeout,
		CropMaxSide:       cfg.Classifier.MaxSide,
	}, cls, st)

	source := cfg.VideoSource()
	sampler := camera.NewSampler(
		camera.NewSource(source, camera.SourceOptions{
			FPS:      cfg.Camera.FPS,
			Username: cfg.Camera.Username,
			Password: cfg.Camera.Password,
		}),
		camera.SamplerConfig{
			Stride:            cfg.Camera.Stride,
			ReconnectInterval: cfg.Camera.ReconnectInterval,
			ReadFailureDelay:  cfg.Camera.ReadFailureDelay,
			Reconnect: camera.ReconnectConfig{
				MaxRetries:    cfg.Camera.MaxRetries,
				RetryDelay:    cfg.Camera.RetryDelay,
				MaxRetryDelay: cfg.Camera.MaxRetryDelay,
			},
		},
	)

	bus := pipeline.NewEventBus()
	defer bus.Close()

	hub := ws.NewCaptureHub(true)
	defer hub.Close()
	bus.Subscribe(hub)

	p, err := pipeline.New(pipeline.Config{
		DeviceID:       cfg.DeviceID,
		HealthInterval: cfg.HealthInterval,
	}, pipeline.Deps{
		Sampler:    sampler,
		Detector:   adapter,
		Resolver:   gate,
		Tracker:    pipeline.NewPresenceTracker(presence),
		Composer:   composer,
		FanOut:     fanOut,
		Bus:        bus,
		CaptureLog: store.NewAuditLog(db),
	})
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTExpiry: cfg.Auth.JWTExpiry,
	})
	if err != nil {
		return err
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error, 3)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telegram.Enabled {
		bot, err := telegram.NewTelegramBot(telegram.Config{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Cooldown: cfg.Telegram.Cooldown,
			Location: loc,
		})
		if err != nil {
			return err
		}
		notifier := telegram.NewNotifier(bot)
		defer notifier.Close()
		bus.Subscribe(notifier)

		commands := telegram.NewCommandHandler(bot, p, db, func(ctx context.Context) ([]byte, error) {
			return camera.Snapshot(ctx, source)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			commands.StartPolling(ctx)
		}()
	}

	handler := api.New(api.Config{
		DeviceID: cfg.DeviceID,
		Auth:     authenticator,
		Stats:    p,
		Records:  db,
		Images:   images,
		DetectorHealth: func(ctx context.Context) (string, bool) {
			name, det, err := registry.Primary(ctx)
			if err != nil {
				return "", false
			}
			return name, det.IsHealthy(ctx)
		},
		Live:        ws.NewHandler(hub, cfg.DeviceID),
		Debug:       cfg.Server.Debug,
		DebugOutput: os.Stdout,
	})
	handleHTTPServer(ctx, cfg.Server.Addr, handler, &wg, errc)

	// Startup open failure is fatal, reconnects after this are not
	if err := sampler.Open(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil && !errors.Is(err, camera.ErrSourceClosed) {
			errc <- err
			return
		}
		errc <- errors.New("processing loop stopped")
	}()

	logger.Info("porchwatch running", "stride", cfg.Camera.Stride, "store", cfg.Store.Backend)
	logger.Info("shutting down", "reason", <-errc)

	// Closing the sampler unblocks a pending frame read
	cancel()
	if err := sampler.Close(); err != nil {
		logger.Warn("failed to release video source", "error", err)
	}
	wg.Wait()
	return nil
}

// buildDetectors registers the configured backend first and the other one,
// when configured, as failover
func buildDetectors(cfg *config.Config) (*detectors.Registry, error) {
	registry := detectors.NewRegistry()

	register := func(backend string) error {
		switch backend {
		case "http":
			return registry.Register("http", detection.NewHTTPDetector(cfg.Detector.HTTPEndpoint, cfg.Detector.Timeout))
		case "grpc":
			det, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{Endpoint: cfg.Detector.GRPCEndpoint})
			if err != nil {
				return err
			}
			return registry.Register("grpc", det)
		}
		return fmt.Errorf("unknown detector backend %q", backend)
	}

	if err := register(cfg.Detector.Backend); err != nil {
		return nil, err
	}
	switch {
	case cfg.Detector.Backend == "grpc" && cfg.Detector.HTTPEndpoint != "":
		if err := register("http"); err != nil {
			return nil, err
		}
	case cfg.Detector.Backend == "http" && cfg.Detector.GRPCEndpoint != "":
		if err := register("grpc"); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
