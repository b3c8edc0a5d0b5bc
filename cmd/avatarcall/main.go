package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/square-key-labs/avatarcall/src/capture"
	"github.com/square-key-labs/avatarcall/src/config"
	"github.com/square-key-labs/avatarcall/src/logger"
	"github.com/square-key-labs/avatarcall/src/recording"
	"github.com/square-key-labs/avatarcall/src/records"
	"github.com/square-key-labs/avatarcall/src/server"
	"github.com/square-key-labs/avatarcall/src/services/avatar"
	"github.com/square-key-labs/avatarcall/src/services/realtime"
	"github.com/square-key-labs/avatarcall/src/session"
	"github.com/square-key-labs/avatarcall/src/upload"
)

func main() {
	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	log := logger.WithPrefix("Main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	finalizer := recording.NewFinalizer(store, newUploader(ctx, cfg, log))
	calls := session.NewManager(realtime.NewClient(), avatar.NewClient(), store, finalizer)
	calls.OnTransition(func(s *session.Session, from, to session.State) {
		if to.Terminal() {
			log.Info("Call %s %s", s.ID(), to)
		}
	})

	srv := server.New(ctx, calls, server.Options{
		Call: session.Config{
			Engine: realtime.SessionConfig{
				URL:                cfg.EngineURL,
				APIKey:             cfg.EngineAPIKey,
				Model:              cfg.EngineModel,
				Voice:              cfg.EngineVoice,
				Instructions:       cfg.EngineInstructions,
				TranscriptionModel: cfg.TranscriptionModel,
				TurnDetection: realtime.TurnDetection{
					Threshold:     cfg.VADThreshold,
					PrefixPadding: cfg.VADPrefixPadding,
					Silence:       cfg.VADSilenceDuration,
				},
			},
			Renderer: avatar.Config{
				FaceID:           cfg.AvatarFaceID,
				APIKey:           cfg.AvatarAPIKey,
				HandleSilence:    cfg.AvatarHandleSilence,
				MaxSessionLength: cfg.AvatarMaxSessionLength,
				MaxIdleTime:      cfg.AvatarMaxIdleTime,
				URL:              cfg.AvatarURL,
				ICEServers:       cfg.ICEServers,
			},
			MirrorMic:     cfg.MirrorMic,
			QueueInterval: cfg.QueueMinInterval,
		},
		DeviceCapture: cfg.CaptureDevice,
		Capture: capture.Options{
			SampleRate: cfg.CaptureRate,
			BlockSize:  cfg.CaptureBlock,
		},
		OutputDir: cfg.OutputDir,
	})

	go func() {
		if err := srv.Start(cfg.HTTPAddress); err != nil {
			log.Error("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	if err := calls.Shutdown(shutdownCtx); err != nil {
		log.Warn("Call did not finalize before exit: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (records.Store, func()) {
	if cfg.DatabaseURL == "" {
		return records.NewMemoryStore(), func() {}
	}
	pg, err := records.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	return pg, func() { pg.Close() }
}

func newUploader(ctx context.Context, cfg config.Config, log *logger.Logger) upload.Uploader {
	switch {
	case cfg.SupabaseURL != "":
		var analyzer upload.Analyzer
		if cfg.GeminiAPIKey != "" || cfg.GoogleCloudProject != "" {
			a, err := upload.NewGeminiAnalyzer(ctx, upload.GeminiConfig{
				APIKey:   cfg.GeminiAPIKey,
				Project:  cfg.GoogleCloudProject,
				Location: cfg.GoogleCloudLocation,
				Model:    cfg.AnalysisModel,
			})
			if err != nil {
				log.Warn("Post-call analysis disabled: %v", err)
			} else {
				analyzer = a
			}
		}
		u, err := upload.NewStorageUploader(upload.StorageConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceKey,
			Bucket:         cfg.SupabaseBucket,
			Prefix:         "calls",
		}, analyzer)
		if err != nil {
			log.Error("Recording storage disabled: %v", err)
			return nil
		}
		return u

	case cfg.UploadEndpoint != "":
		return upload.NewHTTPUploader(cfg.UploadEndpoint, cfg.UploadToken)
	}
	return nil
}
