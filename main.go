// SonicInput backend: hotkey-driven voice capture, local or cloud
// transcription, optional AI cleanup, and text injection into the
// focused application. The GUI shell attaches over the WebSocket
// control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"sonicinput/ai"
	"sonicinput/audio"
	"sonicinput/history"
	"sonicinput/inject"
	"sonicinput/internal/api"
	"sonicinput/internal/bus"
	"sonicinput/internal/config"
	xlog "sonicinput/internal/log"
	"sonicinput/internal/registry"
	"sonicinput/internal/reload"
	"sonicinput/internal/service"
	"sonicinput/provider"
	"sonicinput/refine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sonicinput:", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data", defaultDataDir(), "directory for config, history and audio")
	listenAddr := flag.String("listen", "127.0.0.1:8970", "control API listen address")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	xlog.Configure(xlog.Config{Service: "sonicinput"})
	logger := xlog.WithComponent("main")

	b := bus.New()

	cfg, err := config.NewStore(config.Options{
		Path:    filepath.Join(*dataDir, "config.json"),
		Emitter: b,
	})
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer cfg.Close()
	xlog.SetLevel(cfg.GetString("logging.level", "info"))

	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("config file watching disabled")
	} else {
		watchCtx, stopWatch := context.WithCancel(context.Background())
		defer stopWatch()
		go watcher.Run(watchCtx)
		defer watcher.Close()
	}

	source, err := audio.NewMalgoSource()
	if err != nil {
		return fmt.Errorf("init audio backend: %w", err)
	}
	defer source.Free()
	validateStoredDevice(cfg, source, logger)

	recorder := audio.NewRecorder(source, b)

	worker := ai.NewWorker(ai.NewSherpaEngine, b, ai.EngineConfig{
		Model:    cfg.GetString("transcription.model", ""),
		UseGPU:   cfg.GetBool("transcription.use_gpu", false),
		Language: cfg.GetString("transcription.language", ""),
	})
	defer worker.Close()

	chatter := service.ChatProviderFromStore(cfg)
	refiner := refine.New(chatter, b, service.RefineConfigFromStore(cfg, nil))

	injector := inject.New(inject.ExecClipboard{}, inject.ExecKeystroker{}, b,
		service.InjectConfigFromStore(cfg, nil))
	defer injector.Close()

	store, err := history.Open(
		filepath.Join(*dataDir, "history.db"),
		filepath.Join(*dataDir, "audio"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	orch := service.NewOrchestrator(service.Deps{
		Config:    cfg,
		Bus:       b,
		Recorder:  recorder,
		Worker:    worker,
		Cloud:     cloudTranscriber(cfg),
		Refiner:   refiner,
		Injector:  injector,
		History:   store,
		Clipboard: inject.ExecClipboard{},
	})
	orch.Start()
	defer orch.Shutdown()

	wireReload(cfg, b, worker, refiner, injector, orch)

	reprocess := func(_ context.Context, _ *history.Record, pcm []float32) (string, error) {
		res, err := worker.Transcribe(pcm,
			cfg.GetString("transcription.language", ""),
			cfg.GetFloat("transcription.temperature", 0))
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}

	server := api.NewServer(api.Options{
		Addr:      *listenAddr,
		Config:    cfg,
		Bus:       b,
		Pipeline:  orch,
		History:   store,
		Devices:   source,
		Reprocess: reprocess,
		ForwardEvents: []string{
			audio.EventStarted,
			audio.EventStopped,
			audio.EventLevel,
			ai.EventTranscriptionStarted,
			ai.EventTranscriptionCompleted,
			ai.EventTranscriptionFailed,
			refine.EventCompleted,
			refine.EventFailed,
			inject.EventInjected,
			service.EventPipelineError,
			reload.EventSucceeded,
			reload.EventRestartRequired,
		},
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("start control API: %w", err)
	}
	defer server.Stop()

	logger.Info().Str("data_dir", *dataDir).Str("addr", server.Addr()).Msg("sonicinput running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")
	return nil
}

// validateStoredDevice clears a persisted device index that no longer
// resolves, so the recorder starts on the system default.
func validateStoredDevice(cfg *config.Store, source audio.Source, logger zerolog.Logger) {
	stored := -1
	if v := cfg.Get("audio.device_id", nil); v != nil {
		if f, ok := v.(float64); ok {
			stored = int(f)
		}
	}
	if _, cleared := audio.ValidateDevice(source, stored); cleared {
		logger.Warn().Msg("stored audio device no longer present, using default")
		_ = cfg.Set("audio.device_id", nil)
	}
}

// wireReload registers the reload adapters and routes config diffs into
// the coordinator.
func wireReload(cfg *config.Store, b *bus.Bus, worker *ai.Worker, refiner *refine.Refiner, injector *inject.Injector, orch *service.Orchestrator) {
	reg := registry.New()
	reg.RegisterInstance("transcription", worker)
	reg.RegisterInstance("refiner", refiner)
	reg.RegisterInstance("injector", injector)

	coord := reload.NewCoordinator(reg, b)
	coord.RegisterService("transcription", &service.TranscriptionReloadable{
		Worker: worker,
		Config: cfg,
		Busy:   orch.Recording,
	})
	coord.RegisterService("refiner", &service.RefinerReloadable{Refiner: refiner, Config: cfg})
	coord.RegisterService("injector", &service.InjectorReloadable{Injector: injector, Config: cfg})
	coord.RegisterService("logging", &service.LoggingReloadable{Config: cfg})

	b.On(config.EventChanged, func(payload any) {
		diff, ok := payload.(*config.Diff)
		if !ok {
			return
		}
		// Errors are already logged and emitted by the coordinator.
		_ = coord.HandleConfigChange(diff)
	})
}

// cloudTranscriber builds the configured remote ASR backend, nil for the
// local engine.
func cloudTranscriber(cfg *config.Store) provider.Transcriber {
	policy := provider.DefaultPolicy()
	switch cfg.GetString("transcription.provider", "local") {
	case "openai":
		base := cfg.GetString("transcription.base_url", "https://api.openai.com/v1")
		return provider.NewMultipartASR(provider.MultipartASRConfig{
			Name:     "openai",
			Endpoint: base + "/audio/transcriptions",
			APIKey:   cfg.GetString("transcription.api_key", ""),
			Model:    cfg.GetString("transcription.model", "whisper-1"),
			Policy:   policy,
		})
	case "async":
		base := cfg.GetString("transcription.base_url", "")
		return provider.NewAsyncASR(provider.AsyncASRConfig{
			Name:           "async",
			SubmitEndpoint: base + "/submit",
			PollEndpoint:   base + "/query",
			APIKey:         cfg.GetString("transcription.api_key", ""),
			Model:          cfg.GetString("transcription.model", ""),
			Policy:         policy,
		})
	default:
		return nil
	}
}

func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "sonicinput")
	}
	return "sonicinput-data"
}
