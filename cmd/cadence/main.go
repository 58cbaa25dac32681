// Command cadence runs the Cadence voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadence-voice/cadence/internal/config"
	"github.com/cadence-voice/cadence/internal/observe"
	"github.com/cadence-voice/cadence/internal/server"
	"github.com/cadence-voice/cadence/internal/store"
	memstore "github.com/cadence-voice/cadence/internal/store/memory"
	pgstore "github.com/cadence-voice/cadence/internal/store/postgres"
	"github.com/cadence-voice/cadence/pkg/provider/llm/openai"
	"github.com/cadence-voice/cadence/pkg/provider/stt"
	"github.com/cadence-voice/cadence/pkg/provider/stt/deepgram"
	"github.com/cadence-voice/cadence/pkg/provider/tts/elevenlabs"
)

// version is set via -ldflags at release time.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadence: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cadence starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadence",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	llmClient, err := buildLLM(cfg)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	ttsClient, err := buildTTS(cfg)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}
	newSTT := sttFactory(cfg, metrics)

	turnStore := buildStore(ctx, cfg)
	if turnStore != nil {
		defer turnStore.Close()
	}

	srv := server.New(server.Deps{
		Cfg:     cfg,
		Log:     logger,
		Metrics: metrics,
		LLM:     llmClient,
		TTS:     ttsClient,
		NewSTT:  newSTT,
		Store:   turnStore,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildLLM constructs the OpenAI chat client from config.
func buildLLM(cfg *config.Config) (*openai.Client, error) {
	p := cfg.Providers.LLM
	var opts []openai.Option
	if p.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(p.BaseURL))
	}
	if p.PriorityTier {
		opts = append(opts, openai.WithPriorityTier(true))
	}
	if p.Temperature != 0 {
		opts = append(opts, openai.WithTemperature(p.Temperature))
	}
	if p.MaxTokens != 0 {
		opts = append(opts, openai.WithMaxTokens(p.MaxTokens))
	}
	return openai.New(p.APIKey, p.Model, opts...)
}

// buildTTS constructs the ElevenLabs streaming client from config.
func buildTTS(cfg *config.Config) (*elevenlabs.Client, error) {
	p := cfg.Providers.TTS
	var opts []elevenlabs.Option
	if p.Model != "" {
		opts = append(opts, elevenlabs.WithModel(p.Model))
	}
	if p.OutputFormat != "" {
		opts = append(opts, elevenlabs.WithOutputFormat(p.OutputFormat))
	}
	return elevenlabs.New(p.APIKey, p.VoiceID, opts...)
}

// sttFactory returns the per-session Deepgram constructor. STT clients are
// per-session because the live socket carries one conversation's audio.
func sttFactory(cfg *config.Config, metrics *observe.Metrics) func(cb stt.Callbacks) (stt.Client, error) {
	p := cfg.Providers.STT
	return func(cb stt.Callbacks) (stt.Client, error) {
		opts := []deepgram.Option{
			deepgram.WithDropCallback(func(int) {
				metrics.RecordDroppedAudioChunk(context.Background())
			}),
		}
		if p.Model != "" {
			opts = append(opts, deepgram.WithModel(p.Model))
		}
		if p.Language != "" {
			opts = append(opts, deepgram.WithLanguage(p.Language))
		}
		if p.SampleRate != 0 {
			opts = append(opts, deepgram.WithSampleRate(p.SampleRate))
		}
		return deepgram.New(p.APIKey, cb, opts...)
	}
}

// buildStore picks the turn store. A configured Postgres DSN that cannot be
// reached degrades to the in-memory store so voice sessions still work.
func buildStore(ctx context.Context, cfg *config.Config) store.TurnStore {
	dsn := cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Info("no postgres_dsn configured, using in-memory turn store")
		return memstore.NewStore()
	}
	ps, err := pgstore.NewStore(ctx, dsn)
	if err != nil {
		slog.Warn("postgres unavailable, continuing with in-memory turn store", "err", err)
		return memstore.NewStore()
	}
	slog.Info("postgres turn store connected")
	return ps
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
