package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fluxer-voice-lab/internal/archive"
	"github.com/fluxer-voice-lab/internal/config"
	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/mcp"
	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/pipeline"
	"github.com/fluxer-voice-lab/internal/speech"
	"github.com/fluxer-voice-lab/internal/voice"
	"github.com/fluxer-voice-lab/llm"
)

var version = "dev"

const (
	cleanupInterval = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// newPipelineDeps wires the speech stack from env.
func newPipelineDeps(env *config.Env, m *metrics.Metrics, arch pipeline.Archiver) pipeline.Deps {
	stt := &speech.WhisperClient{
		URL:       env.WhisperURL,
		Language:  env.WhisperLanguage,
		Translate: env.WhisperTranslate,
		Timeout:   env.WhisperTimeout(),
	}
	chat := llm.NewClient(llm.Options{
		BaseURL:       env.OpenAIBaseURL,
		APIKey:        env.OpenAIAPIKey,
		Model:         env.OpenAIModel,
		FallbackModel: env.OpenAIFallbackModel,
		MaxTokensCap:  env.LLMMaxTokens,
	})
	return pipeline.Deps{
		Responder: &speech.Responder{
			STT:          stt,
			Chat:         chat,
			SystemPrompt: env.SystemPrompt,
			MaxTokens:    env.LLMMaxTokens,
			Wake:         speech.NewWakeDetector(env.WakePhrases, env.WakeWindowWords),
		},
		Synthesizer: &speech.TTSClient{URL: env.TTSURL, AuthToken: env.TTSAuthToken, Timeout: env.TTSTimeout()},
		Transcoder:  &speech.FFmpeg{Path: env.FFmpegPath},
		Archiver:    arch,
		Metrics:     m,
		TempDir:     env.TempDir,
	}
}

// newMux serves metrics, health and the MCP control surface.
func newMux(svc mcp.VoiceService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(mcp.Path, mcp.Handler(mcp.NewServer(svc, version)))
	return mux
}

func run(ctx context.Context, env *config.Env) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	file, err := config.LoadFile(env.ConfigFile)
	if err != nil {
		return err
	}
	cfg := &config.Config{Env: env, File: file}
	for _, a := range cfg.EnabledAccounts() {
		logging.Infow("account resolved",
			"account_id", a.AccountID,
			"configured", a.Configured(),
			"token_source", a.TokenSource,
			"base_url_source", a.BaseURLSource,
			"voice_enabled", a.Config.Voice.IsEnabled())
	}

	m := metrics.Default()
	backend, err := archive.Open(ctx, env.Archive, m)
	if err != nil {
		return err
	}
	defer backend.Close()
	logging.Infow("archive backend opened", "backend", backend.Name)

	var wg sync.WaitGroup
	if backend.Cleaner != nil {
		wg.Add(1)
		go backend.Cleaner.Run(ctx, &wg, cleanupInterval)
	}

	registry := pipeline.NewRegistry(newPipelineDeps(env, m, backend.Archiver), func(accountID string) pipeline.Settings {
		return cfg.ResolveAccount(accountID).Config.Voice.PipelineSettings()
	})
	svc := voice.NewService(voice.ServiceOptions{
		Config:   cfg,
		Registry: registry,
		Manager:  voice.Options{Metrics: m},
	})
	defer svc.Close()

	srv := &http.Server{Addr: env.ControlAddr, Handler: newMux(svc), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logging.Infow("control server listening", "addr", env.ControlAddr, "mcp_path", mcp.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	go svc.AutoJoin(ctx)

	select {
	case <-ctx.Done():
		logging.Infow("shutting down")
	case err = <-serveErr:
		logging.Errorw("control server failed", "error", err)
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logging.Warnw("control server shutdown", "error", serr)
	}
	wg.Wait()
	return err
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logging.Init()
		logging.FatalExitf("load .env failed", "error", err)
	}
	env, err := config.LoadEnv(context.Background())
	if err != nil {
		logging.Init()
		logging.FatalExitf("load environment failed", "error", err)
	}
	logging.InitLevel(env.LogLevel)
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, env); err != nil {
		logging.Errorw("voice bot exited", "error", err)
		_ = logging.Sync()
		os.Exit(1)
	}
}
