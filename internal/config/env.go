// Package config loads process settings from the environment and account
// settings from a YAML file.
package config

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Env holds process-wide settings.
type Env struct {
	LogLevel    string `env:"LOG_LEVEL, default=info"`
	ControlAddr string `env:"CONTROL_ADDR, default=:9010"`
	ConfigFile  string `env:"VOICE_CONFIG_FILE"`
	TempDir     string `env:"VOICE_TEMP_DIR"`

	WhisperURL       string `env:"WHISPER_URL"`
	WhisperTimeoutMs int    `env:"WHISPER_TIMEOUT_MS, default=15000"`
	WhisperLanguage  string `env:"STT_LANGUAGE"`
	WhisperTranslate bool   `env:"WHISPER_TRANSLATE, default=false"`

	OpenAIBaseURL       string   `env:"OPENAI_BASE_URL"`
	OpenAIAPIKey        string   `env:"OPENAI_API_KEY"`
	OpenAIModel         string   `env:"OPENAI_MODEL"`
	OpenAIFallbackModel string   `env:"OPENAI_FALLBACK_MODEL"`
	LLMMaxTokens        int      `env:"LLM_MAX_TOKENS, default=4000"`
	SystemPrompt        string   `env:"VOICE_SYSTEM_PROMPT"`
	WakePhrases         []string `env:"VOICE_WAKE_PHRASES"`
	WakeWindowWords     int      `env:"VOICE_WAKE_WINDOW_WORDS, default=0"`

	TTSURL       string `env:"TTS_URL"`
	TTSAuthToken string `env:"TTS_AUTH_TOKEN"`
	TTSTimeoutMs int    `env:"TTS_TIMEOUT_MS, default=10000"`

	FFmpegPath string `env:"FFMPEG_PATH, default=ffmpeg"`

	Archive ArchiveEnv

	FluxerAPIToken string `env:"FLUXER_API_TOKEN"`
	FluxerBaseURL  string `env:"FLUXER_BASE_URL"`
}

// ArchiveEnv selects and configures the utterance archive.
type ArchiveEnv struct {
	Backend   string        `env:"ARCHIVE_BACKEND, default=none"`
	Dir       string        `env:"ARCHIVE_DIR"`
	Retention time.Duration `env:"ARCHIVE_RETENTION, default=24h"`
	MaxFiles  int           `env:"ARCHIVE_MAX_FILES, default=0"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisTTL      time.Duration `env:"REDIS_TTL, default=24h"`

	MinioEndpoint string `env:"MINIO_ENDPOINT"`
	MinioUsername string `env:"MINIO_USERNAME"`
	MinioPassword string `env:"MINIO_PASSWORD"`
	MinioBucket   string `env:"MINIO_BUCKET, default=voice-utterances"`
	MinioSecure   bool   `env:"MINIO_SECURE, default=false"`
}

// WhisperTimeout returns the STT request timeout.
func (e *Env) WhisperTimeout() time.Duration {
	return time.Duration(e.WhisperTimeoutMs) * time.Millisecond
}

// TTSTimeout returns the TTS request timeout.
func (e *Env) TTSTimeout() time.Duration {
	return time.Duration(e.TTSTimeoutMs) * time.Millisecond
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadEnv reads Env from the process environment.
func LoadEnv(ctx context.Context) (*Env, error) {
	var e Env
	if err := envconfig.Process(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// LoadEnvFrom reads Env from lookuper, for tests.
func LoadEnvFrom(ctx context.Context, l envconfig.Lookuper) (*Env, error) {
	var e Env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &e, Lookuper: l}); err != nil {
		return nil, err
	}
	return &e, nil
}
