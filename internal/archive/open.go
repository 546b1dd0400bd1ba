package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fluxer-voice-lab/internal/config"
	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/pipeline"
)

// Backend is an opened archive. Archiver is nil when archiving is off.
type Backend struct {
	Name     string
	Archiver pipeline.Archiver
	// Cleaner is set for the disk backend.
	Cleaner *Cleaner
	close   func() error
}

// Close releases backend connections.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// Open builds the backend selected by env.Backend.
func Open(ctx context.Context, env config.ArchiveEnv, m *metrics.Metrics) (*Backend, error) {
	name := strings.ToLower(strings.TrimSpace(env.Backend))
	var inner pipeline.Archiver
	b := &Backend{Name: name}
	switch name {
	case "", "none", "off":
		return &Backend{Name: "none"}, nil
	case "disk":
		dir := env.Dir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "voice-archive")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive dir: %w", err)
		}
		inner = &Disk{Dir: dir}
		b.Cleaner = &Cleaner{Dir: dir, Retention: env.Retention, MaxFiles: env.MaxFiles}
	case "redis":
		if env.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for the redis archive")
		}
		client := redis.NewClient(&redis.Options{Addr: env.RedisAddr, Password: env.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		r := NewRedis(client, env.RedisTTL)
		inner = r
		b.close = r.Close
	case "minio":
		if env.MinioEndpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT is required for the minio archive")
		}
		mc, err := NewMinio(MinioOptions{
			Endpoint: env.MinioEndpoint,
			Username: env.MinioUsername,
			Password: env.MinioPassword,
			Bucket:   env.MinioBucket,
			Secure:   env.MinioSecure,
		})
		if err != nil {
			return nil, err
		}
		if err := mc.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("minio bucket: %w", err)
		}
		inner = mc
	default:
		return nil, fmt.Errorf("unknown archive backend %q", env.Backend)
	}
	b.Archiver = &Instrumented{Backend: name, Inner: inner, Metrics: m}
	return b, nil
}
