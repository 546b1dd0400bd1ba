package archive

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxer-voice-lab/internal/pipeline"
)

const (
	redisKeyPrefix = "voice:utterance:"
	redisStream    = "voice_utterances"
	redisStreamLen = 10000
)

// Redis stores the WAV and sidecar as expiring keys and appends an entry to
// a capped stream so consumers can follow new utterances.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ pipeline.Archiver = (*Redis)(nil)

// NewRedis wraps client. ttl <= 0 keeps keys forever.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKeys(rec pipeline.Record) (wavKey, metaKey string) {
	base := redisKeyPrefix + objectBase(rec)
	return base + ":wav", base + ":meta"
}

func (r *Redis) Archive(ctx context.Context, rec pipeline.Record) error {
	meta := MetadataFor(rec)
	b, err := meta.encode()
	if err != nil {
		return err
	}
	wavKey, metaKey := redisKeys(rec)
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, wavKey, rec.WAV, r.ttl)
		pipe.Set(ctx, metaKey, b, r.ttl)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: redisStream,
			MaxLen: redisStreamLen,
			Approx: true,
			Values: map[string]any{
				"correlationID": meta.CorrelationID,
				"accountID":     meta.AccountID,
				"guildID":       meta.GuildID,
				"channelID":     meta.ChannelID,
				"participantID": meta.ParticipantID,
				"durationMs":    meta.DurationMs,
				"metaKey":       metaKey,
				"wavKey":        wavKey,
			},
		})
		return nil
	})
	return err
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }
