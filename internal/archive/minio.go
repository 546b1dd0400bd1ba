package archive

import (
	"bytes"
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fluxer-voice-lab/internal/pipeline"
)

// MinioOptions configures NewMinio.
type MinioOptions struct {
	Endpoint string
	Username string
	Password string
	Bucket   string
	Secure   bool
}

// Minio stores each utterance as <base>.wav and <base>.json objects.
type Minio struct {
	client *minio.Client
	bucket string
}

var _ pipeline.Archiver = (*Minio)(nil)

func NewMinio(o MinioOptions) (*Minio, error) {
	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.Username, o.Password, ""),
		Secure: o.Secure,
	})
	if err != nil {
		return nil, err
	}
	return &Minio{client: client, bucket: o.Bucket}, nil
}

// EnsureBucket creates the bucket unless it already exists.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

func (m *Minio) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (m *Minio) Archive(ctx context.Context, rec pipeline.Record) error {
	base := objectBase(rec)
	if err := m.put(ctx, base+".wav", rec.WAV, "audio/wav"); err != nil {
		return err
	}
	meta := MetadataFor(rec)
	meta.WAVPath = base + ".wav"
	b, err := meta.encode()
	if err != nil {
		return err
	}
	return m.put(ctx, base+".json", b, "application/json")
}
