package uploader

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"

	"sqlopt/internal/config"
)

type gcsStore struct {
	bucket *storage.BucketHandle
}

func (s gcsStore) put(ctx context.Context, key string, body io.Reader, _ int64) error {
	w := s.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// NewGCS builds an uploader for Google Cloud Storage.
func NewGCS(c config.GCSConfig) (Uploader, error) {
	u := &bucketUploader{scheme: "gs", bucket: c.Bucket, prefix: c.Prefix}
	if !c.Enabled {
		return u, nil
	}
	var opts []option.ClientOption
	if path := strings.TrimSpace(c.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}
	u.store = gcsStore{bucket: client.Bucket(c.Bucket)}
	return u, nil
}
