package uploader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"sqlopt/internal/config"
	"sqlopt/internal/util"
)

// Uploader ships a finished session directory to remote storage and
// returns its location.
type Uploader interface {
	Enabled() bool
	UploadDir(ctx context.Context, dir string) (string, error)
}

// NoopUploader is used when no storage is configured.
type NoopUploader struct{}

// Enabled implements Uploader.
func (n NoopUploader) Enabled() bool {
	return false
}

// UploadDir implements Uploader.
func (n NoopUploader) UploadDir(ctx context.Context, dir string) (string, error) {
	return "", nil
}

// New picks the configured backend. S3 wins when both are enabled.
func New(cfg config.StorageConfig) (Uploader, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3(cfg.S3)
	case cfg.GCS.Enabled:
		return NewGCS(cfg.GCS)
	}
	return NoopUploader{}, nil
}

// objectStore writes one object into a bucket. Each backend is only this call.
type objectStore interface {
	put(ctx context.Context, key string, body io.Reader, size int64) error
}

// bucketUploader copies the files of a session directory into one bucket.
// A nil store means the backend is disabled.
type bucketUploader struct {
	scheme string
	bucket string
	prefix string
	store  objectStore
}

// Enabled implements Uploader.
func (u *bucketUploader) Enabled() bool {
	return u.store != nil
}

// UploadDir implements Uploader. The returned location is the
// scheme://bucket/prefix of the uploaded session.
func (u *bucketUploader) UploadDir(ctx context.Context, dir string) (string, error) {
	if u.store == nil {
		return "", nil
	}
	files, root, err := sessionFiles(dir, u.prefix)
	if err != nil {
		return "", err
	}
	for path, key := range files {
		if err := u.putFile(ctx, path, key); err != nil {
			return "", errors.Wrapf(err, "upload %s", key)
		}
	}
	return u.scheme + "://" + u.bucket + "/" + root, nil
}

func (u *bucketUploader) putFile(ctx context.Context, path, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(file, u.scheme+" upload file")
	info, err := file.Stat()
	if err != nil {
		return err
	}
	return u.store.put(ctx, key, file, info.Size())
}

// sessionFiles lists the regular files of a session directory with the
// object key each one is stored under.
func sessionFiles(dir, prefix string) (map[string]string, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", errors.Wrap(err, "read session dir")
	}
	base := filepath.Base(dir)
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files[filepath.Join(dir, entry.Name())] = prefix + base + "/" + entry.Name()
	}
	return files, prefix + base + "/", nil
}
