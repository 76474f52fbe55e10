package ports

import (
	"context"
	"io"
	"time"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// localfs and s3 echo the object key.
	// gdrive returns the Drive fileId.
	ObjectKey string
	Size      int64
}

type SignedURLOutput struct {
	URL       string
	ExpiresAt time.Time
}

// StorageProvider is implemented by localfs, gdrive and s3. Putting an
// existing key replaces the object.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	// GetObject fails with an error wrapping os.ErrNotExist for unknown keys.
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// ObjectURL returns a permanent public URL for the object, or "" when
	// the provider has none and the API must stream it instead.
	ObjectURL(ctx context.Context, objectKey string) (string, error)
	GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (SignedURLOutput, error)
}
