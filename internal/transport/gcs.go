package transport

import (
	"context"
	stderrors "errors"
	"io"
	"os"

	"sitevault/internal/errors"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a client from a credentials file or the default credentials
func NewGCS(ctx context.Context, cfg *GCSConfig) (*GCS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid GCS storage configuration", err)
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeConnection, "failed to create GCS client", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket}, nil
}

// Upload streams localPath to object key
func (p *GCS) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", transferError("upload", key, err)
	}
	if err := w.Close(); err != nil {
		return "", transferError("upload", key, err)
	}
	return key, nil
}

// Download writes object id to localPath
func (p *GCS) Download(ctx context.Context, id, localPath string) error {
	r, err := p.client.Bucket(p.bucket).Object(id).NewReader(ctx)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return notFound(id, err)
		}
		return transferError("download", id, err)
	}
	defer r.Close()
	return writeLocal(localPath, r, id)
}

// Delete removes object id
func (p *GCS) Delete(ctx context.Context, id string) error {
	if err := p.client.Bucket(p.bucket).Object(id).Delete(ctx); err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return notFound(id, err)
		}
		return transferError("delete", id, err)
	}
	return nil
}

// Provider implements Transport
func (p *GCS) Provider() ProviderType {
	return ProviderGCS
}

// Close releases the client
func (p *GCS) Close() error {
	return p.client.Close()
}
