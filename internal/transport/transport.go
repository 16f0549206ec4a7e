// Package transport moves archive segments to and from the remote archive.
// Providers are thin adapters over the storage SDKs.
package transport

import (
	"context"
	"fmt"
	"path"
	"strings"

	"sitevault/internal/errors"
	"sitevault/internal/logging"

	"github.com/google/uuid"
)

// Transport uploads local files as remote objects and downloads them back.
// Remote ids are the object keys returned by Upload.
type Transport interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	Download(ctx context.Context, id, localPath string) error
	Delete(ctx context.Context, id string) error
	Provider() ProviderType
}

// New creates the configured provider wrapped with retries
func New(ctx context.Context, cfg Config, logger *logging.Logger) (Transport, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid storage configuration", err)
	}

	var (
		t   Transport
		err error
	)
	switch cfg.Provider {
	case ProviderLocal:
		t, err = NewLocal(cfg.Local)
	case ProviderS3:
		t, err = NewS3(cfg.S3)
	case ProviderAzure:
		t, err = NewAzure(cfg.Azure)
	case ProviderGCS:
		t, err = NewGCS(ctx, cfg.GCS)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Prefix != "" {
		t = &prefixed{Transport: t, prefix: strings.Trim(cfg.Prefix, "/")}
	}
	t = NewRetrying(t, errors.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  2.0,
	}, logger)
	if cfg.Passphrase != "" {
		t = NewEncrypting(t, cfg.Passphrase)
	}
	return t, nil
}

// NewBackupID returns a fresh identifier for a backup namespace
func NewBackupID() string {
	return uuid.NewString()
}

// ObjectKey places name inside the namespace of one backup
func ObjectKey(backupID, name string) string {
	return path.Join(sanitize(backupID), sanitize(name))
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return strings.Trim(s, "/")
}

// transferError marks a provider failure as worth retrying
func transferError(op, key string, err error) error {
	return errors.NewRecoverableError(errors.ErrorTypeTransport, fmt.Sprintf("failed to %s %s", op, key), err).
		WithContext("key", key)
}

// notFound is terminal
func notFound(key string, err error) error {
	return errors.NewAppError(errors.ErrorTypeTransport, fmt.Sprintf("object %s not found", key), err).
		WithContext("key", key)
}

type prefixed struct {
	Transport
	prefix string
}

func (p *prefixed) Upload(ctx context.Context, localPath, key string) (string, error) {
	return p.Transport.Upload(ctx, localPath, path.Join(p.prefix, key))
}

// Retrying retries recoverable transfer failures with exponential backoff
type Retrying struct {
	inner  Transport
	retry  *errors.RetryHandler
	logger *logging.Logger
}

// NewRetrying wraps t
func NewRetrying(t Transport, cfg errors.RetryConfig, logger *logging.Logger) *Retrying {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Retrying{inner: t, retry: errors.NewRetryHandler(cfg), logger: logger}
}

// Upload implements Transport
func (r *Retrying) Upload(ctx context.Context, localPath, key string) (string, error) {
	var id string
	attempt := 0
	err := r.retry.Retry(ctx, func() error {
		attempt++
		var err error
		id, err = r.inner.Upload(ctx, localPath, key)
		r.logFailure("upload", key, attempt, err)
		return err
	})
	return id, err
}

// Download implements Transport
func (r *Retrying) Download(ctx context.Context, id, localPath string) error {
	attempt := 0
	return r.retry.Retry(ctx, func() error {
		attempt++
		err := r.inner.Download(ctx, id, localPath)
		r.logFailure("download", id, attempt, err)
		return err
	})
}

// Delete implements Transport
func (r *Retrying) Delete(ctx context.Context, id string) error {
	return r.retry.Retry(ctx, func() error {
		return r.inner.Delete(ctx, id)
	})
}

// Provider implements Transport
func (r *Retrying) Provider() ProviderType {
	return r.inner.Provider()
}

func (r *Retrying) logFailure(op, key string, attempt int, err error) {
	if err == nil {
		return
	}
	r.logger.WithFields(map[string]interface{}{
		"operation": op,
		"key":       key,
		"attempt":   attempt,
	}).Warnf("Transfer attempt failed: %v", err)
}
