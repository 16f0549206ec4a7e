package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sitevault/internal/errors"
)

// Local stores objects below a directory, for single host deployments and tests
type Local struct {
	basePath    string
	permissions os.FileMode
}

// NewLocal creates the base directory if needed
func NewLocal(cfg *LocalConfig) (*Local, error) {
	if cfg == nil || cfg.BasePath == "" {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "local storage requires base_path", nil)
	}
	perm := cfg.Permissions
	if perm == 0 {
		perm = 0755
	}
	if err := os.MkdirAll(cfg.BasePath, perm); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypePermission, "failed to create base directory", err)
	}
	return &Local{basePath: cfg.BasePath, permissions: perm}, nil
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("invalid object key %q", key), nil)
	}
	return filepath.Join(l.basePath, clean), nil
}

// Upload copies localPath to key
func (l *Local) Upload(ctx context.Context, localPath, key string) (string, error) {
	dst, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), l.permissions); err != nil {
		return "", errors.NewAppError(errors.ErrorTypePermission, "failed to create object directory", err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", transferError("upload", key, err)
	}
	return key, nil
}

// Download copies the object id to localPath
func (l *Local) Download(ctx context.Context, id, localPath string) error {
	src, err := l.path(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return notFound(id, err)
	}
	if err := copyFile(src, localPath); err != nil {
		return transferError("download", id, err)
	}
	return nil
}

// Delete removes the object id
func (l *Local) Delete(ctx context.Context, id string) error {
	p, err := l.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return notFound(id, err)
		}
		return transferError("delete", id, err)
	}
	return nil
}

// Provider implements Transport
func (l *Local) Provider() ProviderType {
	return ProviderLocal
}

// BasePath returns the archive directory
func (l *Local) BasePath() string {
	return l.basePath
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
