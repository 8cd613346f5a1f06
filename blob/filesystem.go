package blob

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relabs-tech/devicemon/core/logger"
)

// LocalConfiguration configures the local filesystem driver.
type LocalConfiguration struct {
	// BasePath is the directory holding staged packages.
	BasePath string `env:"BLOB_LOCAL_PATH,default=./packages"`
	// PublicURL is the URL prefix under which BasePath is served, e.g.
	// http://localhost:8000/packages. file:// URLs are generated if empty,
	// which only works when the device runs on the same host.
	PublicURL string `env:"BLOB_LOCAL_URL"`
}

// LocalFilesystem is the local filesystem implementation of the Store, meant
// for development against a device on the same host or a local HTTP server.
type LocalFilesystem struct {
	basePath  string
	publicURL string
}

// NewLocal returns a new LocalFilesystem store.
func NewLocal(localConfig LocalConfiguration) (*LocalFilesystem, error) {
	if localConfig.BasePath == "" {
		return nil, fmt.Errorf("BasePath must not be empty")
	}
	if err := os.MkdirAll(localConfig.BasePath, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("blob local filesystem enabled")
	return &LocalFilesystem{
		basePath:  localConfig.BasePath,
		publicURL: strings.TrimSuffix(localConfig.PublicURL, "/"),
	}, nil
}

func (f LocalFilesystem) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key '%s'", key)
	}
	return filepath.Join(f.basePath, filepath.FromSlash(key)), nil
}

// Upload stores data under key, overwriting any previous file.
func (f LocalFilesystem) Upload(ctx context.Context, key string, data []byte) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0600)
}

// PresignedGetURL returns a download URL for key. The local driver does not
// sign, expiry is ignored.
func (f LocalFilesystem) PresignedGetURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	filePath, err := f.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filePath); err != nil {
		return "", fmt.Errorf("key '%s' is not staged: %w", key, err)
	}
	if f.publicURL != "" {
		return f.publicURL + "/" + key, nil
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(absPath)}
	return u.String(), nil
}

// ListAllWithPrefix lists all keys starting with prefix.
func (f LocalFilesystem) ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := filepath.WalkDir(f.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(f.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Delete deletes the key file.
func (f LocalFilesystem) Delete(ctx context.Context, key string) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
