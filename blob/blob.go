// Package blob stages deployment packages in object storage so the device
// can download them. There are two drivers: AWS S3 (including S3-compatible
// emulators) and a local filesystem for development.
package blob

import (
	"context"
	"fmt"
	"time"
)

// DefaultURLExpiry is how long a staged package stays downloadable via its
// presigned URL. Slow device links need generous headroom.
const DefaultURLExpiry = 24 * time.Hour

// Store is the interface for staging deployment packages.
type Store interface {
	// Upload stores data under key, overwriting any previous object.
	Upload(ctx context.Context, key string, data []byte) error
	// PresignedGetURL returns a download URL for key, valid for expireIn.
	PresignedGetURL(ctx context.Context, key string, expireIn time.Duration) (string, error)
	// Delete removes the object under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
	// ListAllWithPrefix lists all keys starting with prefix.
	ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error)
}

// DriverType selects the Store implementation.
type DriverType string

const (
	// DriverTypeLocal is the local filesystem driver.
	DriverTypeLocal DriverType = "Local"
	// DriverTypeS3 is the AWS S3 driver.
	DriverTypeS3 DriverType = "S3"
	// None disables package staging.
	None DriverType = ""
)

// Configuration selects and configures the driver.
type Configuration struct {
	DriverType DriverType
	S3         *S3Configuration
	Local      *LocalConfiguration
}

// NewStore creates the Store selected by the configuration. A None driver
// type yields a nil store, deployments then require pre-staged URLs.
func NewStore(c Configuration) (Store, error) {
	switch c.DriverType {
	case DriverTypeS3:
		if c.S3 == nil {
			return nil, fmt.Errorf("S3 driver selected but not configured")
		}
		return NewS3(*c.S3)
	case DriverTypeLocal:
		if c.Local == nil {
			return nil, fmt.Errorf("local driver selected but not configured")
		}
		return NewLocal(*c.Local)
	case None:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown blob driver type '%s'", c.DriverType)
}
