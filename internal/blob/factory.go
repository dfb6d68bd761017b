package blob

import (
	"context"
	"fmt"

	"stockroom/internal/infra/blob/fs"
	"stockroom/internal/infra/blob/memory"
	"stockroom/internal/infra/blob/s3"
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// S3Config re-exports the S3 backend settings.
type S3Config = s3.Config

// Open returns the configured backend. The filesystem driver is the default.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMockS3ForTests returns an S3 backend served by an in-process fake.
func NewMockS3ForTests() Store { return s3.NewMockForTests() }
