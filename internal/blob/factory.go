package blob

import (
	"context"
	"fmt"
	"strings"

	"spectroscopy/internal/infra/blob/fs"
	"spectroscopy/internal/infra/blob/memory"
	"spectroscopy/internal/infra/blob/s3"
)

// Config selects a blob backend. An empty Driver means fs.
type Config struct {
	Driver Driver
	FSRoot string
	S3     s3.Config
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(string(cfg.Driver))))
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
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
