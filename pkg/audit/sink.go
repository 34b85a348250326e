package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink is an external compliance store that receives audit exports.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// SinkType selects the export backend.
type SinkType string

const (
	SinkNone SinkType = ""
	SinkFS   SinkType = "fs"
	SinkS3   SinkType = "s3"
	SinkGCS  SinkType = "gcs"
)

// SinkConfig configures NewSink.
type SinkConfig struct {
	Type     SinkType
	Dir      string // fs
	Bucket   string // s3, gcs
	Region   string // s3
	Endpoint string // s3: optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix
}

// NewSink builds the sink cfg names. SinkNone returns a nil sink.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case SinkNone:
		return nil, nil
	case SinkFS:
		return NewFileSink(cfg.Dir)
	case SinkS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("audit: bucket is required for S3 export")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3SinkConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case SinkGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("audit: bucket is required for GCS export")
		}
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported audit sink type: %s", cfg.Type)
	}
}

// FileSink writes exports under a local directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = filepath.Join("data", "audit-export")
	}
	//nolint:gosec // G301: export directory is shared with the compliance shipper
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure export dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(_ context.Context, key string, data []byte, _ string) error {
	if strings.Contains(key, "..") {
		return fmt.Errorf("invalid export key: %s", key)
	}
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: exports are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
