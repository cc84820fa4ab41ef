package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/eventfabric/pkg/routing"
)

// Sink receives exported snapshot documents.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// SinkType names a Sink implementation in configuration.
type SinkType string

const (
	SinkTypeNone SinkType = ""
	SinkTypeFS   SinkType = "fs"
	SinkTypeS3   SinkType = "s3"
	SinkTypeGCS  SinkType = "gcs"
)

// SinkConfig selects and configures an export sink.
type SinkConfig struct {
	Type     SinkType `yaml:"type"`
	Dir      string   `yaml:"dir"`
	Bucket   string   `yaml:"bucket"`
	Region   string   `yaml:"region"`
	Endpoint string   `yaml:"endpoint"`
	Prefix   string   `yaml:"prefix"`
}

// NewSink builds the sink named by cfg.Type. A SinkTypeNone config returns
// a nil Sink.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case SinkTypeNone:
		return nil, nil
	case SinkTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/snapshots"
		}
		return NewFileSink(dir)
	case SinkTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 sink requires a bucket")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3SinkConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case SinkTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("gcs sink requires a bucket")
		}
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported snapshot sink type: %s", cfg.Type)
	}
}

// CloseSink releases the resources held by s when it implements io.Closer,
// as the GCS sink does. A nil sink is fine.
func CloseSink(s Sink) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FileSink writes documents under a local directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	//nolint:gosec // G301: snapshot directory is shared with operators
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure snapshot dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(f.dir, filepath.Clean("/"+key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to ensure snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: snapshots are readable by operators
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Document is the exported JSON form of a snapshot.
type Document struct {
	ExportedAt time.Time       `json:"exported_at"`
	Trails     []routing.Trail `json:"trails"`
}

// Key returns the default object key for a snapshot taken at t.
func Key(t time.Time) string {
	return "trails-" + t.UTC().Format("20060102T150405Z") + ".json"
}

// Export encodes trails as a Document and writes it to sink under key.
func Export(ctx context.Context, sink Sink, key string, trails []routing.Trail, now time.Time) error {
	if sink == nil {
		return fmt.Errorf("export snapshot: no sink configured")
	}
	if strings.TrimSpace(key) == "" {
		key = Key(now)
	}
	if trails == nil {
		trails = []routing.Trail{}
	}
	data, err := json.MarshalIndent(Document{ExportedAt: now.UTC(), Trails: trails}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := sink.Put(ctx, key, data); err != nil {
		return fmt.Errorf("export snapshot %s: %w", key, err)
	}
	return nil
}
