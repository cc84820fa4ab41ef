//go:build !gcp

package snapshot

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, SinkConfig) (Sink, error) {
	return nil, fmt.Errorf("GCS snapshots are not enabled in this build (use -tags gcp)")
}
