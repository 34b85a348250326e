//go:build !gcp

package audit

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, SinkConfig) (Sink, error) {
	return nil, fmt.Errorf("GCS export is not enabled in this build (use -tags gcp)")
}
