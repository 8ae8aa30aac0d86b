// Package collector is the embeddable entry point of the acquisition and
// alarm service.
package collector

import (
	"context"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/tasks"
)

// Options re-exposes the tasks.Options type for external callers.
type Options = tasks.Options

// Run starts the collector with the given options and blocks until ctx is
// canceled.
func Run(ctx context.Context, opts Options) error {
	return tasks.InitAndRunCollector(ctx, opts)
}
