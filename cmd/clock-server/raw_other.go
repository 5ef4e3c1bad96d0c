//go:build !linux
// +build !linux

package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/internal/metrics"
	"github.com/eaparcedo/clocksync/pkg/stats"
)

// serveRaw reports that the raw-socket server engine is unavailable: it is
// implemented directly on golang.org/x/sys/unix syscalls that only exist
// on Linux.
func serveRaw(ctx context.Context, entry *logrus.Entry, clockID uint32, interval uint64, agg *stats.Aggregator, m *metrics.Collector) error {
	return fmt.Errorf("clock-server: CLOCKSYNC_TRANSPORT=raw requires linux")
}
