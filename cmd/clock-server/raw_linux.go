//go:build linux
// +build linux

package main

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/internal/metrics"
	"github.com/eaparcedo/clocksync/internal/server"
	"github.com/eaparcedo/clocksync/pkg/stats"
	"github.com/eaparcedo/clocksync/pkg/transport/rawsocket"
)

// serveRaw runs the raw-socket-style server engine (RawServer), opening a
// fresh socket per broadcast round via rawsocket.RoundSender, until ctx is
// cancelled.
func serveRaw(ctx context.Context, entry *logrus.Entry, clockID uint32, interval uint64, agg *stats.Aggregator, m *metrics.Collector) error {
	round := rawsocket.NewRoundSender(rawsocket.Config{
		GroupIP:  net.ParseIP(multicastGroup),
		Port:     multicastPort,
		TTL:      multicastTTL,
		Loopback: true,
	})

	cfg := server.Config{
		ClockID:         clockID,
		IntervalSeconds: uint32(interval),
		GroupAddr:       &net.UDPAddr{IP: net.ParseIP(multicastGroup), Port: multicastPort},
	}
	srv := server.NewRaw(cfg, round, agg, m, entry)

	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	entry.Info("shutting down")
	srv.Stop()
	return nil
}
