// Command clock-server broadcasts periodic sync datagrams to a
// multicast group and estimates each replying client's clock offset.
//
// Usage: clock-server <clock_id> [interval_seconds]
//
// CLOCKSYNC_TRANSPORT selects the transport/server-engine pairing:
// "packetconn" (default) uses the persistent golang.org/x/net/ipv4
// socket and an independent reception loop; "raw" uses a fresh
// golang.org/x/sys/unix socket per broadcast round, Linux only.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/internal/buildinfo"
	"github.com/eaparcedo/clocksync/internal/metrics"
	"github.com/eaparcedo/clocksync/internal/server"
	"github.com/eaparcedo/clocksync/pkg/stats"
	"github.com/eaparcedo/clocksync/pkg/transport/packetconn"
)

const (
	multicastGroup      = "238.10.50.50"
	multicastPort       = 5000
	defaultIntervalSecs = 10
	multicastTTL        = 4
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: clock-server <clock_id> [interval_seconds]")
}

func main() {
	log := logrus.New()
	entry := log.WithField("component", "clock-server")

	if len(os.Args) < 2 || len(os.Args) > 3 {
		usage()
		os.Exit(1)
	}

	clockID, err := strconv.ParseUint(os.Args[1], 10, 32)
	if err != nil {
		usage()
		os.Exit(1)
	}

	interval := uint64(defaultIntervalSecs)
	if len(os.Args) == 3 {
		interval, err = strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			usage()
			os.Exit(1)
		}
	}

	fmt.Fprintln(os.Stderr, buildinfo.Describe("server", uint32(clockID)))
	buildinfo.LogBanner(entry, "server", uint32(clockID))

	agg := stats.New(stats.DefaultPath)
	m := metrics.New("server")
	prometheus.MustRegister(m)

	if addr := os.Getenv("CLOCKSYNC_METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				entry.WithError(err).Warn("metrics listener exited")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("CLOCKSYNC_TRANSPORT") == "raw" {
		if err := serveRaw(ctx, entry, uint32(clockID), interval, agg, m); err != nil {
			entry.WithError(err).Error("raw server engine failed")
			os.Exit(1)
		}
		return
	}

	groupAddr := &net.UDPAddr{IP: net.ParseIP(multicastGroup), Port: multicastPort}

	t, err := packetconn.Dial(packetconn.Config{
		GroupAddr: groupAddr,
		TTL:       multicastTTL,
		Loopback:  true,
	})
	if err != nil {
		entry.WithError(err).Error("failed to open transport")
		os.Exit(1)
	}
	m.TrackSocket("broadcast", t.NetConn())

	cfg := server.Config{
		ClockID:         uint32(clockID),
		IntervalSeconds: uint32(interval),
		GroupAddr:       groupAddr,
	}
	srv := server.New(cfg, t, agg, m, entry)

	if err := srv.Start(ctx); err != nil {
		entry.WithError(err).Error("failed to start server engine")
		os.Exit(1)
	}

	<-ctx.Done()
	entry.Info("shutting down")
	srv.Stop()
}
