// Command clock-client joins the clock-sync multicast group, stamps
// each broadcast's arrival, and replies unicast with its own timestamp.
//
// Usage: clock-client <client_id> [clock_id]
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/internal/buildinfo"
	"github.com/eaparcedo/clocksync/internal/client"
	"github.com/eaparcedo/clocksync/internal/metrics"
	"github.com/eaparcedo/clocksync/pkg/transport/packetconn"
)

const (
	multicastGroup = "238.10.50.50"
	multicastPort  = 5000
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: clock-client <client_id> [clock_id]")
}

func main() {
	log := logrus.New()
	entry := log.WithField("component", "clock-client")

	if len(os.Args) < 2 || len(os.Args) > 3 {
		usage()
		os.Exit(1)
	}

	clientID, err := strconv.ParseUint(os.Args[1], 10, 32)
	if err != nil {
		usage()
		os.Exit(1)
	}

	var filterID uint64
	if len(os.Args) == 3 {
		filterID, err = strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			usage()
			os.Exit(1)
		}
	}

	fmt.Fprintln(os.Stderr, buildinfo.Describe("client", uint32(clientID)))
	buildinfo.LogBanner(entry, "client", uint32(clientID))

	groupAddr := &net.UDPAddr{IP: net.ParseIP(multicastGroup), Port: multicastPort}

	t, err := packetconn.Dial(packetconn.Config{
		GroupAddr: groupAddr,
		JoinGroup: true,
		Loopback:  true,
	})
	if err != nil {
		entry.WithError(err).Error("failed to open transport")
		os.Exit(1)
	}
	defer t.Close()

	m := metrics.New("client")
	m.TrackSocket("multicast", t.NetConn())
	prometheus.MustRegister(m)

	eng := client.New(client.Config{
		ClientID: uint32(clientID),
		FilterID: uint32(filterID),
	}, t, m, entry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		entry.WithError(err).Error("client engine exited with error")
		os.Exit(1)
	}
	entry.Info("shut down cleanly")
}
