// Package client implements the clock-sync client engine: join the
// multicast group, stamp each broadcast's arrival time, and reply
// unicast to whoever sent it.
package client

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/internal/metrics"
	"github.com/eaparcedo/clocksync/pkg/transport"
	"github.com/eaparcedo/clocksync/pkg/wire"
)

// Config is a ClientConfig: the client's own id, and an optional filter
// restricting which server's broadcasts it responds to.
type Config struct {
	ClientID uint32
	FilterID uint32 // 0 means respond to every clock_id
}

// Engine drives the client's reception/response loop against a
// transport.Transport. The same Engine works unmodified against either
// transport implementation.
type Engine struct {
	cfg       Config
	transport transport.Transport
	metrics   *metrics.Collector
	log       *logrus.Entry
}

// New returns an Engine bound to t.
func New(cfg Config, t transport.Transport, m *metrics.Collector, log *logrus.Entry) *Engine {
	return &Engine{cfg: cfg, transport: t, metrics: m, log: log}
}

// Run blocks, receiving broadcasts and replying, until ctx is cancelled
// or the transport reports an unrecoverable error.
func (e *Engine) Run(ctx context.Context) error {
	e.log.WithFields(logrus.Fields{
		"client_id": e.cfg.ClientID,
		"filter_id": e.cfg.FilterID,
	}).Info("client engine starting")

	return e.transport.Listen(ctx, e.handleBroadcast)
}

func (e *Engine) handleBroadcast(data []byte, src *net.UDPAddr) {
	tArrival := wire.NowMicros()

	if len(data) != wire.Size {
		return
	}

	rec, err := wire.Decode(data)
	if err != nil {
		e.log.WithError(err).Debug("dropping malformed datagram")
		return
	}
	if !wire.Validate(rec) {
		e.log.Debug("dropping datagram with invalid checksum")
		return
	}
	wire.DumpRecord(e.log, "RECVD", rec)

	if e.cfg.FilterID != 0 && e.cfg.FilterID != rec.ClockID {
		return
	}

	reply := wire.SyncRecord{
		ClockID:  e.cfg.ClientID,
		ServerTS: rec.ServerTS,
		ClientTS: tArrival,
	}.Sign()
	wire.DumpRecord(e.log, "REPLY", reply)

	if err := e.transport.Send(reply.Encode(), src); err != nil {
		e.log.WithError(err).Warn("failed to send reply, continuing")
		return
	}
	if e.metrics != nil {
		e.metrics.IncBroadcasts()
	}
}
