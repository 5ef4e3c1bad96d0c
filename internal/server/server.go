// Package server implements the clock-sync server engine: drive the
// broadcast and statistics timers, receive replies, compute offsets, and
// feed the statistics aggregator. Two engines are provided, Server
// (packetconn-style, a persistent transport with an independent
// reception loop) and RawServer (raw-socket-style, where each broadcast
// round bundles its own bounded reply-polling window) — either is a
// valid realization of the same protocol.
package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/internal/metrics"
	"github.com/eaparcedo/clocksync/pkg/stats"
	"github.com/eaparcedo/clocksync/pkg/timer"
	"github.com/eaparcedo/clocksync/pkg/transport"
	"github.com/eaparcedo/clocksync/pkg/wire"
)

const statsFlushInterval = 60 * time.Second

// Config is a ServerConfig plus the wiring a Server needs to run.
type Config struct {
	ClockID         uint32
	IntervalSeconds uint32
	GroupAddr       *net.UDPAddr
}

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Server is the packetconn-style server engine: one persistent transport
// shared between the broadcast timer and an always-running reception
// loop.
type Server struct {
	cfg       Config
	transport transport.Transport
	reply     *replyProcessor
	log       *logrus.Entry
	metrics   *metrics.Collector

	broadcastTimer *timer.Timer
	statsTimer     *timer.Timer
	broadcastCount atomic.Uint64
	state          atomic.Int32

	cancel context.CancelFunc
}

// New returns a Server in the Idle state.
func New(cfg Config, t transport.Transport, agg *stats.Aggregator, m *metrics.Collector, log *logrus.Entry) *Server {
	s := &Server{
		cfg:            cfg,
		transport:      t,
		reply:          newReplyProcessor(agg, m, log),
		log:            log,
		metrics:        m,
		broadcastTimer: timer.New(),
		statsTimer:     timer.New(),
	}
	s.state.Store(int32(stateIdle))
	return s
}

// Start transitions Idle -> Running: launches the reception loop and
// both periodic timers, then returns immediately.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return fmt.Errorf("server: Start called from non-Idle state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		if err := s.transport.Listen(runCtx, s.handleReply); err != nil && runCtx.Err() == nil {
			s.log.WithError(err).Error("reception loop exited unexpectedly")
		}
	}()

	s.statsTimer.Start(statsFlushInterval, s.flushStatistics)
	s.broadcastTimer.Start(time.Duration(s.cfg.IntervalSeconds)*time.Second, s.broadcastRound)

	s.log.WithFields(logrus.Fields{
		"clock_id":         s.cfg.ClockID,
		"interval_seconds": s.cfg.IntervalSeconds,
		"group":            s.cfg.GroupAddr,
	}).Info("server engine started")
	return nil
}

// Stop transitions Running -> Stopped: stops both timers (joining their
// workers), cancels the reception loop, and closes the transport.
func (s *Server) Stop() {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
		return
	}
	s.broadcastTimer.Stop()
	s.statsTimer.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.transport.Close(); err != nil {
		s.log.WithError(err).Warn("error closing transport")
	}
}

func (s *Server) broadcastRound() {
	roundID := s.reply.beginRound()
	rec := wire.SyncRecord{
		ClockID:  s.cfg.ClockID,
		ServerTS: wire.NowMicros(),
		ClientTS: 0,
	}.Sign()
	wire.DumpRecord(s.log, "BUILT", rec)

	count := s.broadcastCount.Add(1)
	if s.metrics != nil {
		s.metrics.IncBroadcasts()
	}

	if err := s.transport.Send(rec.Encode(), s.cfg.GroupAddr); err != nil {
		s.log.WithFields(logrus.Fields{"round_id": roundID.String(), "count": count}).WithError(err).Warn("broadcast send failed")
		return
	}
	wire.DumpRecord(s.log, "SENT", rec)

	s.log.WithFields(logrus.Fields{"round_id": roundID.String(), "count": count}).Debug("broadcast round complete")
}

func (s *Server) handleReply(data []byte, src *net.UDPAddr) {
	tFinal := wire.NowMicros()
	s.reply.handle(tFinal, data, src)
}

func (s *Server) flushStatistics() {
	if err := s.reply.aggregator.RecordStatistics(); err != nil {
		s.log.WithError(err).Warn("statistics flush failed")
	}
}
