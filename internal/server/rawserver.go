package server

import (
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

// replyRecvTimeout bounds how long a raw-socket broadcast round keeps
// polling for replies after sending, mirroring the source
// implementation's 50ms SO_RCVTIMEO window.
const replyRecvTimeout = 50 * time.Millisecond

// RawServer is the raw-socket-style server engine: each broadcast round
// opens its own socket, sends, and polls for replies inline for up to
// replyRecvTimeout before returning to the timer loop. There is no
// separate reception worker; the broadcast timer's own goroutine plays
// that role for the duration of each round.
type RawServer struct {
	cfg   Config
	round transport.RoundTransport
	reply *replyProcessor
	log   *logrus.Entry

	broadcastTimer *timer.Timer
	statsTimer     *timer.Timer
	broadcastCount atomic.Uint64
	state          atomic.Int32
}

// NewRaw returns a RawServer in the Idle state.
func NewRaw(cfg Config, round transport.RoundTransport, agg *stats.Aggregator, m *metrics.Collector, log *logrus.Entry) *RawServer {
	s := &RawServer{
		cfg:            cfg,
		round:          round,
		reply:          newReplyProcessor(agg, m, log),
		log:            log,
		broadcastTimer: timer.New(),
		statsTimer:     timer.New(),
	}
	s.state.Store(int32(stateIdle))
	return s
}

// Start transitions Idle -> Running: starts both periodic timers. The
// broadcast timer's action performs the send-then-poll round itself, so
// no separate reception loop is launched.
func (s *RawServer) Start() error {
	if !s.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return fmt.Errorf("server: Start called from non-Idle state")
	}

	s.statsTimer.Start(statsFlushInterval, s.flushStatistics)
	s.broadcastTimer.Start(time.Duration(s.cfg.IntervalSeconds)*time.Second, s.broadcastRound)

	s.log.WithFields(logrus.Fields{
		"clock_id":         s.cfg.ClockID,
		"interval_seconds": s.cfg.IntervalSeconds,
		"transport":        "rawsocket",
	}).Info("server engine started")
	return nil
}

// Stop transitions Running -> Stopped: stops both timers and releases
// the round transport.
func (s *RawServer) Stop() {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
		return
	}
	s.broadcastTimer.Stop()
	s.statsTimer.Stop()
	if err := s.round.Close(); err != nil {
		s.log.WithError(err).Warn("error closing transport")
	}
}

func (s *RawServer) broadcastRound() {
	roundID := s.reply.beginRound()
	rec := wire.SyncRecord{
		ClockID:  s.cfg.ClockID,
		ServerTS: wire.NowMicros(),
		ClientTS: 0,
	}.Sign()
	wire.DumpRecord(s.log, "BUILT", rec)

	count := s.broadcastCount.Add(1)
	if s.reply.metrics != nil {
		s.reply.metrics.IncBroadcasts()
	}

	err := s.round.BroadcastRound(rec.Encode(), replyRecvTimeout, s.handleReply)
	if err != nil {
		s.log.WithFields(logrus.Fields{"round_id": roundID.String(), "count": count}).WithError(err).Warn("broadcast round failed")
		return
	}
	wire.DumpRecord(s.log, "SENT", rec)

	s.log.WithFields(logrus.Fields{"round_id": roundID.String(), "count": count}).Debug("broadcast round complete")
}

func (s *RawServer) handleReply(data []byte, src *net.UDPAddr) {
	tFinal := wire.NowMicros()
	s.reply.handle(tFinal, data, src)
}

func (s *RawServer) flushStatistics() {
	if err := s.reply.aggregator.RecordStatistics(); err != nil {
		s.log.WithError(err).Warn("statistics flush failed")
	}
}
