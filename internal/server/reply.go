package server

import (
	"net"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/internal/metrics"
	"github.com/eaparcedo/clocksync/pkg/stats"
	"github.com/eaparcedo/clocksync/pkg/wire"
)

// replyProcessor implements the reply-reception path shared by the
// packetconn-style Server and the raw-socket-style RawServer: validate,
// stamp, compute offset, feed the aggregator. Entry is serialized by mu
// so concurrent reception workers never race inside it, per the
// concurrency invariant on the reception path.
type replyProcessor struct {
	mu         sync.Mutex
	aggregator *stats.Aggregator
	metrics    *metrics.Collector
	log        *logrus.Entry
	roundID    xid.ID
	processed  uint64
}

func newReplyProcessor(agg *stats.Aggregator, m *metrics.Collector, log *logrus.Entry) *replyProcessor {
	return &replyProcessor{aggregator: agg, metrics: m, log: log}
}

// beginRound mints a fresh round id and attaches it to every log line the
// round's broadcast and its replies produce, then returns it so the
// caller can log it against the broadcast itself too.
func (p *replyProcessor) beginRound() xid.ID {
	p.mu.Lock()
	p.roundID = xid.New()
	id := p.roundID
	p.mu.Unlock()
	return id
}

// handle is the transport callback: data is the raw datagram, src its
// source endpoint. tFinal must be captured by the caller immediately
// upon receipt, before any other work, per the reception-path contract.
func (p *replyProcessor) handle(tFinal uint64, data []byte, src *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) != wire.Size {
		return
	}
	rec, err := wire.Decode(data)
	if err != nil {
		return
	}
	if !wire.Validate(rec) {
		p.log.Debug("dropping reply with invalid checksum")
		return
	}
	wire.DumpRecord(p.log, "RECVD", rec)

	// (t_final + server_ts)/2 - client_ts, computed in unsigned
	// arithmetic and reinterpreted as signed, matching the source
	// implementation's int64_t cast of a uint64_t expression.
	avg := (tFinal + rec.ServerTS) / 2
	offsetUs := int64(avg - rec.ClientTS)

	p.processed++
	p.aggregator.AddPoint(rec.ClockID, offsetUs)
	if p.metrics != nil {
		p.metrics.ObserveOffset(rec.ClockID, offsetUs)
	}

	p.log.WithFields(logrus.Fields{
		"round_id":  p.roundID.String(),
		"clock_id":  rec.ClockID,
		"offset_us": offsetUs,
		"from":      src,
		"processed": p.processed,
	}).Debug("reply processed")
}
