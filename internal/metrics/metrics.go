// Package metrics exposes the clock-sync engines as a Prometheus
// collector: broadcast/reply counters, an offset histogram per client,
// and a best-effort socket receive-buffer gauge read straight off the
// transport's file descriptor, in the usual Describe/Collect shape.
package metrics

import (
	"net"
	"strconv"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Collector implements prometheus.Collector for a single clock-sync
// engine (server or client).
type Collector struct {
	role string

	broadcastsDesc *prometheus.Desc
	repliesDesc    *prometheus.Desc
	offsetDesc     *prometheus.Desc
	rcvbufDesc     *prometheus.Desc

	mu          sync.Mutex
	broadcasts  uint64
	replies     uint64
	offsetsByID map[uint32][]int64
	sockets     map[string]net.Conn
}

// New returns a Collector labelled with role ("server" or "client").
func New(role string) *Collector {
	return &Collector{
		role:           role,
		broadcastsDesc: prometheus.NewDesc("clocksync_broadcasts_total", "Total sync broadcasts sent.", nil, prometheus.Labels{"role": role}),
		repliesDesc:    prometheus.NewDesc("clocksync_replies_total", "Total reply datagrams processed.", nil, prometheus.Labels{"role": role}),
		offsetDesc:     prometheus.NewDesc("clocksync_offset_microseconds", "Observed clock offset samples.", []string{"clock_id"}, prometheus.Labels{"role": role}),
		rcvbufDesc:     prometheus.NewDesc("clocksync_socket_rcvbuf_bytes", "Current SO_RCVBUF of a tracked socket.", []string{"socket"}, prometheus.Labels{"role": role}),
		offsetsByID:    make(map[uint32][]int64),
		sockets:        make(map[string]net.Conn),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.broadcastsDesc
	descs <- c.repliesDesc
	descs <- c.offsetDesc
	descs <- c.rcvbufDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.broadcastsDesc, prometheus.CounterValue, float64(c.broadcasts))
	metrics <- prometheus.MustNewConstMetric(c.repliesDesc, prometheus.CounterValue, float64(c.replies))

	for clockID, samples := range c.offsetsByID {
		label := strconv.FormatUint(uint64(clockID), 10)
		for _, v := range samples {
			metrics <- prometheus.MustNewConstMetric(c.offsetDesc, prometheus.GaugeValue, float64(v), label)
		}
	}

	for name, conn := range c.sockets {
		fd := netfd.GetFdFromConn(conn)
		size, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
		if err != nil {
			continue
		}
		metrics <- prometheus.MustNewConstMetric(c.rcvbufDesc, prometheus.GaugeValue, float64(size), name)
	}
}

// IncBroadcasts records one broadcast round being attempted (server,
// counted before the send) or one reply having been sent (client) — both increment the same "work
// item emitted" counter, distinguished by the role label on Collect.
func (c *Collector) IncBroadcasts() {
	c.mu.Lock()
	c.broadcasts++
	c.mu.Unlock()
}

// ObserveOffset records one processed reply's offset sample for clockID.
func (c *Collector) ObserveOffset(clockID uint32, offsetUs int64) {
	c.mu.Lock()
	c.replies++
	c.offsetsByID[clockID] = append(c.offsetsByID[clockID], offsetUs)
	if len(c.offsetsByID[clockID]) > 1000 {
		c.offsetsByID[clockID] = c.offsetsByID[clockID][len(c.offsetsByID[clockID])-1000:]
	}
	c.mu.Unlock()
}

// TrackSocket registers conn under name so Collect can report its
// current SO_RCVBUF. Only meaningful for transports backed by a
// net.Conn (the packetconn transport); raw-socket transports have no
// net.Conn to extract a descriptor from and should not call this.
func (c *Collector) TrackSocket(name string, conn net.Conn) {
	c.mu.Lock()
	c.sockets[name] = conn
	c.mu.Unlock()
}
