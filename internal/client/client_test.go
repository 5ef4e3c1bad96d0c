package client

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/pkg/wire"
)

// fakeTransport is an in-memory transport.Transport: Listen replays a
// fixed set of inbound datagrams, Send records what was sent.
type fakeTransport struct {
	inbound []inboundDatagram

	mu   sync.Mutex
	sent []sentDatagram
}

type inboundDatagram struct {
	data []byte
	src  *net.UDPAddr
}

type sentDatagram struct {
	data []byte
	dst  *net.UDPAddr
}

func (f *fakeTransport) Send(b []byte, dst *net.UDPAddr) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.mu.Lock()
	f.sent = append(f.sent, sentDatagram{data: cp, dst: dst})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Listen(ctx context.Context, handle func(data []byte, src *net.UDPAddr)) error {
	for _, d := range f.inbound {
		handle(d.data, d.src)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Close() error { return nil }

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log.WithField("test", true)
}

func TestHandleBroadcastRepliesWithStampedReply(t *testing.T) {
	broadcast := wire.SyncRecord{ClockID: 42, ServerTS: 1000, ClientTS: 0}.Sign()
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}

	ft := &fakeTransport{inbound: []inboundDatagram{{data: broadcast.Encode(), src: src}}}
	e := New(Config{ClientID: 7}, ft, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 1 {
		t.Fatalf("got %d replies, want 1", len(ft.sent))
	}

	reply, err := wire.Decode(ft.sent[0].data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.ClockID != 7 {
		t.Errorf("reply clock_id = %d, want 7 (own client id)", reply.ClockID)
	}
	if reply.ServerTS != broadcast.ServerTS {
		t.Errorf("reply server_ts = %d, want echoed %d", reply.ServerTS, broadcast.ServerTS)
	}
	if reply.ClientTS == 0 {
		t.Error("reply client_ts should be the arrival stamp, got 0")
	}
	if ft.sent[0].dst != src {
		t.Error("reply should be sent to the broadcast's source endpoint")
	}
}

func TestHandleBroadcastDropsWrongLength(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	ft := &fakeTransport{inbound: []inboundDatagram{{data: []byte{1, 2, 3}, src: src}}}
	e := New(Config{ClientID: 1}, ft, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	if len(ft.sent) != 0 {
		t.Fatalf("got %d replies for a malformed datagram, want 0", len(ft.sent))
	}
}

func TestHandleBroadcastDropsBadChecksum(t *testing.T) {
	rec := wire.SyncRecord{ClockID: 1, ServerTS: 5, ClientTS: 0}.Sign()
	rec.Checksum ^= 0xFFFF
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}

	ft := &fakeTransport{inbound: []inboundDatagram{{data: rec.Encode(), src: src}}}
	e := New(Config{ClientID: 1}, ft, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	if len(ft.sent) != 0 {
		t.Fatalf("got %d replies for a corrupted checksum, want 0", len(ft.sent))
	}
}

func TestHandleBroadcastFiltersByClockID(t *testing.T) {
	rec := wire.SyncRecord{ClockID: 99, ServerTS: 5, ClientTS: 0}.Sign()
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}

	ft := &fakeTransport{inbound: []inboundDatagram{{data: rec.Encode(), src: src}}}
	e := New(Config{ClientID: 1, FilterID: 5}, ft, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	if len(ft.sent) != 0 {
		t.Fatalf("got %d replies for a filtered-out clock_id, want 0", len(ft.sent))
	}
}

func TestHandleBroadcastAcceptsMatchingFilter(t *testing.T) {
	rec := wire.SyncRecord{ClockID: 5, ServerTS: 5, ClientTS: 0}.Sign()
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}

	ft := &fakeTransport{inbound: []inboundDatagram{{data: rec.Encode(), src: src}}}
	e := New(Config{ClientID: 1, FilterID: 5}, ft, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	if len(ft.sent) != 1 {
		t.Fatalf("got %d replies for a matching filter, want 1", len(ft.sent))
	}
}
