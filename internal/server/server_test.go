package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eaparcedo/clocksync/pkg/stats"
	"github.com/eaparcedo/clocksync/pkg/wire"
)

// fakeTransport records every Send and lets a test inject replies
// directly into the running Listen loop via deliver.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	handle  func(data []byte, src *net.UDPAddr)
	handled chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handled: make(chan struct{}, 1)}
}

func (f *fakeTransport) Send(b []byte, dst *net.UDPAddr) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Listen(ctx context.Context, handle func(data []byte, src *net.UDPAddr)) error {
	f.mu.Lock()
	f.handle = handle
	f.mu.Unlock()
	close(f.handled)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) deliver(data []byte, src *net.UDPAddr) {
	<-f.handled
	f.mu.Lock()
	h := f.handle
	f.mu.Unlock()
	h(data, src)
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log.WithField("test", true)
}

func TestBroadcastRoundSendsSignedRecord(t *testing.T) {
	ft := newFakeTransport()
	agg := stats.New(filepath.Join(t.TempDir(), "out.csv"))
	group := &net.UDPAddr{IP: net.ParseIP("238.10.50.50"), Port: 5000}

	s := New(Config{ClockID: 3, IntervalSeconds: 3600, GroupAddr: group}, ft, agg, nil, testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.broadcastRound()

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(ft.sent))
	}
	rec, err := wire.Decode(ft.sent[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ClockID != 3 || rec.ClientTS != 0 {
		t.Errorf("broadcast = %+v, want clock_id=3 client_ts=0", rec)
	}
	if !wire.Validate(rec) {
		t.Error("broadcast checksum does not validate")
	}
}

func TestReplyFeedsAggregator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	ft := newFakeTransport()
	agg := stats.New(path)
	group := &net.UDPAddr{IP: net.ParseIP("238.10.50.50"), Port: 5000}

	s := New(Config{ClockID: 1, IntervalSeconds: 3600, GroupAddr: group}, ft, agg, nil, testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	reply := wire.SyncRecord{ClockID: 11, ServerTS: 1_000_000, ClientTS: 1_000_000}.Sign()
	ft.deliver(reply.Encode(), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4242})

	if err := agg.RecordStatistics(); err != nil {
		t.Fatalf("RecordStatistics: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), ",11,1,") {
		t.Fatalf("expected a flush line for clock_id 11 with n=1, got: %s", data)
	}
}

func TestReplyOffsetMatchesFormula(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	ft := newFakeTransport()
	agg := stats.New(path)
	group := &net.UDPAddr{IP: net.ParseIP("238.10.50.50"), Port: 5000}

	s := New(Config{ClockID: 1, IntervalSeconds: 3600, GroupAddr: group}, ft, agg, nil, testLogger())

	const serverTS uint64 = 10_000_000
	const clientTS uint64 = 10_001_500
	rec := wire.SyncRecord{ClockID: 4, ServerTS: serverTS, ClientTS: clientTS}.Sign()

	const tFinal uint64 = 10_002_500
	s.reply.handle(tFinal, rec.Encode(), &net.UDPAddr{})

	wantOffset := int64((tFinal+serverTS)/2) - int64(clientTS)
	if err := agg.RecordStatistics(); err != nil {
		t.Fatalf("RecordStatistics: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := fmt.Sprintf(",4,1,%d,%d,%d,%d", wantOffset, wantOffset, wantOffset, wantOffset)
	if !strings.Contains(string(data), want) {
		t.Fatalf("expected flush line containing %q, got: %s", want, data)
	}
}

func TestServerStopJoinsTimersAndIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	agg := stats.New(filepath.Join(t.TempDir(), "out.csv"))
	group := &net.UDPAddr{IP: net.ParseIP("238.10.50.50"), Port: 5000}

	s := New(Config{ClockID: 1, IntervalSeconds: 1}, ft, agg, nil, testLogger())
	s.cfg.GroupAddr = group
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	s.Stop()
	s.Stop() // must not panic or block

	if s.broadcastTimer.IsRunning() || s.statsTimer.IsRunning() {
		t.Fatal("timers still running after Stop")
	}
}

func TestStartFromNonIdleFails(t *testing.T) {
	ft := newFakeTransport()
	agg := stats.New(filepath.Join(t.TempDir(), "out.csv"))
	group := &net.UDPAddr{IP: net.ParseIP("238.10.50.50"), Port: 5000}

	s := New(Config{ClockID: 1, IntervalSeconds: 3600, GroupAddr: group}, ft, agg, nil, testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start from Running should fail")
	}
}
