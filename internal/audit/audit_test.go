package audit

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/frame"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/danmuck/groupchat/internal/testutil/testlog"
)

func sampleRecord(kind Kind, client string) Record {
	return Record{
		Kind:        kind,
		ClientID:    client,
		SenderTag:   "sess-" + client,
		ReceiverTag: "server",
		Timestamp:   time.Unix(1700000000, 42),
		Message:     "hallo wörld",
	}
}

func TestRecordRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := sampleRecord(KindMessage, "alice")
	b, err := EncodeRecord(in, 7)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fr, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fr.Header.MessageID != 7 {
		t.Fatalf("sequence lost: %d", fr.Header.MessageID)
	}
	out, err := DecodeRecord(fr)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != in.Kind || out.ClientID != in.ClientID || out.Message != in.Message ||
		out.SenderTag != in.SenderTag || out.ReceiverTag != in.ReceiverTag || !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("record mismatch: got=%+v want=%+v", out, in)
	}
}

func TestShutdownRecordNeedsNoClient(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeRecord(Record{Kind: KindShutdown, Timestamp: time.Now()}, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fr, _ := frame.Unmarshal(b, frame.DefaultLimits())
	out, err := DecodeRecord(fr)
	if err != nil || out.Kind != KindShutdown || out.ClientID != "" {
		t.Fatalf("unexpected shutdown record: %+v %v", out, err)
	}
}

func TestRecordLineLayout(t *testing.T) {
	testlog.Start(t)
	r := sampleRecord(KindLogin, "bob")
	r.Timestamp = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	want := "login | bob | sess-bob | server | 2024-01-02T03:04:05Z | hallo wörld"
	if got := r.Line(); got != want {
		t.Fatalf("line=%q want %q", got, want)
	}
}

type recorder struct{ got []Record }

func (r *recorder) Notify(rec Record) { r.got = append(r.got, rec) }

func TestMultiFansOut(t *testing.T) {
	testlog.Start(t)
	a, b := &recorder{}, &recorder{}
	m := Multi{a, Nop{}, nil, NewLogDispatcher(), b}
	m.Notify(sampleRecord(KindLogout, "alice"))
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("fan-out incomplete: a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestForwarderRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	if _, err := NewForwarder(ForwarderConfig{Network: "sctp", Addr: "x:1"}, nil); err == nil {
		t.Fatalf("expected unsupported network error")
	}
	if _, err := NewForwarder(ForwarderConfig{Network: "tcp"}, nil); err == nil {
		t.Fatalf("expected missing address error")
	}
}

func TestForwarderFullQueueDrops(t *testing.T) {
	testlog.Start(t)
	counters := stats.New()
	f, err := NewForwarder(ForwarderConfig{Network: "udp", Addr: "127.0.0.1:9", QueueSize: 1}, counters)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.Notify(sampleRecord(KindMessage, "alice"))
	}
	if got := counters.Snapshot().AuditDropped; got != 2 {
		t.Fatalf("dropped=%d want 2", got)
	}
}

func readTCPRecords(t *testing.T, ln net.Listener, n int) <-chan []Record {
	t.Helper()
	out := make(chan []Record, 1)
	go func() {
		var got []Record
		defer func() { out <- got }()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for len(got) < n {
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			fr, err := frame.ReadFrame(r, frame.DefaultLimits())
			if err != nil {
				return
			}
			rec, err := DecodeRecord(fr)
			if err != nil {
				return
			}
			got = append(got, rec)
		}
	}()
	return out
}

func TestForwarderDeliversOverTCPInOrder(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	got := readTCPRecords(t, ln, 3)

	f, err := NewForwarder(ForwarderConfig{Network: "tcp", Addr: ln.Addr().String()}, nil)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.Notify(sampleRecord(KindLogin, "alice"))
	f.Notify(sampleRecord(KindMessage, "alice"))
	f.Notify(sampleRecord(KindLogout, "alice"))

	select {
	case recs := <-got:
		if len(recs) != 3 {
			t.Fatalf("received %d records", len(recs))
		}
		if recs[0].Kind != KindLogin || recs[1].Kind != KindMessage || recs[2].Kind != KindLogout {
			t.Fatalf("order broken: %+v", recs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for audit records")
	}
}

func TestForwarderReconnectsWhenServerAppears(t *testing.T) {
	testlog.Start(t)
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := reserved.Addr().String()
	_ = reserved.Close()

	f, err := NewForwarder(ForwarderConfig{Network: "tcp", Addr: addr, RetryInitial: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()
	f.Notify(sampleRecord(KindLogin, "late"))

	time.Sleep(100 * time.Millisecond)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s was taken meanwhile: %v", addr, err)
	}
	defer ln.Close()
	select {
	case recs := <-readTCPRecords(t, ln, 1):
		if len(recs) != 1 || recs[0].ClientID != "late" {
			t.Fatalf("unexpected records: %+v", recs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("forwarder never reconnected")
	}
}

func TestForwarderDeliversOverUDP(t *testing.T) {
	testlog.Start(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen packet: %v", err)
	}
	defer pc.Close()

	f, err := NewForwarder(ForwarderConfig{Network: "udp", Addr: pc.LocalAddr().String()}, nil)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()
	f.Notify(sampleRecord(KindDisconnect, "bob"))

	buf := make([]byte, 65535)
	_ = pc.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	fr, err := frame.Unmarshal(buf[:n], frame.DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec, err := DecodeRecord(fr)
	if err != nil || rec.Kind != KindDisconnect || rec.ClientID != "bob" {
		t.Fatalf("unexpected record: %+v %v", rec, err)
	}
}

func TestForwarderDrainsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	got := readTCPRecords(t, ln, 2)

	f, err := NewForwarder(ForwarderConfig{Network: "tcp", Addr: ln.Addr().String()}, nil)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	f.Notify(sampleRecord(KindLogout, "alice"))
	f.Notify(Record{Kind: KindShutdown, Timestamp: time.Now()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case recs := <-got:
		if len(recs) != 2 || recs[1].Kind != KindShutdown {
			t.Fatalf("unexpected drained records: %+v", recs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not deliver")
	}
}
