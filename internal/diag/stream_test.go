package diag

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

func TestStream(t *testing.T) {
	s, err := Listen("127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give the accept loop a moment to register the client, then
	// publish until a record arrives.
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	go func() {
		for time.Now().Before(deadline) {
			s.Tick(0.5, 0.25, 0.125, true, 0.9, 42)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	buf := make([]byte, RecordBytes)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read record: %v", err)
	}

	want := []float32{0.5, 0.25, 0.125, 1, 0.9, 42}
	for i, w := range want {
		got := math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		if got != w {
			t.Errorf("field %d = %f, want %f", i, got, w)
		}
	}
}

func TestStreamSlowClientDoesNotBlock(t *testing.T) {
	s, err := Listen("127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	// A client that never reads.
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	// Far more ticks than the per-client buffer: Tick must keep
	// returning promptly, dropping for the stalled reader.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*clientBuffer; i++ {
			s.Tick(1, 1, 1, false, 1, 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Tick blocked on a slow client")
	}
}
