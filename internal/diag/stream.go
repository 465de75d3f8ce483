// Package diag serves the binary diagnostic stream: one fixed-layout record
// of little-endian float32s per analysis tick, consumed by the external
// visualization client when tuning the detector.
package diag

import (
	"encoding/binary"
	"math"
	"net"
	"sync"

	"github.com/charmbracelet/log"
)

// RecordFloats is the number of float32 fields per record:
// { energy, short_avg, long_avg, is_beat, bpm_confidence, phase_error }.
const RecordFloats = 6

// RecordBytes is the wire size of one record.
const RecordBytes = RecordFloats * 4

// clientBuffer is how many records queue per client before ticks are
// dropped for it. The hot path never blocks on a slow reader.
const clientBuffer = 1024

// Server accepts TCP clients and fans analysis ticks out to them. It
// implements engine.DiagnosticSink.
type Server struct {
	logger   *log.Logger
	listener net.Listener

	mu      sync.Mutex
	clients map[net.Conn]chan [RecordBytes]byte
	closed  bool
}

// Listen starts serving on addr (e.g. ":7223").
func Listen(addr string, logger *log.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:   logger,
		listener: l,
		clients:  make(map[net.Conn]chan [RecordBytes]byte),
	}
	go s.accept()
	logger.Info("diagnostic stream listening", "addr", l.Addr().String())
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}

		ch := make(chan [RecordBytes]byte, clientBuffer)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[conn] = ch
		s.mu.Unlock()

		go s.serve(conn, ch)
	}
}

func (s *Server) serve(conn net.Conn, ch chan [RecordBytes]byte) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for rec := range ch {
		if _, err := conn.Write(rec[:]); err != nil {
			s.logger.Debug("diagnostic client dropped", "err", err)
			return
		}
	}
}

// Tick publishes one analysis record. Called from the audio hot path: it
// encodes into a stack buffer and does a non-blocking send per client,
// dropping the record for any client that has fallen behind.
func (s *Server) Tick(energy, shortAvg, longAvg float64, isBeat bool, confidence, phaseError float64) {
	var rec [RecordBytes]byte
	beat := float32(0)
	if isBeat {
		beat = 1
	}
	for i, v := range [RecordFloats]float32{
		float32(energy), float32(shortAvg), float32(longAvg),
		beat, float32(confidence), float32(phaseError),
	} {
		binary.LittleEndian.PutUint32(rec[i*4:], math.Float32bits(v))
	}

	s.mu.Lock()
	for _, ch := range s.clients {
		select {
		case ch <- rec:
		default: // client too slow; drop this tick for it
		}
	}
	s.mu.Unlock()
}

// Close stops the listener and disconnects all clients.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn, ch := range s.clients {
		close(ch)
		_ = conn.Close()
	}
	s.clients = map[net.Conn]chan [RecordBytes]byte{}
	s.mu.Unlock()
	return s.listener.Close()
}
