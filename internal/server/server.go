// Package server implements the tracking daemon: it accepts client
// connections, answers the version handshake with the device layout, and
// pushes device-state snapshots to every streaming client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trackd/internal/db"
	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/track"
)

// Config holds configuration for the tracking daemon.
type Config struct {
	// ListenAddr is the TCP address to accept clients on,
	// e.g. "localhost:8555".
	ListenAddr string

	// Layout announced to every client after the handshake.
	Layout track.DeviceLayout

	// IncludeTimestamps and IncludeValidFlags select the per-session wire
	// options for PACKET_REPLY payloads. Clients must be configured to
	// match.
	IncludeTimestamps bool
	IncludeValidFlags bool

	// Version is the protocol version this daemon speaks; the handshake
	// answers min(Version, clientVersion). Defaults to
	// protocol.ProtocolVersion.
	Version uint32

	// QueueDepth is the per-client send queue; slow clients drop packets
	// rather than stall the publisher. Defaults to 16.
	QueueDepth int

	// HandshakeTimeout bounds how long a fresh connection may sit without
	// sending CONNECT_REQUEST before it is dropped. Defaults to 10s.
	HandshakeTimeout time.Duration

	// DB records client sessions when set. Optional.
	DB *db.DB
}

// Stats is a point-in-time view of daemon counters.
type Stats struct {
	Running          bool    `json:"running"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ClientCount      int32   `json:"client_count"`
	StreamingCount   int32   `json:"streaming_count"`
	PacketsPublished uint64  `json:"packets_published"`
	PacketsDropped   uint64  `json:"packets_dropped"`
}

// Server is the daemon. Snapshots enter through Publish and fan out to all
// streaming sessions; each session gets its own buffered queue so one slow
// client cannot stall the rest.
type Server struct {
	cfg Config

	mu       sync.RWMutex
	listener net.Listener
	started  time.Time
	sessions map[string]*session
	current  []byte // latest encoded PACKET_REPLY payload

	running   atomic.Bool
	wg        sync.WaitGroup
	published atomic.Uint64
	dropped   atomic.Uint64
	clients   atomic.Int32
	streaming atomic.Int32
}

// session is one connected client.
type session struct {
	id     string
	conn   net.Conn
	r      *protocol.Reader
	w      *protocol.Writer
	sendMu sync.Mutex

	active     bool
	streamCh   chan []byte
	streamDone chan struct{}
	packets    atomic.Uint64
}

// New creates a daemon for the given configuration.
func New(cfg Config) *Server {
	if cfg.Version == 0 {
		cfg.Version = protocol.ProtocolVersion
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 16
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// Layout returns the layout this daemon announces.
func (s *Server) Layout() track.DeviceLayout {
	return s.cfg.Layout
}

// Addr returns the bound listen address, or "" before Run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run listens and accepts clients until the context is cancelled. Each
// connection is served on its own goroutine.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.started = time.Now()
	s.mu.Unlock()
	s.running.Store(true)
	log.Printf("[Server] Listening on %s, layout %s, protocol version %d",
		ln.Addr(), s.cfg.Layout, s.cfg.Version)

	go func() {
		<-ctx.Done()
		s.running.Store(false)
		ln.Close()
		// Unblock every per-session read loop; clients get no farewell
		// beyond the close, matching the best-effort disconnect model.
		s.mu.Lock()
		for _, sess := range s.sessions {
			sess.conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || !s.running.Load() {
				s.wg.Wait()
				return nil
			}
			log.Printf("[Server] Accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Publish encodes the snapshot once and queues the same bytes on every
// streaming session. Sessions with full queues drop the packet.
func (s *Server) Publish(state *protocol.DeviceState) {
	payload := state.MarshalPacket(s.cfg.IncludeTimestamps, s.cfg.IncludeValidFlags)
	s.published.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = payload
	for _, sess := range s.sessions {
		if sess.streamCh == nil {
			continue
		}
		select {
		case sess.streamCh <- payload:
		default:
			s.dropped.Add(1)
		}
	}
}

// Stats returns current daemon counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}
	return Stats{
		Running:          s.running.Load(),
		UptimeSeconds:    uptime,
		ClientCount:      s.clients.Load(),
		StreamingCount:   s.streaming.Load(),
		PacketsPublished: s.published.Load(),
		PacketsDropped:   s.dropped.Load(),
	}
}

// handleConn runs the handshake and then the per-client message loop.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		r:    protocol.NewReader(conn),
		w:    protocol.NewWriter(conn),
	}

	if err := s.handshake(sess); err != nil {
		log.Printf("[Server] Handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	// A session registered after the shutdown sweep would otherwise keep
	// its conn open; running goes false before the sweep takes the lock.
	if !s.running.Load() {
		conn.Close()
	}
	s.clients.Add(1)
	log.Printf("[Server] Client connected: %s (%s, total: %d)",
		conn.RemoteAddr(), sess.id[:8], s.clients.Load())

	started := time.Now()
	if s.cfg.DB != nil {
		rec := db.Session{
			ID:         sess.id,
			RemoteAddr: conn.RemoteAddr().String(),
			Version:    int(s.cfg.Version),
			Layout:     s.cfg.Layout,
			StartedAt:  started,
		}
		if err := s.cfg.DB.RecordSessionStart(rec); err != nil {
			log.Printf("[Server] Failed to record session start: %v", err)
		}
	}

	s.serveMessages(sess)

	s.stopStreaming(sess)
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.clients.Add(-1)

	if s.cfg.DB != nil {
		if err := s.cfg.DB.RecordSessionEnd(sess.id, int64(sess.packets.Load())); err != nil {
			log.Printf("[Server] Failed to record session end: %v", err)
		}
	}
	log.Printf("[Server] Client disconnected: %s (%s, packets: %d, remaining: %d)",
		conn.RemoteAddr(), sess.id[:8], sess.packets.Load(), s.clients.Load())
}

// handshake answers CONNECT_REQUEST with CONNECT_REPLY and the layout
// announcement. Any deviation from the expected sequence is fatal for the
// connection.
func (s *Server) handshake(sess *session) error {
	// A connection that never sends CONNECT_REQUEST must not pin a
	// goroutine forever. The deadline comes off once the handshake is
	// done; the request loop may block between messages indefinitely.
	if err := sess.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	id, err := sess.r.ReadID()
	if err != nil {
		return fmt.Errorf("read connect request: %w", err)
	}
	if id != protocol.ConnectRequest {
		return fmt.Errorf("expected CONNECT_REQUEST, got %v", id)
	}
	clientVersion, err := sess.r.ReadUint32()
	if err != nil {
		return fmt.Errorf("read client version: %w", err)
	}
	if clientVersion == 0 {
		return errors.New("client offered protocol version 0")
	}

	// Speak the client's version when it is older than ours; a client
	// never accepts a reply above its own version.
	replyVersion := s.cfg.Version
	if clientVersion < replyVersion {
		replyVersion = clientVersion
	}

	if err := sess.w.WriteID(protocol.ConnectReply); err != nil {
		return err
	}
	if err := sess.w.WriteUint32(replyVersion); err != nil {
		return err
	}
	state := protocol.NewDeviceState(s.cfg.Layout)
	if err := state.WriteLayout(sess.w); err != nil {
		return err
	}
	if err := sess.w.Flush(); err != nil {
		return err
	}
	return sess.conn.SetReadDeadline(time.Time{})
}

// serveMessages runs the post-handshake request loop until the client
// disconnects or the connection fails.
func (s *Server) serveMessages(sess *session) {
	for {
		id, err := sess.r.ReadID()
		if err != nil {
			return
		}
		switch id {
		case protocol.ActivateRequest:
			sess.active = true
		case protocol.DeactivateRequest:
			// Deactivating also ends any stream still running.
			sess.active = false
			s.stopStreaming(sess)
		case protocol.StartStreamRequest:
			if sess.active {
				s.startStreaming(sess)
			}
		case protocol.StopStreamRequest:
			s.stopStreaming(sess)
		case protocol.PacketRequest:
			if !sess.active {
				continue
			}
			if err := s.sendCurrent(sess); err != nil {
				log.Printf("[Server] Packet reply to %s failed: %v", sess.conn.RemoteAddr(), err)
				return
			}
		case protocol.DisconnectRequest:
			return
		default:
			// Unknown IDs carry no payload; skip for forward
			// compatibility with newer clients.
		}
	}
}

// sendCurrent writes one PACKET_REPLY with the most recently published
// snapshot. Before the first Publish the payload is an all-defaults
// snapshot for the layout.
func (s *Server) sendCurrent(sess *session) error {
	s.mu.RLock()
	payload := s.current
	s.mu.RUnlock()
	if payload == nil {
		payload = protocol.NewDeviceState(s.cfg.Layout).
			MarshalPacket(s.cfg.IncludeTimestamps, s.cfg.IncludeValidFlags)
	}
	return sess.writePacket(payload)
}

// startStreaming subscribes the session to published snapshots and starts
// its writer goroutine.
func (s *Server) startStreaming(sess *session) {
	s.mu.Lock()
	if sess.streamCh != nil {
		s.mu.Unlock()
		return
	}
	ch := make(chan []byte, s.cfg.QueueDepth)
	done := make(chan struct{})
	sess.streamCh = ch
	sess.streamDone = done
	s.mu.Unlock()
	s.streaming.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-done:
				return
			case payload := <-ch:
				if err := sess.writePacket(payload); err != nil {
					log.Printf("[Server] Stream write to %s failed: %v", sess.conn.RemoteAddr(), err)
					return
				}
				sess.packets.Add(1)
			}
		}
	}()
}

// stopStreaming unsubscribes the session. Packets already queued are
// abandoned; the client stops decoding on its own side.
func (s *Server) stopStreaming(sess *session) {
	s.mu.Lock()
	if sess.streamCh == nil {
		s.mu.Unlock()
		return
	}
	close(sess.streamDone)
	sess.streamCh = nil
	sess.streamDone = nil
	s.mu.Unlock()
	s.streaming.Add(-1)
}

// writePacket frames one PACKET_REPLY. The send mutex keeps stream writes
// and PACKET_REQUEST replies from interleaving mid-message.
func (sess *session) writePacket(payload []byte) error {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if err := sess.w.WriteID(protocol.PacketReply); err != nil {
		return err
	}
	if _, err := sess.w.Write(payload); err != nil {
		return err
	}
	return sess.w.Flush()
}
