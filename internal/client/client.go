// Package client implements the tracking-daemon client: it opens the TCP
// connection, runs the version handshake, and streams decoded device
// snapshots to a DeviceManager from a dedicated receiver goroutine.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/track"
)

// DefaultHandshakeTimeout bounds the wait for CONNECT_REPLY after sending
// CONNECT_REQUEST. Steady-state packet reads have no timeout; once
// activated the server is expected to stream continuously.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrHandshakeTimeout is returned when the server does not answer the
// connect request in time.
var ErrHandshakeTimeout = errors.New("handshake timed out waiting for CONNECT_REPLY")

// ErrNotStreaming is returned by Stop when the client has no receiver
// goroutine running.
var ErrNotStreaming = errors.New("client is not streaming")

// ErrAlreadyStreaming is returned by Start when streaming is already
// active.
var ErrAlreadyStreaming = errors.New("client is already streaming")

// DeviceManager receives decoded tracking updates. All three methods are
// called only from the receiver goroutine, only while streaming, in
// increasing index order within each category per packet. The manager must
// synchronise on its own if it is read concurrently by other goroutines.
type DeviceManager interface {
	SetTrackerState(index int, state track.TrackerState)
	SetButtonState(index int, pressed bool)
	SetValuatorState(index int, value float64)
}

// PacketSink is an optional extension of DeviceManager. When the manager
// implements it, PacketComplete is invoked after all values of a packet
// have been forwarded, giving relays a republish boundary.
type PacketSink interface {
	PacketComplete()
}

// Config describes how to reach and speak to the daemon.
type Config struct {
	// Host and Port locate the daemon. No fallback address is supported.
	Host string
	Port int

	// Version is the protocol version offered in CONNECT_REQUEST.
	// Defaults to protocol.ProtocolVersion.
	Version uint32

	// IncludeTimestamps and IncludeValidFlags select the per-session wire
	// options. They must match the server's settings; there is no in-band
	// indicator.
	IncludeTimestamps bool
	IncludeValidFlags bool

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Manager receives decoded updates. Required before Start.
	Manager DeviceManager
}

// Client is a connected tracking-daemon session. New performs the full
// handshake synchronously; Start and Stop bracket the streaming phase.
// Any transport or protocol error is fatal for the session: the client
// never retries, and the owner decides whether to build a new one.
type Client struct {
	conn    net.Conn
	r       *protocol.Reader
	w       *protocol.Writer
	writeMu sync.Mutex

	version uint32
	state   *protocol.DeviceState
	manager DeviceManager

	timestamps bool
	validFlags bool

	streaming atomic.Bool
	stopping  atomic.Bool
	wg        sync.WaitGroup

	errMu   sync.Mutex
	loopErr error
}

// New dials the daemon and runs the handshake: CONNECT_REQUEST with the
// client's version, CONNECT_REPLY within the handshake timeout, version
// negotiation, then the layout announcement. On any failure the transport
// is closed and an error returned; the caller owns user-visible reporting.
func New(cfg Config) (*Client, error) {
	if cfg.Version == 0 {
		cfg.Version = protocol.ProtocolVersion
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:       conn,
		r:          protocol.NewReader(conn),
		w:          protocol.NewWriter(conn),
		manager:    cfg.Manager,
		timestamps: cfg.IncludeTimestamps,
		validFlags: cfg.IncludeValidFlags,
		state:      protocol.NewDeviceState(track.DeviceLayout{}),
	}

	if err := c.handshake(cfg.Version, cfg.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(version uint32, timeout time.Duration) error {
	if err := c.w.WriteID(protocol.ConnectRequest); err != nil {
		return fmt.Errorf("send connect request: %w", err)
	}
	if err := c.w.WriteUint32(version); err != nil {
		return fmt.Errorf("send connect request: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("send connect request: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	id, err := c.r.ReadID()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("read connect reply: %w", err)
	}
	if id != protocol.ConnectReply {
		return fmt.Errorf("handshake: expected CONNECT_REPLY, got %v", id)
	}

	serverVersion, err := c.r.ReadUint32()
	if err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	negotiated, err := protocol.NegotiateVersion(version, serverVersion)
	if err != nil {
		return err
	}
	c.version = negotiated

	// The layout announcement follows the connect reply unconditionally.
	if err := c.state.ReadLayout(c.r); err != nil {
		return fmt.Errorf("read layout announcement: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	log.Printf("[Client] Connected to %s: protocol version %d, layout %s",
		c.conn.RemoteAddr(), c.version, c.state.Layout())
	return nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() uint32 {
	return c.version
}

// Layout returns the device layout announced by the server.
func (c *Client) Layout() track.DeviceLayout {
	return c.state.Layout()
}

// Start enters the streaming state: it spawns the receiver goroutine, then
// sends ACTIVATE_REQUEST and STARTSTREAM_REQUEST flushed together.
func (c *Client) Start() error {
	if c.manager == nil {
		return errors.New("no DeviceManager configured")
	}
	if !c.streaming.CompareAndSwap(false, true) {
		return ErrAlreadyStreaming
	}
	c.stopping.Store(false)
	c.setLoopErr(nil)

	c.wg.Add(1)
	go c.receiveLoop()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.w.WriteID(protocol.ActivateRequest); err != nil {
		return fmt.Errorf("send activate: %w", err)
	}
	if err := c.w.WriteID(protocol.StartStreamRequest); err != nil {
		return fmt.Errorf("send start stream: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("send start stream: %w", err)
	}
	return nil
}

// Stop leaves the streaming state: it sends STOPSTREAM_REQUEST and
// DEACTIVATE_REQUEST, then joins the receiver goroutine. When Stop
// returns, no further DeviceManager calls will occur; packets the server
// sent in the meantime stay unread in the socket buffer and are never
// decoded into the live snapshot. Returns the receiver's error if the
// stream died before Stop was called.
func (c *Client) Stop() error {
	if !c.streaming.Load() {
		return ErrNotStreaming
	}

	c.writeMu.Lock()
	if err := c.w.WriteID(protocol.StopStreamRequest); err == nil {
		if err := c.w.WriteID(protocol.DeactivateRequest); err == nil {
			c.w.Flush()
		}
	}
	c.writeMu.Unlock()

	// Cooperative shutdown: raise the flag, then cancel the blocking read
	// with an immediate deadline. The receiver checks the flag on every
	// read error and between packets.
	c.stopping.Store(true)
	c.conn.SetReadDeadline(time.Now())
	c.wg.Wait()
	c.conn.SetReadDeadline(time.Time{})

	c.streaming.Store(false)
	return c.err()
}

// receiveLoop reads message IDs forever, decodes PACKET_REPLY payloads
// into the session's snapshot with the agreed wire options, and forwards
// every value to the DeviceManager. It is the only goroutine that writes
// into the snapshot or calls the manager, so manager updates are
// single-writer by construction. Message IDs other than PACKET_REPLY are
// skipped; by protocol convention they carry no payload, which keeps old
// clients forward compatible with future message types.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		id, err := c.r.ReadID()
		if err != nil {
			if c.stopping.Load() {
				return
			}
			c.setLoopErr(fmt.Errorf("read message: %w", err))
			log.Printf("[Client] Receive loop terminated: %v", err)
			return
		}

		if id != protocol.PacketReply {
			continue
		}

		if err := c.state.Read(c.r, c.timestamps, c.validFlags); err != nil {
			if c.stopping.Load() {
				return
			}
			c.setLoopErr(err)
			log.Printf("[Client] Receive loop terminated: %v", err)
			return
		}
		if c.stopping.Load() {
			return
		}
		c.dispatch()
	}
}

// dispatch forwards the snapshot to the manager in index order: trackers,
// then buttons, then valuators.
func (c *Client) dispatch() {
	layout := c.state.Layout()
	for i := 0; i < layout.NumTrackers; i++ {
		c.manager.SetTrackerState(i, c.state.TrackerState(i))
	}
	for i := 0; i < layout.NumButtons; i++ {
		c.manager.SetButtonState(i, c.state.Button(i))
	}
	for i := 0; i < layout.NumValuators; i++ {
		c.manager.SetValuatorState(i, c.state.Valuator(i))
	}
	if sink, ok := c.manager.(PacketSink); ok {
		sink.PacketComplete()
	}
}

// Poll requests and decodes a single snapshot via PACKET_REQUEST. It must
// not be called while streaming; the receiver goroutine owns the read side
// of the connection in that state.
func (c *Client) Poll() error {
	if c.streaming.Load() {
		return ErrAlreadyStreaming
	}

	c.writeMu.Lock()
	err := func() error {
		if err := c.w.WriteID(protocol.ActivateRequest); err != nil {
			return err
		}
		if err := c.w.WriteID(protocol.PacketRequest); err != nil {
			return err
		}
		return c.w.Flush()
	}()
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send packet request: %w", err)
	}

	for {
		id, err := c.r.ReadID()
		if err != nil {
			return fmt.Errorf("read packet reply: %w", err)
		}
		if id != protocol.PacketReply {
			continue
		}
		if err := c.state.Read(c.r, c.timestamps, c.validFlags); err != nil {
			return err
		}
		if c.manager != nil {
			c.dispatch()
		}
		return nil
	}
}

// Close sends a best-effort DISCONNECT_REQUEST and releases the transport.
// Streaming is stopped first if still active.
func (c *Client) Close() error {
	if c.streaming.Load() {
		c.Stop()
	}

	c.writeMu.Lock()
	if err := c.w.WriteID(protocol.DisconnectRequest); err == nil {
		c.w.Flush()
	}
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *Client) setLoopErr(err error) {
	c.errMu.Lock()
	c.loopErr = err
	c.errMu.Unlock()
}

func (c *Client) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.loopErr
}
