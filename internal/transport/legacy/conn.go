package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/opus"
	"github.com/fluxer-voice-lab/internal/transport"
)

// FrameInterval is the pacer tick; one Opus packet is sent per tick.
const FrameInterval = 20 * time.Millisecond

var (
	errMissingSession = errors.New("missing voice server or session data")
	errSocketClosed   = errors.New("voice WebSocket closed")
)

// Conn is a legacy voice transport bound to one channel.
type Conn struct {
	guildID   string
	channelID string
	userID    string
	dialer    *websocket.Dialer
	metrics   *metrics.Metrics

	emitter transport.Emitter

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu         sync.Mutex
	endpoint   string
	udp        *net.UDPConn
	seal       *sealer
	ssrc       uint32
	cancelPlay context.CancelFunc

	ready     atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once
	failCh    chan error
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Conn)(nil)

// Options configure a Conn.
type Options struct {
	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
}

// New returns an unconnected transport for guildID/channelID acting as userID.
func New(guildID, channelID, userID string, opts Options) *Conn {
	d := opts.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Conn{
		guildID:   guildID,
		channelID: channelID,
		userID:    userID,
		dialer:    d,
		metrics:   m,
		readyCh:   make(chan struct{}),
		failCh:    make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (c *Conn) Kind() transport.Kind { return transport.KindLegacy }
func (c *Conn) GuildID() string      { return c.guildID }
func (c *Conn) ChannelID() string    { return c.channelID }
func (c *Conn) Connected() bool      { return c.ready.Load() }

// SameServer always reports false: legacy servers are never reused across
// voice-server updates.
func (c *Conn) SameServer(endpoint, token string) bool { return false }

func (c *Conn) On(fn func(transport.Event)) func() { return c.emitter.On(fn) }

// Connect runs the signaling handshake and returns once the session key
// arrives.
func (c *Conn) Connect(ctx context.Context, server transport.ServerUpdate, state transport.StateUpdate) error {
	if server.Endpoint == "" || server.Token == "" || state.SessionID == "" {
		c.emitter.Emit(transport.Event{Type: transport.EventError, Err: errMissingSession})
		return errMissingSession
	}
	wsURL := SignalingURL(server.Endpoint)
	c.mu.Lock()
	c.endpoint = transport.Host(server.Endpoint)
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial voice signaling %s: %w", wsURL, err)
	}
	c.writeMu.Lock()
	c.ws = conn
	c.writeMu.Unlock()

	if err := c.send(OpIdentify, identify{
		ServerID:  c.guildID,
		UserID:    c.userID,
		SessionID: state.SessionID,
		Token:     server.Token,
	}); err != nil {
		c.Disconnect()
		return fmt.Errorf("identify: %w", err)
	}

	go c.readLoop(conn)

	select {
	case <-c.readyCh:
		c.mu.Lock()
		ssrc := c.ssrc
		c.mu.Unlock()
		logging.Infow("legacy voice ready", append(logging.GuildFields(c.guildID), "channel.id", c.channelID, "ssrc", ssrc)...)
		c.metrics.TransportsActive.WithLabelValues(string(transport.KindLegacy)).Inc()
		c.emitter.Emit(transport.Event{Type: transport.EventReady})
		return nil
	case err := <-c.failCh:
		c.Disconnect()
		return err
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

func (c *Conn) fail(err error) {
	select {
	case c.failCh <- err:
	default:
	}
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.ready.Load() {
				c.fail(errSocketClosed)
				return
			}
			select {
			case <-c.done:
			default:
				logging.Warnw("legacy voice socket closed", "guild.id", c.guildID, "err", err)
				c.emitter.Emit(transport.Event{Type: transport.EventError, Err: err})
				c.Disconnect()
			}
			return
		}
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			logging.Debugw("legacy voice: bad payload", "err", err)
			continue
		}
		switch p.Op {
		case OpReady:
			var r ready
			if err := json.Unmarshal(p.D, &r); err != nil {
				c.fail(fmt.Errorf("decode ready: %w", err))
				continue
			}
			go c.discover(r)
		case OpSessionDescription:
			var sd sessionDescription
			if err := json.Unmarshal(p.D, &sd); err != nil {
				c.fail(fmt.Errorf("decode session description: %w", err))
				continue
			}
			c.onSessionDescription(sd)
		case OpHeartbeat:
		}
	}
}

func (c *Conn) discover(r ready) {
	c.mu.Lock()
	c.ssrc = r.SSRC
	addr := r.remoteAddress(c.endpoint)
	c.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(addr, strconv.Itoa(r.Port)))
	if err != nil {
		c.fail(fmt.Errorf("resolve voice udp: %w", err))
		return
	}
	udp, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		c.fail(fmt.Errorf("dial voice udp: %w", err))
		return
	}
	if _, err := udp.Write(discoveryRequest(r.SSRC)); err != nil {
		_ = udp.Close()
		c.fail(fmt.Errorf("send discovery: %w", err))
		return
	}
	_ = udp.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 128)
	n, err := udp.Read(buf)
	if err != nil {
		_ = udp.Close()
		c.fail(fmt.Errorf("read discovery: %w", err))
		return
	}
	_ = udp.SetReadDeadline(time.Time{})
	ip, port, err := parseDiscoveryResponse(buf[:n])
	if err != nil {
		_ = udp.Close()
		c.emitter.Emit(transport.Event{Type: transport.EventError, Err: err})
		c.fail(err)
		return
	}

	c.mu.Lock()
	c.udp = udp
	c.mu.Unlock()

	if err := c.send(OpSelectProtocol, selectProtocol{
		Protocol: "udp",
		Data:     selectProtocolData{Address: ip, Port: port, Mode: encryptionMode},
	}); err != nil {
		c.fail(fmt.Errorf("select protocol: %w", err))
	}
}

func (c *Conn) onSessionDescription(sd sessionDescription) {
	key, ok := sd.key()
	if !ok {
		c.fail(errors.New("session description carries no 32-byte secret key"))
		return
	}
	c.mu.Lock()
	c.seal = &sealer{ssrc: c.ssrc, key: *key}
	c.mu.Unlock()

	interval := sd.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatIntervalMs
	}
	c.readyOnce.Do(func() {
		go c.heartbeat(time.Duration(interval) * time.Millisecond)
		c.ready.Store(true)
		close(c.readyCh)
	})
}

func (c *Conn) heartbeat(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.send(OpHeartbeat, time.Now().UnixMilli())
		}
	}
}

func (c *Conn) send(op int, d interface{}) error {
	b, err := json.Marshal(outbound{Op: op, D: d})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return transport.ErrClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// SetVolume is a no-op: legacy playback forwards Opus packets without
// decoding them, so the stream plays at its encoded level.
func (c *Conn) SetVolume(int) {}

// Play paces the Opus packets of an Ogg/Opus stream onto the wire, one per
// FrameInterval, and returns once the queue drains after the stream ends.
func (c *Conn) Play(ctx context.Context, src io.Reader) error {
	if !c.ready.Load() {
		return transport.ErrNotReady
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	c.Stop()
	playCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelPlay = cancel
	ssrc := c.ssrc
	c.mu.Unlock()
	defer cancel()

	started := time.Now()
	_ = c.send(OpSpeaking, speaking{Speaking: 1, Delay: 0, SSRC: ssrc})

	q := &packetQueue{}
	readErr := make(chan error, 1)
	go func() {
		pr := opus.NewPacketReader(src)
		for {
			f, err := pr.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				q.end()
				return
			}
			if playCtx.Err() != nil {
				q.end()
				return
			}
			q.push(f)
		}
	}()

	ticker := time.NewTicker(FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-playCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		case <-c.done:
			return transport.ErrClosed
		case err := <-readErr:
			c.emitter.Emit(transport.Event{Type: transport.EventError, Err: err})
			return fmt.Errorf("read opus stream: %w", err)
		case <-ticker.C:
			pkt, ok, finished := q.pop()
			if ok {
				c.sendAudio(pkt)
			}
			if finished {
				c.metrics.PlaybackDuration.WithLabelValues(string(transport.KindLegacy)).Observe(time.Since(started).Seconds())
				return nil
			}
		}
	}
}

func (c *Conn) sendAudio(pkt []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seal == nil || c.udp == nil {
		c.metrics.RTPPacketsDropped.Inc()
		return
	}
	b, err := c.seal.seal(pkt)
	if err != nil {
		c.metrics.RTPPacketsDropped.Inc()
		return
	}
	if _, err := c.udp.Write(b); err != nil {
		c.metrics.RTPPacketsDropped.Inc()
		return
	}
	c.metrics.RTPPacketsSent.Inc()
}

// Stop aborts the current playback, if any.
func (c *Conn) Stop() {
	c.mu.Lock()
	cancel := c.cancelPlay
	c.cancelPlay = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SubscribeParticipantAudio is not available: the legacy transport has no
// receive path.
func (c *Conn) SubscribeParticipantAudio(string) (transport.Subscription, error) {
	return nil, transport.ErrUnsupported
}

func (c *Conn) ParticipantIDs() []string { return nil }

// Disconnect tears everything down and emits EventDisconnect exactly once.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() {
		c.Stop()
		close(c.done)
		wasReady := c.ready.Swap(false)

		c.writeMu.Lock()
		if c.ws != nil {
			_ = c.ws.Close()
			c.ws = nil
		}
		c.writeMu.Unlock()

		c.mu.Lock()
		if c.udp != nil {
			_ = c.udp.Close()
			c.udp = nil
		}
		c.seal = nil
		c.mu.Unlock()

		if wasReady {
			c.metrics.TransportsActive.WithLabelValues(string(transport.KindLegacy)).Dec()
		}
		logging.Infow("legacy voice disconnected", "guild.id", c.guildID, "channel.id", c.channelID)
		c.emitter.Emit(transport.Event{Type: transport.EventDisconnect})
	})
}

// packetQueue is the pacer's FIFO. Pops report finished once the producer
// has ended and nothing is left.
type packetQueue struct {
	mu    sync.Mutex
	items [][]byte
	ended bool
}

func (q *packetQueue) push(b []byte) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
}

func (q *packetQueue) end() {
	q.mu.Lock()
	q.ended = true
	q.mu.Unlock()
}

func (q *packetQueue) pop() (pkt []byte, ok bool, finished bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		pkt = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		ok = true
	}
	return pkt, ok, q.ended && len(q.items) == 0
}
