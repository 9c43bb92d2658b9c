package mqttclient

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-labs/netkit/buf"
	"github.com/halcyon-labs/netkit/errs"
	"github.com/halcyon-labs/netkit/transport"
	"github.com/halcyon-labs/netkit/workerpool"
)

const pingTimeout = 30 * time.Second

// Handlers bundles the callbacks a Client fires: a connection handler
// invoked with the CONNACK outcome, a disconnection handler, and the
// inbound message handler. Any field left nil is simply not invoked.
type Handlers struct {
	OnConnect    func(sessionPresent bool, err error)
	OnDisconnect func(err error)
	OnMessage    func(topic string, payload []byte, qos QoS, retain bool, props *Properties)
	OnError      func(err error)
}

// Client is an MQTT 3.1.1 / 5.0 client that talks to the broker through
// the transport.Transport interface. It dials a transport.TCPTransport, or
// a transport.TLSTransport when Config.UseTLS is set; no other Transport
// can be supplied. Connection state lives behind a mutex rather than
// atomics, since most transitions also touch the transport and pending-op
// map together; handler dispatch takes plain callback arguments rather
// than a token/future type, since callers never need to block waiting on
// a specific operation's completion.
type Client struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	state   ConnectionState
	tr      transport.Transport
	host    string
	port    int
	backoff *reconnectBackoff
	ids     packetIDAllocator
	pending map[uint16]*PendingOp

	autoReconnect      bool
	manualDisconnect   bool
	lastPacketReceived time.Time
	pingTimer          *time.Timer

	handlersMu sync.RWMutex
	handlers   Handlers

	messagesReceived uint64
	statMu           sync.Mutex

	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
	reconnectCh chan struct{}

	pool *workerpool.Pool
}

// Option configures a Client at construction.
type Option func(*Client)

// WithLogger attaches a zap logger; default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithWorkerPool overrides the pool handlers dispatch on (default
// unbounded, matching tcpclient/sockethub's workerpool.New(0, ...)).
func WithWorkerPool(p *workerpool.Pool) Option {
	return func(c *Client) { c.pool = p }
}

// WithAutoReconnect enables reconnection with exponential backoff (1s
// doubling to 60s, jitter [0,1000]ms).
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) { c.autoReconnect = enabled }
}

// New constructs a disconnected Client. cfg.ClientID is auto-generated
// here if left empty.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withClientID()
	c := &Client{
		cfg:         cfg,
		log:         zap.NewNop(),
		backoff:     newReconnectBackoff(),
		pending:     make(map[uint16]*PendingOp),
		stopCh:      make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.pool == nil {
		c.pool = workerpool.New(0, c.log)
	}
	c.wg.Add(1)
	go c.reconnectLoop()
	return c
}

// SetHandlers installs the callback bundle.
func (c *Client) SetHandlers(hs Handlers) {
	c.handlersMu.Lock()
	c.handlers = hs
	c.handlersMu.Unlock()
}

// State returns the client's current ConnectionState.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MessagesReceived returns the running count of PUBLISH packets delivered
// to the message handler.
func (c *Client) MessagesReceived() uint64 {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return c.messagesReceived
}

func (c *Client) changeState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials host:port and, on success, sends CONNECT and begins the
// receive loop. The call returns once the dial has been kicked off, not
// once CONNACK has arrived. The connection handler fires from the receive
// loop on CONNACK (success or protocol-error failure) or from here on a
// transport-level dial failure.
func (c *Client) Connect(host string, port int) {
	c.mu.Lock()
	c.host, c.port = host, port
	c.manualDisconnect = false
	c.mu.Unlock()
	c.changeState(Connecting)
	go c.dial()
}

func (c *Client) dial() {
	var tr transport.Transport
	if c.cfg.UseTLS {
		tr = transport.NewTLSTransport(c.cfg.tlsConfig(), 0)
	} else {
		tr = transport.NewTCPTransport(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	host, port := c.host, c.port
	c.mu.Unlock()

	if err := tr.Connect(ctx, host, port); err != nil {
		c.dialFailed(err)
		return
	}
	if _, err := tr.Write(encodeConnect(c.cfg, c.cfg.Version)); err != nil {
		_ = tr.Close()
		c.dialFailed(err)
		return
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(tr)
	if c.cfg.KeepAlive > 0 {
		c.wg.Add(1)
		go c.keepaliveLoop(tr)
	}
}

// dialFailed handles a failure that occurs before any packet has been
// exchanged (dial error or CONNECT write error) — there is no receive
// loop yet to route through handleTransportError.
func (c *Client) dialFailed(err error) {
	c.log.Warn("mqttclient: connect failed", zap.Error(err))
	c.mu.Lock()
	shouldReconnect := c.autoReconnect && !c.manualDisconnect
	c.mu.Unlock()

	if shouldReconnect {
		c.changeState(Reconnecting)
		c.postReconnect()
	} else {
		c.changeState(Failed)
	}
	c.fireConnectResult(false, err)
}

// Disconnect sends a DISCONNECT packet, closes the transport, cancels
// timers, fails every pending op, and transitions to Disconnected. It is
// idempotent — a second call while already Disconnected is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.manualDisconnect = true
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr != nil {
		_, _ = tr.Write(encodeDisconnect(c.cfg.Version, 0))
		_ = tr.Close()
	}
	c.cancelPingTimeout()
	c.failAllPending(errs.New(errs.Cancelled, "mqttclient.Disconnect", "client disconnecting"))
	c.changeState(Disconnected)
	c.fireDisconnected(nil)
}

// Close permanently stops the client: disables auto-reconnect,
// disconnects, and stops the reconnect goroutine and worker pool.
func (c *Client) Close() {
	c.mu.Lock()
	c.autoReconnect = false
	c.mu.Unlock()
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.pool.Close()
}

// Publish sends a PUBLISH at the given QoS. For QoS 0 done (if non-nil)
// fires as soon as the write succeeds; for QoS>=1 a PendingOp is
// recorded and done fires when the matching PUBACK/PUBCOMP arrives, or
// with an error if the connection drops first. If the write itself
// fails, Publish returns the error and done is not called.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool, done func(error)) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return errs.New(errs.Closed, "mqttclient.Publish", "not connected")
	}
	tr := c.tr
	var id uint16
	if qos > QoS0 {
		id = c.ids.Next()
	}
	c.mu.Unlock()

	data := encodePublish(publishPacket{Topic: topic, PacketID: id, QoS: qos, Retain: retain, Payload: payload}, c.cfg.Version)

	if qos > QoS0 {
		c.mu.Lock()
		c.pending[id] = &PendingOp{Kind: opPublish, PacketID: id, Timestamp: time.Now(), PublishQoS: qos, PublishDone: done}
		c.mu.Unlock()
	}

	if _, err := tr.Write(data); err != nil {
		if qos > QoS0 {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
		}
		c.handleTransportError(err)
		return err
	}
	if qos == QoS0 && done != nil {
		c.pool.Submit(context.Background(), func() { done(nil) })
	}
	return nil
}

// Subscribe sends a SUBSCRIBE for the given topics; done receives the
// full per-topic return-code vector on SUBACK, never truncated to a
// single code.
func (c *Client) Subscribe(topics []SubscribeTopic, done func(returnCodes []byte, err error)) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return errs.New(errs.Closed, "mqttclient.Subscribe", "not connected")
	}
	tr := c.tr
	id := c.ids.Next()
	c.pending[id] = &PendingOp{Kind: opSubscribe, PacketID: id, Timestamp: time.Now(), SubscribeDone: done}
	c.mu.Unlock()

	if _, err := tr.Write(encodeSubscribe(id, topics, c.cfg.Version)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.handleTransportError(err)
		return err
	}
	return nil
}

// Unsubscribe sends an UNSUBSCRIBE for the given filters; done receives
// the v5 per-topic reason-code vector, or nil for v3.1.1 (which carries
// no UNSUBACK payload).
func (c *Client) Unsubscribe(filters []string, done func(returnCodes []byte, err error)) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return errs.New(errs.Closed, "mqttclient.Unsubscribe", "not connected")
	}
	tr := c.tr
	id := c.ids.Next()
	c.pending[id] = &PendingOp{Kind: opUnsubscribe, PacketID: id, Timestamp: time.Now(), Filters: filters, UnsubDone: done}
	c.mu.Unlock()

	if _, err := tr.Write(encodeUnsubscribe(id, filters, c.cfg.Version)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.handleTransportError(err)
		return err
	}
	return nil
}

func (c *Client) receiveLoop(tr transport.Transport) {
	defer c.wg.Done()
	scratch := make([]byte, 4096)
	var acc bytes.Buffer
	for {
		n, err := tr.Read(scratch)
		if n > 0 {
			acc.Write(scratch[:n])
			for {
				hdr, bodyOffset, total, ok := extractPacket(acc.Bytes())
				if !ok {
					if b := acc.Bytes(); len(b) >= 5 && b[1]&b[2]&b[3]&b[4]&0x80 != 0 {
						c.handleTransportError(errs.New(errs.Malformed, "mqttclient.receiveLoop", "remaining length exceeds 4 bytes"))
						return
					}
					break
				}
				raw := acc.Bytes()[:total]
				body := buf.FromBytes(append([]byte(nil), raw[bodyOffset:total]...))
				c.mu.Lock()
				c.lastPacketReceived = time.Now()
				c.mu.Unlock()
				c.dispatch(hdr, body, tr)
				acc.Next(total)
			}
		}
		if err != nil {
			c.mu.Lock()
			current := c.tr == tr
			c.mu.Unlock()
			if current {
				c.handleTransportError(err)
			}
			return
		}
	}
}

// dispatch routes one decoded packet to its handler based on packet type.
func (c *Client) dispatch(hdr header, body *buf.Buffer, tr transport.Transport) {
	switch hdr.Type {
	case CONNACK:
		c.onConnack(body, tr)
	case PUBLISH:
		c.onPublish(hdr.Flags, body, tr)
	case PUBACK, PUBCOMP:
		id, err := decodeAckPacketID(body)
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if op := c.popPending(id); op != nil && op.PublishDone != nil {
			c.pool.Submit(context.Background(), func() { op.PublishDone(nil) })
		}
	case PUBREC:
		id, err := decodeAckPacketID(body)
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if _, err := tr.Write(encodeAck(PUBREL, id)); err != nil {
			c.handleTransportError(err)
		}
	case PUBREL:
		id, err := decodeAckPacketID(body)
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if _, err := tr.Write(encodeAck(PUBCOMP, id)); err != nil {
			c.handleTransportError(err)
		}
	case SUBACK:
		res, err := decodeSuback(body, c.cfg.Version)
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if op := c.popPending(res.PacketID); op != nil && op.SubscribeDone != nil {
			codes := res.ReturnCodes
			c.pool.Submit(context.Background(), func() { op.SubscribeDone(codes, nil) })
		}
	case UNSUBACK:
		res, err := decodeUnsuback(body, c.cfg.Version)
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if op := c.popPending(res.PacketID); op != nil && op.UnsubDone != nil {
			codes := res.ReturnCodes
			c.pool.Submit(context.Background(), func() { op.UnsubDone(codes, nil) })
		}
	case PINGRESP:
		c.cancelPingTimeout()
	default:
		c.handleTransportError(errs.New(errs.Malformed, "mqttclient.dispatch", "unexpected packet type"))
	}
}

func (c *Client) onConnack(body *buf.Buffer, tr transport.Transport) {
	res, err := decodeConnack(body, c.cfg.Version)
	if err != nil {
		c.handleTransportError(err)
		return
	}
	if res.ReturnCode != 0 {
		c.log.Warn("mqttclient: CONNACK rejected", zap.Uint8("return_code", res.ReturnCode))
		c.mu.Lock()
		c.tr = nil
		shouldReconnect := c.autoReconnect && !c.manualDisconnect
		c.mu.Unlock()
		_ = tr.Close()
		c.changeState(Disconnected)
		c.failAllPending(errs.New(errs.ProtocolError, "mqttclient.onConnack", "non-zero CONNACK return code"))
		c.fireConnectResult(res.SessionPresent, errs.New(errs.ProtocolError, "mqttclient.onConnack", "broker rejected CONNECT"))
		if shouldReconnect {
			c.changeState(Reconnecting)
			c.postReconnect()
		}
		return
	}
	c.backoff.reset()
	c.changeState(Connected)
	c.fireConnectResult(res.SessionPresent, nil)
}

func (c *Client) onPublish(flags byte, body *buf.Buffer, tr transport.Transport) {
	pkt, err := decodePublish(flags, body, c.cfg.Version)
	if err != nil {
		c.handleTransportError(err)
		return
	}
	switch pkt.QoS {
	case QoS1:
		if _, err := tr.Write(encodeAck(PUBACK, pkt.PacketID)); err != nil {
			c.handleTransportError(err)
			return
		}
	case QoS2:
		if _, err := tr.Write(encodeAck(PUBREC, pkt.PacketID)); err != nil {
			c.handleTransportError(err)
			return
		}
	}
	c.statMu.Lock()
	c.messagesReceived++
	c.statMu.Unlock()

	c.handlersMu.RLock()
	fn := c.handlers.OnMessage
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), func() { fn(pkt.Topic, pkt.Payload, pkt.QoS, pkt.Retain, pkt.Props) })
	}
}

func (c *Client) popPending(id uint16) *PendingOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.pending[id]
	delete(c.pending, id)
	return op
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint16]*PendingOp)
	c.mu.Unlock()

	for _, op := range pending {
		op := op
		switch op.Kind {
		case opPublish:
			if op.PublishDone != nil {
				c.pool.Submit(context.Background(), func() { op.PublishDone(err) })
			}
		case opSubscribe:
			if op.SubscribeDone != nil {
				c.pool.Submit(context.Background(), func() { op.SubscribeDone(nil, err) })
			}
		case opUnsubscribe:
			if op.UnsubDone != nil {
				c.pool.Submit(context.Background(), func() { op.UnsubDone(nil, err) })
			}
		}
	}
}

func (c *Client) keepaliveLoop(tr transport.Transport) {
	defer c.wg.Done()
	interval := time.Duration(float64(c.cfg.KeepAlive) * 0.75 * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			current := c.tr == tr && c.state == Connected
			last := c.lastPacketReceived
			c.mu.Unlock()
			if !current {
				return
			}
			if time.Since(last) < time.Duration(c.cfg.KeepAlive)*time.Second {
				continue
			}
			if _, err := tr.Write(encodePingreq()); err != nil {
				c.handleTransportError(err)
				return
			}
			c.armPingTimeout(tr)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) armPingTimeout(tr transport.Transport) {
	c.mu.Lock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.pingTimer = time.AfterFunc(pingTimeout, func() {
		c.mu.Lock()
		current := c.tr == tr
		c.mu.Unlock()
		if !current {
			return
		}
		c.handleTransportError(errs.New(errs.ServerUnavailable, "mqttclient.keepalive", "PINGRESP not received within timeout"))
	})
	c.mu.Unlock()
}

func (c *Client) cancelPingTimeout() {
	c.mu.Lock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	c.mu.Unlock()
}

// handleTransportError is the single funnel every I/O and protocol
// failure passes through once a connection is established: transition to
// Disconnected, close the transport, cancel keep-alive/ping timers, fail
// all pending ops, call the disconnection handler, and (if enabled)
// schedule a reconnect.
func (c *Client) handleTransportError(err error) {
	wrapped := classify(err)
	c.log.Warn("mqttclient: transport error", zap.Error(wrapped))

	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	shouldReconnect := c.autoReconnect && !c.manualDisconnect
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.cancelPingTimeout()
	c.failAllPending(errs.New(errs.Unspecified, "mqttclient.handleTransportError", "connection lost"))
	c.changeState(Disconnected)
	c.fireDisconnected(wrapped)

	if shouldReconnect {
		c.changeState(Reconnecting)
		c.postReconnect()
	}
}

func (c *Client) postReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.reconnectCh:
			c.runReconnect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) runReconnect() {
	c.mu.Lock()
	if !c.autoReconnect || c.manualDisconnect {
		c.mu.Unlock()
		return
	}
	delay := c.backoff.next()
	c.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-c.stopCh:
		return
	}

	c.mu.Lock()
	stillWanted := c.autoReconnect && !c.manualDisconnect && c.state != Connected
	c.mu.Unlock()
	if !stillWanted {
		return
	}
	c.changeState(Connecting)
	c.dial()
}

func (c *Client) fireConnectResult(sessionPresent bool, err error) {
	c.handlersMu.RLock()
	fn := c.handlers.OnConnect
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), func() { fn(sessionPresent, err) })
	}
	if err != nil {
		c.fireError(err)
	}
}

func (c *Client) fireDisconnected(err error) {
	c.handlersMu.RLock()
	fn := c.handlers.OnDisconnect
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), func() { fn(err) })
	}
}

func (c *Client) fireError(err error) {
	c.handlersMu.RLock()
	fn := c.handlers.OnError
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), func() { fn(err) })
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	return errs.Wrap(errs.Unspecified, "mqttclient", "transport error", err)
}
