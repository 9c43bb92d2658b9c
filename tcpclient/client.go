// Package tcpclient implements a reconnecting TCP/TLS client: synchronous
// connect, a continuous receive loop that also serves explicit
// receive/receive-until/request-response calls, a heartbeat timer, and
// exponential-backoff reconnection.
//
// Connection state is a mutex-guarded field rather than atomic, since every
// transition also has to touch the transport and fire on_state_changed
// together. Reconnection is never invoked directly from the error path: a
// failed read posts a job to a dedicated reconnect goroutine instead, so
// reconnect logic never runs re-entrantly underneath a held lock.
package tcpclient

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-labs/netkit/errs"
	"github.com/halcyon-labs/netkit/transport"
	"github.com/halcyon-labs/netkit/workerpool"
)

// Handlers bundles the callbacks a Client fires as connection events occur.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func()
	OnStateChanged func(old, new ConnectionState)
	OnDataReceived func(data []byte)
	OnError        func(err error)
	OnHeartbeat    func()
}

type readKind int

const (
	readExact readKind = iota
	readUntilDelim
)

type pendingRequest struct {
	kind   readKind
	n      int
	delim  byte
	result chan []byte
}

// Client is a reconnecting TCP/TLS client.
type Client struct {
	cfg  Config
	log  *zap.Logger
	host string
	port int

	mu      sync.Mutex
	state   ConnectionState
	tr      transport.Transport
	backoff *BackoffState

	reconnectAttemptsLeft int
	autoReconnect         bool

	heartbeatInterval time.Duration
	heartbeatPayload  []byte

	handlersMu sync.RWMutex
	handlers   Handlers

	props *properties

	readMu  sync.Mutex
	buf     bytes.Buffer
	pending *pendingRequest

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

// New constructs a disconnected Client.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:                   cfg,
		log:                   zap.NewNop(),
		backoff:               NewBackoffState(time.Duration(max1(cfg.ReconnectDelay)) * time.Second),
		reconnectAttemptsLeft: cfg.ReconnectAttempts,
		autoReconnect:         cfg.AutoReconnect,
		props:                 newProperties(),
		stopCh:                make(chan struct{}),
		reconnectCh:           make(chan struct{}, 1),
	}
	if cfg.HeartbeatInterval > 0 {
		c.heartbeatInterval = time.Duration(cfg.HeartbeatInterval) * time.Second
		c.heartbeatPayload = []byte("PING")
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

// WithWorkerPool overrides the pool handler callbacks dispatch on (default
// an unbounded pool), so callers sharing one pool across many clients can
// bound total concurrency.
func WithWorkerPool(p *workerpool.Pool) Option {
	return func(c *Client) { c.pool = p }
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// SetHandlers installs the callback bundle.
func (c *Client) SetHandlers(hs Handlers) {
	c.handlersMu.Lock()
	c.handlers = hs
	c.handlersMu.Unlock()
}

// ConfigureReconnection overrides the attempt budget and initial delay.
func (c *Client) ConfigureReconnection(attempts int, delay time.Duration) {
	c.mu.Lock()
	c.reconnectAttemptsLeft = attempts
	c.backoff.Initial = delay
	c.mu.Unlock()
}

// SetHeartbeatInterval enables (interval > 0) or disables (interval == 0)
// the heartbeat timer. payload defaults to "PING" when nil. The interval
// takes effect at the next successful connect; a heartbeat loop already
// running keeps its old interval and picks up only the new payload.
func (c *Client) SetHeartbeatInterval(interval time.Duration, payload []byte) {
	c.mu.Lock()
	c.heartbeatInterval = interval
	if payload == nil {
		payload = []byte("PING")
	}
	c.heartbeatPayload = payload
	c.mu.Unlock()
}

// State returns the client's current ConnectionState.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) changeState(newState ConnectionState) {
	c.mu.Lock()
	old := c.state
	c.state = newState
	c.mu.Unlock()
	if old == newState {
		return
	}
	c.handlersMu.RLock()
	fn := c.handlers.OnStateChanged
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), func() { fn(old, newState) })
	}
}

// ConnectHostPort dials host:port synchronously. It returns (true, nil) on
// success; on failure it returns (false, err) with err classified via the
// errs taxonomy.
func (c *Client) ConnectHostPort(ctx context.Context, host string, port int) (bool, error) {
	c.changeState(Connecting)
	c.host, c.port = host, port

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.connectTimeoutDuration())
		defer cancel()
	}

	var tr transport.Transport
	if c.cfg.UseSSL {
		tr = transport.NewTLSTransport(c.cfg.tlsConfig(), c.cfg.keepAliveDuration())
	} else {
		tr = transport.NewTCPTransport(c.cfg.keepAliveDuration())
	}

	if err := tr.Connect(dialCtx, host, port); err != nil {
		c.changeState(Disconnected)
		c.fireError(err)
		return false, err
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	c.backoff.Reset()
	c.changeState(Connected)

	c.wg.Add(1)
	go c.receiveLoop(tr)
	if c.heartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(tr)
	}

	c.handlersMu.RLock()
	fn := c.handlers.OnConnected
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), fn)
	}
	return true, nil
}

// ConnectAsync dials in the background and reports the outcome on the
// returned channel exactly once.
func (c *Client) ConnectAsync(host string, port int) <-chan error {
	out := make(chan error, 1)
	go func() {
		_, err := c.ConnectHostPort(context.Background(), host, port)
		out <- err
	}()
	return out
}

// Disconnect closes the transport and transitions to Disconnected. A
// second call while already Disconnected is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.changeState(Disconnected)

	c.handlersMu.RLock()
	fn := c.handlers.OnDisconnected
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), fn)
	}
}

// Close permanently stops the client: disables auto-reconnect, disconnects,
// and stops the reconnect goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	c.autoReconnect = false
	c.mu.Unlock()
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.pool.Close()
}

// Send writes data to the connection.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return false
	}
	if _, err := tr.Write(data); err != nil {
		c.handleError(err)
		return false
	}
	return true
}

// SendWithTimeout writes data, bounding the write with a deadline.
func (c *Client) SendWithTimeout(data []byte, timeout time.Duration) bool {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return false
	}
	_ = tr.SetDeadline(time.Now().Add(timeout))
	defer tr.SetDeadline(time.Time{})
	if _, err := tr.Write(data); err != nil {
		c.handleError(err)
		return false
	}
	return true
}

// Receive reads exactly n bytes, or returns an empty slice if timeout
// elapses first.
func (c *Client) Receive(ctx context.Context, n int) []byte {
	return c.awaitPending(ctx, &pendingRequest{kind: readExact, n: n, result: make(chan []byte, 1)})
}

// ReceiveUntil reads until delim is seen (inclusive), or returns an empty
// string if timeout elapses first.
func (c *Client) ReceiveUntil(ctx context.Context, delim byte) string {
	data := c.awaitPending(ctx, &pendingRequest{kind: readUntilDelim, delim: delim, result: make(chan []byte, 1)})
	return string(data)
}

// RequestResponse sends req then waits for exactly n response bytes. If
// the send fails, it returns an empty slice without waiting.
func (c *Client) RequestResponse(ctx context.Context, req []byte, n int) []byte {
	if !c.Send(req) {
		return nil
	}
	return c.Receive(ctx, n)
}

func (c *Client) awaitPending(ctx context.Context, req *pendingRequest) []byte {
	c.readMu.Lock()
	if c.pending != nil {
		c.readMu.Unlock()
		return nil // one explicit read in flight at a time
	}
	if satisfied, data := tryFulfil(&c.buf, req); satisfied {
		c.readMu.Unlock()
		return data
	}
	c.pending = req
	c.readMu.Unlock()

	select {
	case data := <-req.result:
		return data
	case <-ctx.Done():
		c.readMu.Lock()
		if c.pending == req {
			c.pending = nil
		}
		c.readMu.Unlock()
		return nil
	}
}

// tryFulfil attempts to satisfy req from already-buffered bytes.
func tryFulfil(buf *bytes.Buffer, req *pendingRequest) (bool, []byte) {
	switch req.kind {
	case readExact:
		if buf.Len() >= req.n {
			out := make([]byte, req.n)
			buf.Read(out)
			return true, out
		}
	case readUntilDelim:
		b := buf.Bytes()
		for i, c := range b {
			if c == req.delim {
				out := make([]byte, i+1)
				buf.Read(out)
				return true, out
			}
		}
	}
	return false, nil
}

func (c *Client) receiveLoop(tr transport.Transport) {
	defer c.wg.Done()
	scratch := make([]byte, c.cfg.receiveBufferSize())
	for {
		n, err := tr.Read(scratch)
		if n > 0 {
			c.onBytes(scratch[:n])
		}
		if err != nil {
			c.handleError(err)
			return
		}
	}
}

func (c *Client) onBytes(data []byte) {
	c.readMu.Lock()
	c.buf.Write(data)
	var delivered []byte
	if c.pending != nil {
		if ok, out := tryFulfil(&c.buf, c.pending); ok {
			delivered = out
			req := c.pending
			c.pending = nil
			c.readMu.Unlock()
			req.result <- delivered
			return
		}
		c.readMu.Unlock()
		return
	}
	// No pending explicit read: the whole accumulated buffer is handed to
	// on_data_received and cleared.
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	c.buf.Reset()
	c.readMu.Unlock()

	if len(out) == 0 {
		return
	}
	c.handlersMu.RLock()
	fn := c.handlers.OnDataReceived
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), func() { fn(out) })
	}
}

func (c *Client) heartbeatLoop(tr transport.Transport) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			connected := c.state == Connected && c.tr == tr
			payload := c.heartbeatPayload
			c.mu.Unlock()
			if !connected {
				return
			}
			if _, err := tr.Write(payload); err != nil {
				c.handleError(err)
				return
			}
			c.handlersMu.RLock()
			fn := c.handlers.OnHeartbeat
			c.handlersMu.RUnlock()
			if fn != nil {
				c.pool.Submit(context.Background(), fn)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) fireError(err error) {
	c.log.Warn("tcpclient: error", zap.Error(err))
	c.handlersMu.RLock()
	fn := c.handlers.OnError
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), func() { fn(err) })
	}
}

// handleError is the single funnel every I/O failure passes through: log,
// notify, transition to Disconnected, fire on_disconnected, and — if
// reconnection is enabled — post a reconnect request rather than calling
// connect() directly.
func (c *Client) handleError(err error) {
	c.fireError(classify(err))

	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	shouldReconnect := c.autoReconnect && c.reconnectAttemptsLeft > 0
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.changeState(Disconnected)

	c.handlersMu.RLock()
	fn := c.handlers.OnDisconnected
	c.handlersMu.RUnlock()
	if fn != nil {
		c.pool.Submit(context.Background(), fn)
	}

	if shouldReconnect {
		c.postReconnect()
	}
}

// postReconnect signals the reconnect goroutine without blocking; a
// signal already pending is enough (coalesced), so a burst of errors
// triggers at most one reconnect attempt sequence.
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
	for {
		c.mu.Lock()
		if !c.autoReconnect || c.reconnectAttemptsLeft <= 0 {
			c.mu.Unlock()
			return
		}
		c.reconnectAttemptsLeft--
		delay := c.backoff.NextDelay()
		host, port := c.host, c.port
		c.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.connectTimeoutDuration())
		ok, _ := c.ConnectHostPort(ctx, host, port)
		cancel()
		if ok {
			return
		}

		select {
		case <-c.stopCh:
			return
		default:
		}
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*net.OpError); ok {
		return errs.Wrap(errs.Unspecified, "tcpclient", "transport error", err)
	}
	return err
}
