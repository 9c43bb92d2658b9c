// Package sockethub implements a multi-client TCP/TLS server: a single
// acceptor loop, a per-client read loop, broadcast and group fan-out,
// connection-level rate limiting, an authentication gate, and a
// steady-period inactivity sweeper.
//
// The client registry is a mutex-guarded map with one goroutine per
// accepted connection; broadcasts snapshot the map under the lock and then
// iterate outside it so a slow write to one client can't stall the others.
// Messages are opaque byte chunks rather than a fixed wire protocol, so
// callers can layer their own framing on top.
package sockethub

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/halcyon-labs/netkit/errs"
	"github.com/halcyon-labs/netkit/transport"
	"github.com/halcyon-labs/netkit/workerpool"
)

const (
	readBufferSize  = 4096
	sweepInterval   = 60 * time.Second
	acceptRetryWait = 50 * time.Millisecond
)

// Authenticator is consulted when RequireAuthentication(true) is set. It
// inspects whatever the application stored via SetClientMetadata and
// reports whether the client may be marked authenticated.
type Authenticator func(id ClientID, metadata map[string]string) bool

// Handlers bundles the event callbacks a Hub fires as client activity
// occurs. Any field left nil is simply not invoked.
type Handlers struct {
	OnMessage    func(msg Message)
	OnConnect    func(id ClientID, remote string)
	OnDisconnect func(id ClientID, reason string)
	OnError      func(msg string, id ClientID)
}

// Hub is a multi-client TCP/TLS server.
type Hub struct {
	cfg Config
	log *zap.Logger
	rl  *rateLimiter

	handlersMu sync.RWMutex
	handlers   Handlers

	authMu         sync.RWMutex
	authenticator  Authenticator
	requireAuth    bool

	pool *workerpool.Pool
	stat hubStats

	mu        sync.RWMutex
	clients   map[ClientID]*ClientRecord
	groups    map[string]*Group
	nextID    uint64
	listener  net.Listener
	port      int
	tlsCfg    transport.TLSConfig

	running   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Hub at construction.
type Option func(*Hub)

// WithLogger attaches a zap logger; default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithWorkerPool overrides the pool handlers dispatch on (default:
// workerpool.New(0, ...), i.e. unbounded).
func WithWorkerPool(p *workerpool.Pool) Option {
	return func(h *Hub) { h.pool = p }
}

// WithPrometheus enables the netkit_sockethub_* Prometheus counters.
func WithPrometheus() Option {
	return func(h *Hub) {
		initHubProm()
		h.stat.promEnabled = true
	}
}

// NewHub constructs a Hub from cfg. The hub does not listen until Start is
// called.
func NewHub(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:     cfg,
		log:     zap.NewNop(),
		rl:      newRateLimiter(cfg),
		clients: make(map[ClientID]*ClientRecord),
		groups:  make(map[string]*Group),
		tlsCfg:  cfg.tlsConfig(),
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.pool == nil {
		h.pool = workerpool.New(0, h.log)
	}
	return h
}

// SetHandlers installs the callback bundle. Safe to call before or after
// Start; handlers registered after Start take effect for subsequent
// events.
func (h *Hub) SetHandlers(hs Handlers) {
	h.handlersMu.Lock()
	h.handlers = hs
	h.handlersMu.Unlock()
}

func (h *Hub) fireConnect(id ClientID, remote string) {
	h.handlersMu.RLock()
	fn := h.handlers.OnConnect
	h.handlersMu.RUnlock()
	if fn == nil {
		return
	}
	h.pool.Submit(context.Background(), func() { fn(id, remote) })
}

func (h *Hub) fireDisconnect(id ClientID, reason string) {
	h.handlersMu.RLock()
	fn := h.handlers.OnDisconnect
	h.handlersMu.RUnlock()
	if fn == nil {
		return
	}
	h.pool.Submit(context.Background(), func() { fn(id, reason) })
}

func (h *Hub) fireMessage(msg Message) {
	h.handlersMu.RLock()
	fn := h.handlers.OnMessage
	h.handlersMu.RUnlock()
	if fn == nil {
		return
	}
	h.pool.Submit(context.Background(), func() { fn(msg) })
}

func (h *Hub) fireError(msg string, id ClientID) {
	h.handlersMu.RLock()
	fn := h.handlers.OnError
	h.handlersMu.RUnlock()
	h.log.Warn("sockethub: error", zap.String("msg", msg), zap.Uint64("client_id", uint64(id)))
	if fn == nil {
		return
	}
	h.pool.Submit(context.Background(), func() { fn(msg, id) })
}

// SetAuthenticator installs the callback consulted when authentication is
// required.
func (h *Hub) SetAuthenticator(fn Authenticator) {
	h.authMu.Lock()
	h.authenticator = fn
	h.authMu.Unlock()
}

// RequireAuthentication toggles whether newly-connected clients start in
// an unauthenticated state that application code must clear via the
// authenticator. The hub itself never inspects message contents to decide
// authentication.
func (h *Hub) RequireAuthentication(v bool) {
	h.authMu.Lock()
	h.requireAuth = v
	h.authMu.Unlock()
}

// Start begins listening on port and spawns the accept loop and
// inactivity sweeper.
func (h *Hub) Start(port int) error {
	if h.running.Load() {
		return errs.New(errs.Closed, "sockethub.Start", "hub already running")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return errs.Wrap(errs.Unspecified, "sockethub.Start", "listen failed", err)
	}
	h.mu.Lock()
	h.listener = ln
	h.port = port
	h.mu.Unlock()

	h.stopCh = make(chan struct{})
	h.stopOnce = sync.Once{}
	h.running.Store(true)

	h.wg.Add(2)
	go h.acceptLoop()
	go h.sweepLoop()
	h.log.Info("sockethub: listening", zap.Int("port", port))
	return nil
}

// Stop cancels the acceptor, disconnects every client with reason
// "server shutting down", and awaits in-flight handler tasks.
func (h *Hub) Stop() {
	if !h.running.Load() {
		return
	}
	h.running.Store(false)
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	ln := h.listener
	h.listener = nil
	h.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	for _, id := range h.ListClients() {
		h.Disconnect(id, "server shutting down")
	}

	h.wg.Wait()
	h.pool.Close()
	h.log.Info("sockethub: stopped")
}

// Restart stops the hub (if running) and starts it again on the same
// port it was last listening on.
func (h *Hub) Restart() error {
	h.mu.RLock()
	port := h.port
	h.mu.RUnlock()
	h.Stop()
	h.pool = workerpool.New(0, h.log)
	return h.Start(port)
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		h.mu.RLock()
		ln := h.listener
		h.mu.RUnlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-h.stopCh:
				return
			default:
			}
			h.fireError("accept failed: "+err.Error(), 0)
			time.Sleep(acceptRetryWait)
			continue
		}
		h.handleAccept(conn)
	}
}

func (h *Hub) handleAccept(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host, _, _ := net.SplitHostPort(remote)

	if !h.rl.allowConnect(host) {
		h.log.Warn("sockethub: rejecting connection, rate limited", zap.String("remote", remote))
		conn.Close()
		return
	}

	var tr transport.Transport = transport.WrapConn(conn)
	if h.cfg.UseSSL {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tlsTr, err := transport.ServerHandshake(ctx, conn, h.tlsCfg)
		cancel()
		if err != nil {
			h.rl.releaseConn(host)
			h.fireError("TLS handshake failed: "+err.Error(), 0)
			conn.Close()
			return
		}
		tr = tlsTr
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if ka := h.cfg.keepAliveDuration(); ka > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(ka)
		}
	}

	id := ClientID(atomic.AddUint64(&h.nextID, 1))
	rec := newClientRecord(id, remote, tr)
	if !h.requireAuth {
		rec.setAuthenticated(true)
	}

	h.mu.Lock()
	h.clients[id] = rec
	h.mu.Unlock()

	h.stat.connected()
	h.log.Debug("sockethub: client connected", zap.Uint64("client_id", uint64(id)), zap.String("remote", remote))
	h.fireConnect(id, remote)

	h.wg.Add(1)
	go h.readLoop(rec)
}

func (h *Hub) readLoop(rec *ClientRecord) {
	defer h.wg.Done()
	buf := make([]byte, readBufferSize)
	host, _, _ := net.SplitHostPort(rec.Remote)

	for {
		n, err := rec.transport.Read(buf)
		if n > 0 {
			rec.touch()
			h.stat.receivedBytes(n)

			if h.cfg.EnableRateLimiting && !h.rl.allowMessage(host) {
				h.log.Debug("sockethub: dropping message, rate limited", zap.Uint64("client_id", uint64(rec.ID)))
			} else {
				data := make([]byte, n)
				copy(data, buf[:n])
				h.stat.received()
				h.fireMessage(Message{Kind: Text, Data: data, Sender: rec.ID})
			}
		}
		if err != nil {
			h.disconnectInternal(rec.ID, "connection closed by peer")
			return
		}
	}
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweepOnce()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) sweepOnce() {
	timeout := h.cfg.connectionTimeoutDuration()
	if timeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-timeout)
	for _, id := range h.ListClients() {
		rec := h.lookup(id)
		if rec == nil {
			continue
		}
		if rec.LastActivity().Before(cutoff) {
			h.Disconnect(id, "connection timeout")
		}
	}
}

func (h *Hub) lookup(id ClientID) *ClientRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Broadcast sends msg to every currently-connected client. Per-client
// write failures are reported via on_error and do not abort the
// broadcast.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	snap := make([]*ClientRecord, 0, len(h.clients))
	for _, rec := range h.clients {
		snap = append(snap, rec)
	}
	h.mu.RUnlock()

	for _, rec := range snap {
		h.writeTo(rec, msg)
	}
	h.stat.sent(len(snap))
	h.stat.sentBytes(len(msg) * len(snap))
}

// BroadcastToGroup sends msg to every client currently in the named
// group. Broadcasting to a group that doesn't exist is a no-op.
func (h *Hub) BroadcastToGroup(name string, msg []byte) {
	h.mu.RLock()
	g, ok := h.groups[name]
	var snap []*ClientRecord
	if ok {
		snap = make([]*ClientRecord, 0, len(g.members))
		for id := range g.members {
			if rec, ok := h.clients[id]; ok {
				snap = append(snap, rec)
			}
		}
	}
	h.mu.RUnlock()
	if !ok {
		return
	}
	for _, rec := range snap {
		h.writeTo(rec, msg)
	}
	h.stat.sent(len(snap))
	h.stat.sentBytes(len(msg) * len(snap))
}

// SendTo writes msg to a single client.
func (h *Hub) SendTo(id ClientID, msg []byte) bool {
	rec := h.lookup(id)
	if rec == nil {
		return false
	}
	ok := h.writeTo(rec, msg)
	if ok {
		h.stat.sent(1)
		h.stat.sentBytes(len(msg))
	}
	return ok
}

func (h *Hub) writeTo(rec *ClientRecord, msg []byte) bool {
	if _, err := rec.write(msg); err != nil {
		h.fireError("write failed: "+err.Error(), rec.ID)
		return false
	}
	return true
}

// Disconnect closes a client's connection and fires on_disconnect(reason).
// Disconnecting an unknown client id is a no-op.
func (h *Hub) Disconnect(id ClientID, reason string) {
	h.disconnectInternal(id, reason)
}

func (h *Hub) disconnectInternal(id ClientID, reason string) {
	h.mu.Lock()
	rec, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	for name := range rec.groups {
		if g, ok := h.groups[name]; ok {
			delete(g.members, id)
		}
	}
	h.mu.Unlock()

	host, _, _ := net.SplitHostPort(rec.Remote)
	h.rl.releaseConn(host)
	_ = rec.transport.Close()
	h.stat.disconnected()
	h.log.Debug("sockethub: client disconnected", zap.Uint64("client_id", uint64(id)), zap.String("reason", reason))
	h.fireDisconnect(id, reason)
}

// CreateGroup creates an empty group if it doesn't already exist.
func (h *Hub) CreateGroup(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[name]; !ok {
		h.groups[name] = newGroup(name)
	}
}

// AddToGroup adds id to the named group, creating the group if needed.
func (h *Hub) AddToGroup(id ClientID, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.clients[id]
	if !ok {
		return false
	}
	g, ok := h.groups[name]
	if !ok {
		g = newGroup(name)
		h.groups[name] = g
	}
	g.members[id] = struct{}{}
	rec.groups[name] = struct{}{}
	return true
}

// RemoveFromGroup removes id from the named group. It does not delete the
// group even if this empties it.
func (h *Hub) RemoveFromGroup(id ClientID, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[name]
	if !ok {
		return false
	}
	delete(g.members, id)
	if rec, ok := h.clients[id]; ok {
		delete(rec.groups, name)
	}
	return true
}

// SetClientMetadata attaches an application-defined key/value to a
// client's record; this is what RequireAuthentication-gated application
// code typically uses to convey credentials out of band.
func (h *Hub) SetClientMetadata(id ClientID, key, value string) bool {
	rec := h.lookup(id)
	if rec == nil {
		return false
	}
	rec.setMetadata(key, value)
	return true
}

// GetClientMetadata reads back a value set with SetClientMetadata.
func (h *Hub) GetClientMetadata(id ClientID, key string) (string, bool) {
	rec := h.lookup(id)
	if rec == nil {
		return "", false
	}
	return rec.getMetadata(key)
}

// Authenticate runs the installed Authenticator against id's metadata and,
// on success, marks the client authenticated.
func (h *Hub) Authenticate(id ClientID) bool {
	rec := h.lookup(id)
	if rec == nil {
		return false
	}
	h.authMu.RLock()
	fn := h.authenticator
	h.authMu.RUnlock()
	if fn == nil {
		return false
	}
	rec.mu.RLock()
	md := make(map[string]string, len(rec.metadata))
	for k, v := range rec.metadata {
		md[k] = v
	}
	rec.mu.RUnlock()
	ok := fn(id, md)
	if ok {
		rec.setAuthenticated(true)
	}
	return ok
}

// ListClients returns a snapshot of currently-connected client IDs.
func (h *Hub) ListClients() []ClientID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientID, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out
}

// ListGroups returns a snapshot of every group name that has ever been
// created.
func (h *Hub) ListGroups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.groups))
	for name := range h.groups {
		out = append(out, name)
	}
	return out
}

// ClientsInGroup returns a snapshot of client IDs currently in the named
// group.
func (h *Hub) ClientsInGroup(name string) []ClientID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.groups[name]
	if !ok {
		return nil
	}
	out := make([]ClientID, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	return out
}

// Stats returns a snapshot of the hub's connection and throughput
// counters.
func (h *Hub) Stats() Stats {
	return h.stat.snapshot()
}

// SetLogLevel adjusts the severity of a caller-supplied zap.AtomicLevel in
// place, matching the hub's "log-level control" contract. The hub itself
// only ever logs through h.log; wiring h.log's core to level (via
// zap.New(core, zap.IncreaseLevel(level)) or an AtomicLevel-backed core at
// construction) is what makes this call take effect.
func (h *Hub) SetLogLevel(level zap.AtomicLevel, newLevel zapcore.Level) {
	level.SetLevel(newLevel)
}
