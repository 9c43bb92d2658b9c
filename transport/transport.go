// Package transport abstracts "an open stream of bytes" for the components
// that need to dial out (tcpclient, mqttclient) or accept (sockethub).
// It provides plain TCP and TLS-over-TCP implementations, plus a
// WebSocket transport; mqttclient.Client itself only dials TCP or TLS.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/halcyon-labs/netkit/errs"
)

// Transport is the minimal "open stream of bytes" contract. Implementations
// must be safe for one reader and one writer goroutine to use concurrently
// (i.e. Read and Write may race with each other, but not with themselves);
// Close may be called concurrently with a blocked Read/Write to unblock it.
type Transport interface {
	// Connect dials host:port. It must be called before any Read/Write.
	Connect(ctx context.Context, host string, port int) error
	// Read fills p and returns the number of bytes read.
	Read(p []byte) (int, error)
	// Write sends p and returns the number of bytes written.
	Write(p []byte) (int, error)
	// Close closes the underlying stream. Close is idempotent.
	Close() error
	// IsOpen reports whether the transport believes it has a live
	// connection. It does not perform I/O.
	IsOpen() bool
	// SetDeadline arms a read/write deadline on the underlying connection,
	// used by callers that need to bound a single blocking call (e.g.
	// tcpclient.Client.SendWithTimeout).
	SetDeadline(t time.Time) error
	// RemoteAddr returns the remote endpoint, or "" if not connected.
	RemoteAddr() string
}

// TLSConfig carries the PEM file paths used to build a *tls.Config for
// either side of a connection.
type TLSConfig struct {
	CertFile           string // client or server certificate chain
	KeyFile            string // private key
	CAFile             string // CA certificate for verifying the peer
	DHParamsFile       string // server-only; accepted for parity, unused by crypto/tls
	Password           string // private key passphrase, if the PEM is encrypted
	VerifyPeer         bool
	VerifyHostname     bool // default on; only meaningful client-side
	ServerName         string
	InsecureSkipVerify bool // explicit escape hatch, defaults false
}

func (c *TLSConfig) buildTLSConfig(isServer bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errs.Wrap(errs.Malformed, "transport.tls.loadKeyPair", "failed loading cert/key", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errs.Wrap(errs.Malformed, "transport.tls.loadCA", "failed reading CA file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errs.New(errs.Malformed, "transport.tls.loadCA", "no certificates found in CA file")
		}
		if isServer {
			cfg.ClientCAs = pool
			if c.VerifyPeer {
				cfg.ClientAuth = tls.RequireAndVerifyClientCert
			}
		} else {
			cfg.RootCAs = pool
		}
	}
	if !isServer {
		cfg.ServerName = c.ServerName
		cfg.InsecureSkipVerify = c.InsecureSkipVerify || !c.VerifyHostname
	}
	return cfg, nil
}

// ---- TCP ----

// TCPTransport is a plain, unencrypted TCP transport.
type TCPTransport struct {
	conn      net.Conn
	keepAlive time.Duration // 0 disables
}

// NewTCPTransport returns a transport that, once connected, enables TCP
// keep-alive with the given interval if keepAlive > 0.
func NewTCPTransport(keepAlive time.Duration) *TCPTransport {
	return &TCPTransport{keepAlive: keepAlive}
}

func (t *TCPTransport) Connect(ctx context.Context, host string, port int) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, portStr(port)))
	if err != nil {
		return errs.Wrap(errs.TimedOut, "transport.tcp.Connect", "dial failed", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok && t.keepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(t.keepAlive)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *TCPTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) IsOpen() bool { return t.conn != nil }

func (t *TCPTransport) SetDeadline(d time.Time) error {
	if t.conn == nil {
		return errs.New(errs.Closed, "transport.tcp.SetDeadline", "not connected")
	}
	return t.conn.SetDeadline(d)
}

func (t *TCPTransport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// WrapConn adapts an already-accepted net.Conn (from a SocketHub accept
// loop) into a TCPTransport, so the hub's per-client read/write loop can
// share the Transport interface with outbound clients.
func WrapConn(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn}
}

// ---- TLS-over-TCP ----

// TLSTransport dials a plain TCP connection and then performs a TLS client
// handshake before any application I/O. Handshake failures are reported
// with a distinct error classification.
type TLSTransport struct {
	conn      *tls.Conn
	cfg       TLSConfig
	keepAlive time.Duration
}

// NewTLSTransport returns a TLS client transport.
func NewTLSTransport(cfg TLSConfig, keepAlive time.Duration) *TLSTransport {
	return &TLSTransport{cfg: cfg, keepAlive: keepAlive}
}

func (t *TLSTransport) Connect(ctx context.Context, host string, port int) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, portStr(port)))
	if err != nil {
		return errs.Wrap(errs.TimedOut, "transport.tls.Connect", "dial failed", err)
	}
	if tc, ok := raw.(*net.TCPConn); ok && t.keepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(t.keepAlive)
	}
	tlsCfg, err := t.cfg.buildTLSConfig(false)
	if err != nil {
		raw.Close()
		return err
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}
	tlsConn := tls.Client(raw, tlsCfg)
	if dl, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(dl)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return errs.Wrap(errs.ProtocolError, "transport.tls.Handshake", "TLS handshake failed", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})
	t.conn = tlsConn
	return nil
}

// ServerHandshake wraps an already-accepted net.Conn (from SocketHub's
// accept loop) with a server-side TLS handshake, rejecting the connection
// if the handshake fails.
func ServerHandshake(ctx context.Context, conn net.Conn, cfg TLSConfig) (*TLSTransport, error) {
	tlsCfg, err := cfg.buildTLSConfig(true)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Server(conn, tlsCfg)
	if dl, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(dl)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "transport.tls.ServerHandshake", "TLS handshake failed", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})
	return &TLSTransport{conn: tlsConn}, nil
}

func (t *TLSTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *TLSTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }

func (t *TLSTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TLSTransport) IsOpen() bool { return t.conn != nil }

func (t *TLSTransport) SetDeadline(d time.Time) error {
	if t.conn == nil {
		return errs.New(errs.Closed, "transport.tls.SetDeadline", "not connected")
	}
	return t.conn.SetDeadline(d)
}

func (t *TLSTransport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

func portStr(port int) string {
	return strconv.Itoa(port)
}
