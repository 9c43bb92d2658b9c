package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyon-labs/netkit/errs"
)

// WebSocketTransport adapts a gorilla/websocket connection to the Transport
// interface; mqttclient.Client does not dial it on its own. Each MQTT
// packet is coalesced into (or chunked out of) binary WebSocket messages,
// following the read/write-loop shape of breezymind-gomqtt's
// webSocketStream (NextReader/NextWriter, binary framing, a clean close
// handshake on Close).
type WebSocketTransport struct {
	Path    string // e.g. "/mqtt"; defaults to "/mqtt" if empty
	Headers http.Header

	conn   *websocket.Conn
	reader io.Reader
}

var closeMessage = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

func (t *WebSocketTransport) Connect(ctx context.Context, host string, port int) error {
	path := t.Path
	if path == "" {
		path = "/mqtt"
	}
	u := url.URL{Scheme: "ws", Host: host + ":" + strconv.Itoa(port), Path: path}
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), t.Headers)
	if err != nil {
		return errs.Wrap(errs.TimedOut, "transport.websocket.Connect", "websocket dial failed", err)
	}
	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Read(p []byte) (int, error) {
	total := 0
	buf := p
	for {
		if t.reader == nil {
			messageType, reader, err := t.conn.NextReader()
			if _, ok := err.(*websocket.CloseError); ok {
				return total, io.EOF
			} else if err != nil {
				return total, err
			} else if messageType != websocket.BinaryMessage {
				return total, errs.New(errs.Malformed, "transport.websocket.Read", "received non-binary websocket message")
			}
			t.reader = reader
		}
		n, err := t.reader.Read(buf)
		total += n
		buf = buf[n:]
		if err == io.EOF {
			t.reader = nil
			if total > 0 || len(buf) == 0 {
				return total, nil
			}
			continue
		}
		if err != nil {
			return total, err
		}
		return total, nil
	}
}

func (t *WebSocketTransport) Write(p []byte) (int, error) {
	w, err := t.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}

func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteMessage(websocket.CloseMessage, closeMessage)
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *WebSocketTransport) IsOpen() bool { return t.conn != nil }

func (t *WebSocketTransport) SetDeadline(d time.Time) error {
	if t.conn == nil {
		return errs.New(errs.Closed, "transport.websocket.SetDeadline", "not connected")
	}
	if err := t.conn.SetReadDeadline(d); err != nil {
		return err
	}
	return t.conn.SetWriteDeadline(d)
}

func (t *WebSocketTransport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}
