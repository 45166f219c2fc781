package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"crowdwatch/logger"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteWait          = time.Second
)

// Transport delivers inbound frames in arrival order over one logical
// connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer establishes a Transport. Dial must return promptly once ctx is
// cancelled.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the telemetry endpoint with gorilla/websocket and
// keeps the connection alive with ping control frames.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	ReadTimeout      time.Duration
	// LocalIP binds the outbound socket to a specific source address.
	LocalIP net.IP
	Log     *logger.Log
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshake,
	}
	if d.LocalIP != nil {
		dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: d.LocalIP}}).DialContext
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	log := d.Log
	if log == nil {
		log = logger.GetLogger()
	}

	t := &wsTransport{conn: conn, readTimeout: d.ReadTimeout}
	if d.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(d.ReadTimeout))
		})
	}
	if d.KeepAlive > 0 {
		t.stopPing = startPingLoop(conn, d.KeepAlive, log.WithComponent("stream_ws").WithFields(logger.Fields{"url": url}))
	}
	return t, nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	stopPing    context.CancelFunc
	closeOnce   sync.Once
	closeErr    error
}

// ReadMessage returns the next text or binary frame. Control frames are
// handled by the connection's handlers.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return nil, err
		}
	}
	_, msg, err := t.conn.ReadMessage()
	return msg, err
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.stopPing != nil {
			t.stopPing()
		}
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func startPingLoop(conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
	return cancel
}
