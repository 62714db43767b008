package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsClient manages the lifecycle of a single, receive-only websocket
// connection: dial, read pump, a staleness watchdog, and a fixed 3s
// reconnect delay. Subscriptions are baked into the connection URL at
// dial time (spec.md §4.1's combined-stream form), so no client-initiated
// messages are ever sent over the socket. Exponential back-off is
// deliberately not used — a fixed delay minimises missed fills during
// transient outages (spec.md §4.1).
type wsClient struct {
	name string
	url  string
	log  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	recv chan []byte

	lastMsgMu sync.Mutex
	lastMsg   time.Time

	reconnectMu    sync.Mutex
	reconnectTimer *time.Timer

	onReconnected func()

	closed chan struct{}
}

func newWSClient(name, url string, log *zap.Logger, onReconnected func()) *wsClient {
	return &wsClient{
		name:          name,
		url:           url,
		log:           log,
		recv:          make(chan []byte, 1024),
		onReconnected: onReconnected,
		closed:        make(chan struct{}),
	}
}

func (c *wsClient) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.touch()

	go c.readPump(ctx)
	go c.watchdog(ctx)

	return nil
}

func (c *wsClient) touch() {
	c.lastMsgMu.Lock()
	c.lastMsg = time.Now()
	c.lastMsgMu.Unlock()
}

func (c *wsClient) staleFor() time.Duration {
	c.lastMsgMu.Lock()
	defer c.lastMsgMu.Unlock()
	return time.Since(c.lastMsg)
}

func (c *wsClient) readPump(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn("websocket read error", zap.String("client", c.name), zap.Error(err))
			c.scheduleReconnect(ctx)
			return
		}
		c.touch()
		select {
		case c.recv <- msg:
		case <-ctx.Done():
			return
		default:
			c.log.Warn("websocket recv buffer full, dropping message", zap.String("client", c.name))
		}
	}
}

// watchdog terminates the socket if no message has arrived for >10s,
// checked every 5s, per spec.md §4.1.
func (c *wsClient) watchdog(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.staleFor() > 10*time.Second {
				c.log.Warn("websocket watchdog: no data for >10s, forcing reconnect", zap.String("client", c.name))
				c.mu.Lock()
				if c.conn != nil {
					c.conn.Close()
				}
				c.mu.Unlock()
				c.scheduleReconnect(ctx)
				return
			}
		}
	}
}

// scheduleReconnect debounces concurrent reconnect attempts behind a
// single timer token, firing after a fixed 3s delay.
func (c *wsClient) scheduleReconnect(ctx context.Context) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(3*time.Second, func() {
		c.reconnectMu.Lock()
		c.reconnectTimer = nil
		c.reconnectMu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Warn("websocket reconnect failed", zap.String("client", c.name), zap.Error(err))
			c.scheduleReconnect(ctx)
			return
		}
		if c.onReconnected != nil {
			c.onReconnected()
		}
	})
}

func (c *wsClient) close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}
