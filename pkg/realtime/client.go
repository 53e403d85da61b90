package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Conn is the subset of the websocket connection the client uses,
// extracted so tests can drive the read pump without a real gateway.
// *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a websocket connection to the gateway.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type Config struct {
	URL         string
	APIKey      string
	Heartbeat   time.Duration
	JoinTimeout time.Duration
	Logger      *logrus.Logger

	// Dial overrides the websocket dialer, mainly for tests.
	Dial DialFunc
}

// Client is one connection to the realtime gateway. It multiplexes
// channel subscriptions over a single websocket and surfaces read-pump
// failures through the error handler so the owner can reconnect.
type Client struct {
	cfg    Config
	logger *logrus.Logger

	mu       sync.Mutex
	conn     Conn
	channels map[string]*Channel
	pending  map[string]chan replyPayload
	closed   bool
	onError  func(error)

	writeMu sync.Mutex

	refSeq uint64

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	wg         sync.WaitGroup
	failOnce   sync.Once
}

// NewClient creates a realtime client. Call Connect before Join.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*Channel),
		pending:  make(map[string]chan replyPayload),
	}
}

func defaultDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	return conn, nil
}

// OnError registers the handler invoked when the read pump or the
// heartbeat fails. Must be set before Connect.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Connect dials the gateway and starts the read pump and heartbeat.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("realtime client is closed")
	}
	if c.conn != nil {
		return fmt.Errorf("realtime client already connected")
	}

	url := c.cfg.URL
	if c.cfg.APIKey != "" {
		url += "?apikey=" + c.cfg.APIKey + "&vsn=1.0.0"
	}

	conn, err := c.cfg.Dial(ctx, url)
	if err != nil {
		return err
	}

	c.conn = conn
	c.pumpCtx, c.pumpCancel = context.WithCancel(context.Background())

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.WithField("url", c.cfg.URL).Debug("Realtime gateway connected")
	return nil
}

// Join subscribes a channel and waits for the gateway's ack.
func (c *Client) Join(ctx context.Context, cfg ChannelConfig) (*Channel, error) {
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime client is not connected")
	}
	if _, exists := c.channels[cfg.Topic]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("channel %s already joined", cfg.Topic)
	}
	c.mu.Unlock()

	payload := joinPayload{
		Config: joinConfig{
			PostgresChanges: cfg.PostgresChanges,
			Presence:        presenceConfig{Key: cfg.PresenceKey},
			Broadcast:       broadcastConfig{Self: false},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal join payload: %w", err)
	}

	reply, err := c.request(ctx, frame{
		Topic:   cfg.Topic,
		Event:   eventJoin,
		Payload: data,
	})
	if err != nil {
		return nil, fmt.Errorf("joining %s: %w", cfg.Topic, err)
	}
	if reply.Status != replyStatusOK {
		return nil, fmt.Errorf("join %s rejected: %s", cfg.Topic, string(reply.Response))
	}

	ch := &Channel{
		client:   c,
		topic:    cfg.Topic,
		cfg:      cfg,
		presence: make(map[string][]PresenceMeta),
	}

	c.mu.Lock()
	c.channels[cfg.Topic] = ch
	c.mu.Unlock()

	c.logger.WithField("topic", cfg.Topic).Debug("Channel joined")
	return ch, nil
}

// Close tears down every channel and the websocket. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.channels = make(map[string]*Channel)
	if c.pumpCancel != nil {
		c.pumpCancel()
	}
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	c.wg.Wait()
	return err
}

// request sends a frame with a fresh ref and waits for the matching
// phx_reply.
func (c *Client) request(ctx context.Context, f frame) (replyPayload, error) {
	f.Ref = c.nextRef()

	waiter := make(chan replyPayload, 1)
	c.mu.Lock()
	c.pending[f.Ref] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, f); err != nil {
		return replyPayload{}, err
	}

	timeout := time.NewTimer(c.cfg.JoinTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return replyPayload{}, ctx.Err()
	case <-timeout.C:
		return replyPayload{}, fmt.Errorf("timed out waiting for reply to %s", f.Event)
	case reply := <-waiter:
		return reply, nil
	}
}

func (c *Client) send(ctx context.Context, f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime client is not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(atomic.AddUint64(&c.refSeq, 1), 10)
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(c.pumpCtx)
		if err != nil {
			c.fail(fmt.Errorf("realtime read failed: %w", err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.WithError(err).Warn("Dropping malformed realtime frame")
			continue
		}

		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	if f.Event == eventReply {
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			c.logger.WithError(err).Warn("Dropping malformed reply payload")
			return
		}

		c.mu.Lock()
		waiter := c.pending[f.Ref]
		c.mu.Unlock()
		if waiter != nil {
			waiter <- reply
		}
		return
	}

	if f.Event == eventError || f.Event == eventClose {
		c.fail(fmt.Errorf("channel %s reported %s", f.Topic, f.Event))
		return
	}

	c.mu.Lock()
	ch := c.channels[f.Topic]
	c.mu.Unlock()
	if ch == nil {
		c.logger.WithFields(logrus.Fields{
			"topic": f.Topic,
			"event": f.Event,
		}).Debug("Dropping frame for unknown topic")
		return
	}

	ch.handleEvent(f.Event, f.Payload)
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.pumpCtx.Done():
			return
		case <-ticker.C:
			f := frame{
				Topic:   controlTopic,
				Event:   eventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     c.nextRef(),
			}
			ctx, cancel := context.WithTimeout(c.pumpCtx, 5*time.Second)
			err := c.send(ctx, f)
			cancel()
			if err != nil {
				c.fail(fmt.Errorf("realtime heartbeat failed: %w", err))
				return
			}
		}
	}
}

// fail surfaces a fatal connection error exactly once, unless the
// client was closed deliberately.
func (c *Client) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	handler := c.onError
	c.mu.Unlock()
	if closed {
		return
	}

	c.failOnce.Do(func() {
		c.logger.WithError(err).Warn("Realtime connection failed")
		if handler != nil {
			handler(err)
		}
	})
}

// removeChannel drops a channel from the routing table after leave.
func (c *Client) removeChannel(topic string) {
	c.mu.Lock()
	delete(c.channels, topic)
	c.mu.Unlock()
}
