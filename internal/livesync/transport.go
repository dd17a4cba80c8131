package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// Transport opens push channels of one kind.
type Transport interface {
	Name() string
	Open(ctx context.Context, credential string) (Conn, error)
}

// Conn is one open push channel. Next blocks until an event arrives or the
// channel ends; an ended channel returns a *DisconnectError.
type Conn interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type DisconnectError struct {
	Reason string
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// disconnectReason maps any channel error to its reason class.
func disconnectReason(err error) string {
	var disconnectErr *DisconnectError
	if errors.As(err, &disconnectErr) {
		return disconnectErr.Reason
	}
	if errors.Is(err, context.Canceled) {
		return ReasonClientDisconnect
	}
	if errors.Is(err, io.EOF) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}

type WebSocketTransportOptions struct {
	URL          string
	HTTPClient   *http.Client
	PingInterval time.Duration
	PingTimeout  time.Duration
	ReadLimit    int64
	Logger       zerolog.Logger
}

type WebSocketTransport struct {
	url          string
	httpClient   *http.Client
	pingInterval time.Duration
	pingTimeout  time.Duration
	readLimit    int64
	logger       zerolog.Logger
}

func NewWebSocketTransport(opts WebSocketTransportOptions) *WebSocketTransport {
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 20 * time.Second
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	return &WebSocketTransport{
		url:          strings.TrimSpace(opts.URL),
		httpClient:   opts.HTTPClient,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		readLimit:    readLimit,
		logger:       opts.Logger,
	}
}

func (t *WebSocketTransport) Name() string {
	return "websocket"
}

func (t *WebSocketTransport) Open(ctx context.Context, credential string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("websocket handshake: %w", &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)})
		}
		return nil, err
	}
	conn.SetReadLimit(t.readLimit)
	pingCtx, cancelPing := context.WithCancel(context.Background())
	c := &wsConn{
		conn:       conn,
		logger:     t.logger,
		cancelPing: cancelPing,
	}
	go c.heartbeat(pingCtx, t.pingInterval, t.pingTimeout)
	return c, nil
}

type wsConn struct {
	conn       *websocket.Conn
	logger     zerolog.Logger
	cancelPing context.CancelFunc
	pingFailed atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
}

func (c *wsConn) heartbeat(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.pingFailed.Store(true)
				_ = c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (c *wsConn) Next(ctx context.Context) (Event, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return Event{}, c.classify(ctx, err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || strings.TrimSpace(ev.Name) == "" {
			c.logger.Warn().Int("bytes", len(data)).Msg("dropping malformed push frame")
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) classify(ctx context.Context, err error) error {
	switch {
	case c.closed.Load() || ctx.Err() != nil:
		return &DisconnectError{Reason: ReasonClientDisconnect, Err: err}
	case c.pingFailed.Load():
		return &DisconnectError{Reason: ReasonPingTimeout, Err: err}
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusPolicyViolation:
		return &DisconnectError{Reason: ReasonServerDisconnect, Err: err}
	case -1:
		if errors.Is(err, io.EOF) {
			return &DisconnectError{Reason: ReasonTransportClose, Err: err}
		}
		return &DisconnectError{Reason: ReasonTransportError, Err: err}
	default:
		return &DisconnectError{Reason: ReasonTransportClose, Err: err}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancelPing()
		err = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

type PollingTransportOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

// PollingTransport is the long-poll fallback channel. The server holds each
// poll open until events are available or its poll window elapses.
type PollingTransport struct {
	baseURL    string
	httpClient *http.Client
}

func NewPollingTransport(opts PollingTransportOptions) *PollingTransport {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &PollingTransport{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient: httpClient,
	}
}

func (t *PollingTransport) Name() string {
	return "polling"
}

type pollHandshake struct {
	SID    string `json:"sid"`
	Cursor string `json:"cursor"`
}

type pollBatch struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"nextCursor"`
}

func (t *PollingTransport) Open(ctx context.Context, credential string) (Conn, error) {
	client := NewHTTPClient(t.baseURL, StaticToken(credential), t.httpClient)
	client.maxRetries = 0
	var handshake pollHandshake
	if err := client.doJSON(ctx, http.MethodPost, "/realtime/poll/open", struct{}{}, &handshake); err != nil {
		return nil, err
	}
	if strings.TrimSpace(handshake.SID) == "" {
		return nil, fmt.Errorf("polling handshake returned no session id")
	}
	connCtx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		client: client,
		sid:    handshake.SID,
		cursor: handshake.Cursor,
		ctx:    connCtx,
		cancel: cancel,
	}, nil
}

type pollConn struct {
	client  *HTTPClient
	sid     string
	cursor  string
	pending []Event
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *pollConn) Next(ctx context.Context) (Event, error) {
	for len(c.pending) == 0 {
		if err := c.poll(ctx); err != nil {
			return Event{}, err
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *pollConn) poll(ctx context.Context) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	requestPath := "/realtime/poll?sid=" + url.QueryEscape(c.sid) + "&cursor=" + url.QueryEscape(c.cursor)
	var batch pollBatch
	err := c.client.doJSON(reqCtx, http.MethodGet, requestPath, nil, &batch)
	if err != nil {
		if c.ctx.Err() != nil || ctx.Err() != nil {
			return &DisconnectError{Reason: ReasonClientDisconnect, Err: err}
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusGone, http.StatusUnauthorized, http.StatusForbidden:
				return &DisconnectError{Reason: ReasonServerDisconnect, Err: err}
			}
			return &DisconnectError{Reason: ReasonTransportError, Err: err}
		}
		return &DisconnectError{Reason: disconnectReason(err), Err: err}
	}
	if batch.NextCursor != "" {
		c.cursor = batch.NextCursor
	}
	for _, ev := range batch.Events {
		if strings.TrimSpace(ev.Name) != "" {
			c.pending = append(c.pending, ev)
		}
	}
	return nil
}

func (c *pollConn) Close() error {
	c.cancel()
	return nil
}
