// Package signal serves the websocket signaling protocol: one connection
// per peer, request/ack pairs plus server notifications.
package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	SendBuffer     int
	RequestTimeout time.Duration
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 25 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter

	opts     Options
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		opts:    opts,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{SubprotocolMsgpack, SubprotocolJSON},
			CheckOrigin:  originChecker(opts.AllowedOrigins),
		},
	}
	ctl.handlers = ctl.routes()
	return ctl
}

// originChecker allows any origin when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
	}
}

// WsSignalConn is the peer's outbound side. Frames are encoded on the
// caller's goroutine and queued for the write pump.
type WsSignalConn struct {
	conn  *websocket.Conn
	codec Codec
	send  chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(n core.Notification) error {
	b, err := c.codec.Encode(notification{Event: n.Event, Data: n.Data})
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *WsSignalConn) enqueue(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// session is the per-connection state the handlers see.
type session struct {
	peerID      domain.PeerID
	clientToken string
	conn        *WsSignalConn
	ctx         context.Context
	cancel      context.CancelFunc

	// afterAck runs once the current request has been acknowledged.
	afterAck func()
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	codec := codecFor(ws.Subprotocol())
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		conn:  ws,
		codec: codec,
		send:  make(chan []byte, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		peerID:      domain.NewPeerID(),
		clientToken: token,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
	}
	ctl.Orch.Registry.Bind(s.peerID, conn, cancel)
	log.Info().Str("module", "signal").Str("peer", string(s.peerID)).Str("codec", codec.Subprotocol()).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(s)
}
