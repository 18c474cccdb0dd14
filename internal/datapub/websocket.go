package datapub

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Datapub-Apps/internal/slotstore"
)

// WebsocketOptions configures a WebsocketSender.
type WebsocketOptions struct {
	// MaxBytes rejects encoded envelopes over this size when > 0.
	MaxBytes int
	// DialTimeout bounds the websocket handshake. Defaults to 5s.
	DialTimeout time.Duration
	// WriteTimeout bounds one frame write. Defaults to 5s.
	WriteTimeout time.Duration
	// RetryInterval is the pause before re-dialing after a failure. Defaults to 500ms.
	RetryInterval time.Duration
	// FlushTimeout bounds the final delivery attempt in Close. Defaults to 5s.
	FlushTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
}

type wsFrame struct {
	stamp slotstore.Stamp
	b     []byte
}

// WebsocketSender streams envelopes to a coordinator websocket endpoint.
// Send only parks the envelope in a per-producer mailbox that keeps the newest
// one; a single writer goroutine dials, writes and re-dials after failures, so
// no producer ever waits on the network or on another producer.
type WebsocketSender struct {
	url     string
	codec   Codec
	opts    WebsocketOptions
	dialer  *websocket.Dialer
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending map[ProducerID]wsFrame
	closed  bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	conn     *websocket.Conn // owned by run
	closeErr error
}

func NewWebsocketSender(url string, c Codec, opts WebsocketOptions) *WebsocketSender {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebsocketSender{
		url:     url,
		codec:   c,
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		log:     opts.Logger.Named("ws-sender").With(zap.String("url", url)),
		metrics: opts.Metrics,
		pending: make(map[ProducerID]wsFrame),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.run()
	return s
}

// Send queues env for delivery, replacing any older envelope of the same
// producer that has not been written yet. It fails only for oversized
// envelopes or after Close.
func (s *WebsocketSender) Send(_ context.Context, env Envelope) error {
	b, err := encode(s.codec, env, s.opts.MaxBytes)
	if err != nil {
		return err
	}
	st := env.Stamp()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: %w: sender closed", s.url, ErrTransportFailure)
	}
	if cur, ok := s.pending[env.Producer]; !ok || st.Supersedes(cur.stamp) {
		s.pending[env.Producer] = wsFrame{stamp: st, b: b}
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *WebsocketSender) run() {
	defer close(s.done)
	var retry <-chan time.Time
	for {
		wake := s.wake
		if retry != nil {
			wake = nil
		}
		select {
		case <-s.stop:
			s.closeErr = s.flush()
			return
		case <-wake:
		case <-retry:
		}
		retry = nil
		if err := s.writePending(); err != nil {
			s.metrics.TransportFailures.Inc()
			s.log.Warn("websocket send failed, retrying", zap.Error(err))
			retry = time.After(s.opts.RetryInterval)
		}
	}
}

// writePending writes every parked frame in producer order. Frames that could
// not be written go back to the mailbox unless a newer one arrived meanwhile.
func (s *WebsocketSender) writePending() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[ProducerID]wsFrame, len(batch))
	s.mu.Unlock()

	ids := slices.Sorted(maps.Keys(batch))
	for i, id := range ids {
		if err := s.write(batch[id].b); err != nil {
			s.mu.Lock()
			for _, rest := range ids[i:] {
				if _, ok := s.pending[rest]; !ok {
					s.pending[rest] = batch[rest]
				}
			}
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *WebsocketSender) write(b []byte) error {
	if s.conn == nil {
		conn, _, err := s.dialer.DialContext(s.ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w: %w", s.url, ErrTransportFailure, err)
		}
		s.log.Debug("connected")
		s.conn = conn
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write %s: %w: %w", s.url, ErrTransportFailure, err)
	}
	return nil
}

func (s *WebsocketSender) flush() error {
	err := s.writePending()
	if s.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.conn = nil
	}
	if err != nil {
		s.mu.Lock()
		lost := len(s.pending)
		s.mu.Unlock()
		s.metrics.TransportFailures.Inc()
		return fmt.Errorf("last values of %d producers not delivered: %w", lost, err)
	}
	return nil
}

// Close makes one last attempt to deliver every parked envelope, bounded by
// FlushTimeout, and then closes the connection.
func (s *WebsocketSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)

	timer := time.NewTimer(s.opts.FlushTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.cancel()
		<-s.done
	}
	s.cancel()
	return s.closeErr
}

// WebsocketHandler accepts engine connections and applies every frame they
// send.
type WebsocketHandler struct {
	ingest    *Ingest
	upgrader  websocket.Upgrader
	readLimit int64
	log       *zap.Logger
}

// NewWebsocketHandler limits frames to readLimit bytes when readLimit > 0.
func NewWebsocketHandler(in *Ingest, readLimit int64) *WebsocketHandler {
	return &WebsocketHandler{
		ingest: in,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		readLimit: readLimit,
		log:       in.log.Named("ws"),
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}
	remote := conn.RemoteAddr().String()
	for {
		kind, b, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("engine connection ended", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		if _, err := h.ingest.Accept(b); err != nil {
			h.log.Warn("drop envelope", zap.String("remote", remote), zap.Error(err))
		}
	}
}
