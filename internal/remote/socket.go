package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/metrics"
)

// ErrClosed is returned for requests on a closed socket.
var ErrClosed = errors.New("socket closed")

// PushHandler receives changes the server pushes without a request: a
// record object for an update, a key for a deletion.
type PushHandler func(ir.IRValue)

// SocketTransport multiplexes requests over a WebSocket. Each request
// carries a numeric callback slot; the reply {callback, data} is routed
// back to it. Any other message is a push.
//
// Pushes are handed to the push handler one at a time, in arrival order,
// on a goroutine of their own. A handler may therefore issue requests
// on the same socket: replies keep being read while it waits.
type SocketTransport struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu     sync.Mutex
	next   int64
	slots  map[int64]chan ir.IRValue
	onPush PushHandler
	err    error
	done   chan struct{}

	pushMu sync.Mutex
	pushes []ir.IRValue
	wake   chan struct{}
}

// SocketOption configures a SocketTransport.
type SocketOption func(*SocketTransport)

// WithSocketLogger sets the logger.
func WithSocketLogger(logger *slog.Logger) SocketOption {
	return func(t *SocketTransport) { t.logger = logger }
}

// WithSocketMetrics counts pushed messages.
func WithSocketMetrics(m *metrics.Metrics) SocketOption {
	return func(t *SocketTransport) { t.metrics = m }
}

// WithPushHandler installs the push handler at dial time.
func WithPushHandler(fn PushHandler) SocketOption {
	return func(t *SocketTransport) { t.onPush = fn }
}

// DialSocket connects to url and sends hello as the first message.
// hello is [db, store, ...datasets]: the server uses it to subscribe the
// socket to changes of that store.
func DialSocket(ctx context.Context, url string, hello ir.IRArray, opts ...SocketOption) (*SocketTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	t := &SocketTransport{
		conn:   conn,
		logger: slog.Default(),
		slots:  make(map[int64]chan ir.IRValue),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	go t.readLoop()
	go t.pushLoop()
	return t, nil
}

// OnPush replaces the push handler.
func (t *SocketTransport) OnPush(fn PushHandler) {
	t.mu.Lock()
	t.onPush = fn
	t.mu.Unlock()
}

// Do sends req and waits for its reply.
func (t *SocketTransport) Do(ctx context.Context, req Request) (ir.IRValue, error) {
	reply := make(chan ir.IRValue, 1)

	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
	t.next++
	slot := t.next
	t.slots[slot] = reply
	t.mu.Unlock()

	msg := req.Payload()
	msg["callback"] = ir.IRInt(slot)
	if err := t.write(msg); err != nil {
		t.dropSlot(slot)
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case v := <-reply:
		return checkResponse(v)
	case <-t.done:
		t.dropSlot(slot)
		return nil, t.closeErr()
	case <-ctx.Done():
		t.dropSlot(slot)
		return nil, ctx.Err()
	}
}

// Pending returns the number of requests waiting for a reply.
func (t *SocketTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Close closes the connection. Waiting requests fail with ErrClosed.
func (t *SocketTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	err := t.conn.Close()
	t.fail(ErrClosed)
	return err
}

func (t *SocketTransport) write(v ir.IRValue) error {
	b, err := ir.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *SocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Debug("socket read ended", "error", err)
			}
			t.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		msg, err := ir.Unmarshal(data)
		if err != nil {
			t.logger.Warn("dropping undecodable socket message", "error", err)
			continue
		}

		if obj, ok := msg.(ir.IRObject); ok {
			if slot, ok := obj["callback"].(ir.IRInt); ok {
				t.deliver(int64(slot), obj["data"])
				continue
			}
		}

		t.metrics.PushReceived()
		t.queuePush(msg)
	}
}

// queuePush never blocks, so a slow handler cannot hold up replies.
func (t *SocketTransport) queuePush(msg ir.IRValue) {
	t.pushMu.Lock()
	t.pushes = append(t.pushes, msg)
	t.pushMu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *SocketTransport) pushLoop() {
	for {
		select {
		case <-t.wake:
		case <-t.done:
			return
		}
		for {
			t.pushMu.Lock()
			if len(t.pushes) == 0 {
				t.pushMu.Unlock()
				break
			}
			msg := t.pushes[0]
			t.pushes = t.pushes[1:]
			t.pushMu.Unlock()
			t.dispatchPush(msg)
		}
	}
}

func (t *SocketTransport) dispatchPush(msg ir.IRValue) {
	t.mu.Lock()
	fn := t.onPush
	t.mu.Unlock()
	if fn == nil {
		t.logger.Debug("push without handler")
		return
	}
	fn(msg)
}

func (t *SocketTransport) deliver(slot int64, data ir.IRValue) {
	t.mu.Lock()
	reply, ok := t.slots[slot]
	delete(t.slots, slot)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("reply for unknown callback", "callback", slot)
		return
	}
	if data == nil {
		data = ir.IRNull{}
	}
	reply <- data
}

func (t *SocketTransport) dropSlot(slot int64) {
	t.mu.Lock()
	delete(t.slots, slot)
	t.mu.Unlock()
}

func (t *SocketTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = err
	t.slots = make(map[int64]chan ir.IRValue)
	close(t.done)
}

func (t *SocketTransport) closeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
