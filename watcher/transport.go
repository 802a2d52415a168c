package watcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/watchlink/packet"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	// StatusGraceful is the close code for an expected, cooperative disconnect.
	// Close codes below 3000 are reserved by the WebSocket protocol, so this lives in the application range.
	StatusGraceful websocket.StatusCode = 4600

	// ActionValidated is sent by the watcher once it has accepted the connection.
	ActionValidated = "validated"

	readLimit = 1 << 20
)

// State is the lifecycle state of a connection to the watcher.
type State int32

const (
	StateConnecting State = iota
	StateValidating
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateValidating:
		return "validating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is an ordered, full-duplex packet connection to the watcher.
// Send and Close may be called concurrently; Receive must only be called from one goroutine at a time.
type Transport struct {
	log   *zap.SugaredLogger
	id    string
	conn  *websocket.Conn
	state atomic.Int32

	closeOnce sync.Once
}

// DialTransport connects to the watcher and blocks until the watcher validates the connection.
// If validation does not complete within handshakeTimeout (when non-zero) the connection is torn down and an error is returned.
func DialTransport(ctx context.Context, log *zap.SugaredLogger, url string, httpClient *http.Client, handshakeTimeout time.Duration) (*Transport, error) {
	t := &Transport{id: uuid.NewString()}
	t.log = log.With("ConnID", t.id)
	t.setState(StateConnecting)

	if handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	t.log.Debugw("dialing watcher", "URL", url)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		t.setState(StateClosed)
		return nil, fmt.Errorf("dialing watcher: %w", err)
	}
	conn.SetReadLimit(readLimit)
	t.conn = conn

	t.setState(StateValidating)
	p, err := t.Receive(ctx)
	if err != nil {
		t.Close(websocket.StatusPolicyViolation, "validation failed")
		return nil, fmt.Errorf("waiting for validation: %w", err)
	}
	if p.Action != ActionValidated {
		t.Close(websocket.StatusPolicyViolation, "validation failed")
		return nil, fmt.Errorf("expected %q packet during validation, got action %q", ActionValidated, p.Action)
	}
	t.setState(StateOpen)
	t.log.Debug("watcher connection validated")
	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) State() State { return State(t.state.Load()) }

func (t *Transport) setState(s State) { t.state.Store(int32(s)) }

// Send writes a packet. It does not wait for any reply.
func (t *Transport) Send(ctx context.Context, p packet.Packet) error {
	if s := t.State(); s != StateOpen {
		return fmt.Errorf("sending on %s connection: %w", s, ErrClosed)
	}
	b, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}
	err = t.conn.Write(ctx, websocket.MessageText, b)
	if err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	return nil
}

// Receive blocks until the next packet arrives and returns it in arrival order.
// It returns a *packet.DecodeError for a malformed frame, after which the connection is still usable,
// and an error wrapping ErrClosed once the connection has been closed by either side.
func (t *Transport) Receive(ctx context.Context) (packet.Packet, error) {
	_, b, err := t.conn.Read(ctx)
	if err != nil {
		return packet.Packet{}, t.readError(ctx, err)
	}
	return packet.Decode(b)
}

// readError classifies a read failure, logging close codes other than StatusGraceful.
func (t *Transport) readError(ctx context.Context, err error) error {
	code := websocket.CloseStatus(err)
	if ctxErr := ctx.Err(); ctxErr != nil && code == -1 {
		// the peer did not close, so a later Close still sends its own code
		return fmt.Errorf("reading packet: %w", ctxErr)
	}

	prevState := State(t.state.Swap(int32(StateClosed)))
	t.closeOnce.Do(func() {})
	if prevState >= StateClosing {
		return ErrClosed
	}
	if code == -1 {
		t.log.Errorw("watcher connection lost", "Code", int(websocket.StatusAbnormalClosure), "Error", err)
		return fmt.Errorf("%w: %s", ErrClosed, err)
	}
	if code != StatusGraceful {
		var ce websocket.CloseError
		errors.As(err, &ce)
		t.log.Errorw("connection closed with unexpected code", "Code", int(code), "Reason", ce.Reason)
	} else {
		t.log.Debug("watcher closed the connection")
	}
	return ErrClosed
}

// Close sends a close frame with the given code and waits briefly for the watcher to acknowledge it.
// Only the first call has any effect.
func (t *Transport) Close(code websocket.StatusCode, reason string) error {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	var err error
	t.closeOnce.Do(func() {
		t.setState(StateClosing)
		defer t.setState(StateClosed)
		t.log.Debugw("closing watcher connection", "Code", int(code))
		err = t.conn.Close(code, reason)
		if err != nil {
			t.log.Debugf("error closing conn: %s", err)
		}
	})
	return err
}
