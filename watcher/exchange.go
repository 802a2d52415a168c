package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/watchlink/packet"
	"go.uber.org/zap"
)

// PushHandler handles packets the watcher sends without being asked, such as a shutdown directive.
type PushHandler interface {
	HandlePush(ctx context.Context, p packet.Packet)
}

type PushHandlerFunc func(ctx context.Context, p packet.Packet)

func (f PushHandlerFunc) HandlePush(ctx context.Context, p packet.Packet) { f(ctx, p) }

const pushQueueSize = 64

type reply struct {
	p   packet.Packet
	err error
}

// exchanger turns the transport's single inbound stream into request/response exchanges.
//
// One dispatcher goroutine owns Transport.Receive. Each inbound packet is routed exactly once:
// to the pending exchange whose correlation id it carries, or else to the push handler.
// Pushes are handed to a separate worker so a slow handler never holds up replies.
type exchanger struct {
	log       *zap.SugaredLogger
	transport *Transport
	push      PushHandler
	timeout   time.Duration

	// lock admits one exchange at a time. A channel is used so that waiting honors contexts.
	lock chan struct{}

	pendingMut sync.Mutex
	pending    map[string]chan reply

	ctx    context.Context
	cancel context.CancelFunc
	pushCh chan packet.Packet
	done   chan struct{}
	err    error
	wg     sync.WaitGroup
}

func newExchanger(log *zap.SugaredLogger, t *Transport, push PushHandler, timeout time.Duration) *exchanger {
	ctx, cancel := context.WithCancel(context.Background())
	e := &exchanger{
		log:       log,
		transport: t,
		push:      push,
		timeout:   timeout,
		lock:      make(chan struct{}, 1),
		pending:   map[string]chan reply{},
		ctx:       ctx,
		cancel:    cancel,
		pushCh:    make(chan packet.Packet, pushQueueSize),
		done:      make(chan struct{}),
	}
	e.wg.Add(1)
	go e.dispatch()
	go e.handlePushes()
	return e
}

// acquire takes the exchange lock, failing if ctx ends or the connection goes away first.
func (e *exchanger) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &TransportError{Op: "acquiring exchange", Err: ctx.Err()}
	case <-e.done:
		return e.err
	}
}

func (e *exchanger) release() { <-e.lock }

func (e *exchanger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Request sends p and waits for its reply. Only one Request runs at a time per connection.
func (e *exchanger) Request(ctx context.Context, p packet.Packet) (packet.Packet, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	err := e.acquire(ctx)
	if err != nil {
		return packet.Packet{}, err
	}
	defer e.release()

	p.ID = uuid.NewString()
	ch := make(chan reply, 1)
	e.pendingMut.Lock()
	e.pending[p.ID] = ch
	e.pendingMut.Unlock()
	defer func() {
		e.pendingMut.Lock()
		delete(e.pending, p.ID)
		e.pendingMut.Unlock()
	}()

	e.log.Debugw("sending request", "ID", p.ID, "Action", p.Action)
	err = e.transport.Send(ctx, p)
	if err != nil {
		return packet.Packet{}, &TransportError{Op: "send", Err: err}
	}

	select {
	case r := <-ch:
		return r.p, r.err
	case <-ctx.Done():
		return packet.Packet{}, &TransportError{Op: "awaiting reply", Err: ctx.Err()}
	case <-e.done:
		// a reply may have been delivered right before the dispatcher stopped
		select {
		case r := <-ch:
			return r.p, r.err
		default:
		}
		return packet.Packet{}, e.err
	}
}

// Send writes p under the exchange lock without waiting for any reply.
func (e *exchanger) Send(ctx context.Context, p packet.Packet) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release()

	err = e.transport.Send(ctx, p)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (e *exchanger) dispatch() {
	defer e.wg.Done()
	defer close(e.pushCh)
	for {
		p, err := e.transport.Receive(e.ctx)
		if err != nil {
			var decErr *packet.DecodeError
			if errors.As(err, &decErr) {
				e.failSole(decErr)
				continue
			}
			e.stop(&TransportError{Op: "receive", Err: err})
			return
		}
		if e.deliver(p) {
			continue
		}
		e.log.Debugw("routing unsolicited packet to push handler", "ID", p.ID, "Action", p.Action)
		select {
		case e.pushCh <- p:
		case <-e.ctx.Done():
		}
	}
}

// deliver hands p to the exchange it answers, if any.
// A reply without an id is accepted only when exactly one exchange is pending, for watchers that do not echo ids.
func (e *exchanger) deliver(p packet.Packet) bool {
	e.pendingMut.Lock()
	defer e.pendingMut.Unlock()

	if p.ID != "" {
		ch, ok := e.pending[p.ID]
		if !ok {
			return false
		}
		delete(e.pending, p.ID)
		ch <- reply{p: p}
		return true
	}
	if p.Action != "" || !p.IsReply() || len(e.pending) != 1 {
		return false
	}
	for id, ch := range e.pending {
		delete(e.pending, id)
		ch <- reply{p: p}
	}
	return true
}

// failSole fails the pending exchange with a decode error.
// At most one exchange is ever pending, so a malformed frame can only belong to it.
func (e *exchanger) failSole(err *packet.DecodeError) {
	e.pendingMut.Lock()
	defer e.pendingMut.Unlock()
	if len(e.pending) == 0 {
		e.log.Debugf("dropping malformed packet with no pending exchange: %s", err)
		return
	}
	for id, ch := range e.pending {
		delete(e.pending, id)
		ch <- reply{err: err}
	}
}

func (e *exchanger) handlePushes() {
	for p := range e.pushCh {
		if e.push == nil {
			e.log.Debugw("no push handler, dropping packet", "Action", p.Action)
			continue
		}
		e.push.HandlePush(e.ctx, p)
	}
}

func (e *exchanger) stop(err error) {
	e.err = err
	close(e.done)
}

// Close waits for the dispatcher to stop. The transport must already be closed.
// It does not wait for an in-progress push handler, which may itself be closing the client.
func (e *exchanger) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *exchanger) Done() <-chan struct{} { return e.done }
