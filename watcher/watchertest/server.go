/*
Package watchertest provides an in-process watcher for testing clients.

The server accepts mTLS WebSocket connections, validates them, and answers each request by calling an Evaluator with the request's script text.
Tests can push unsolicited packets, send malformed frames, or close the connection with any code.
*/
package watchertest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/guseggert/watchlink/packet"
	"github.com/guseggert/watchlink/watcher"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNoReply can be returned by an Evaluator to suppress the reply to a request.
var ErrNoReply = errors.New("no reply")

// Evaluator answers a request. A non-nil error is sent back as the reply's error field.
type Evaluator func(ctx context.Context, code string) ([]packet.Value, error)

type Server struct {
	log *zap.SugaredLogger

	certs            *watcher.Certs
	listenAddr       string
	evaluator        Evaluator
	omitReplyIDs     bool
	validationAction string

	httpServer *http.Server
	listener   net.Listener

	mut       sync.Mutex
	conn      *websocket.Conn
	requests  []packet.Packet
	connected chan struct{}
	connOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	closeCode websocket.StatusCode
}

type Option func(s *Server)

func WithEvaluator(e Evaluator) Option {
	return func(s *Server) {
		s.evaluator = e
	}
}

// WithoutReplyIDs makes the server reply without echoing correlation ids.
func WithoutReplyIDs() Option {
	return func(s *Server) {
		s.omitReplyIDs = true
	}
}

// WithValidationAction changes the action of the packet sent when a client connects.
// An empty action skips validation entirely.
func WithValidationAction(a string) Option {
	return func(s *Server) {
		s.validationAction = a
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("fake_watcher").Sugar()
	}
}

// NewServer constructs a fake watcher that presents the server cert from certs and requires the client cert.
func NewServer(certs *watcher.Certs, opts ...Option) *Server {
	s := &Server{
		log:              zap.NewNop().Sugar(),
		certs:            certs,
		listenAddr:       "127.0.0.1:0",
		validationAction: watcher.ActionValidated,
		connected:        make(chan struct{}),
		closed:           make(chan struct{}),
		closeCode:        -1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	tcpListener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := s.certs.ServerTLSConfig()
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}
	s.listener = tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/", s.serveWS)

	s.httpServer = &http.Server{Handler: router}
	go func() {
		err := s.httpServer.Serve(s.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Debugf("serve error: %s", err)
		}
	}()
	return nil
}

func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Requests returns every request received so far, in order.
func (s *Server) Requests() []packet.Packet {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]packet.Packet(nil), s.requests...)
}

// Actions returns the action of every request received so far, in order.
func (s *Server) Actions() []string {
	var actions []string
	for _, r := range s.Requests() {
		actions = append(actions, r.Action)
	}
	return actions
}

// Connected is closed once the first client has connected.
func (s *Server) Connected() <-chan struct{} { return s.connected }

// Disconnected is closed once the first client connection ends.
func (s *Server) Disconnected() <-chan struct{} { return s.closed }

// CloseCode returns the close code received from the client, or -1 if there was none.
func (s *Server) CloseCode() websocket.StatusCode {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.closeCode
}

func (s *Server) currentConn() (*websocket.Conn, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.conn == nil {
		return nil, errors.New("no client connected")
	}
	return s.conn, nil
}

// Push sends an unsolicited packet to the connected client.
func (s *Server) Push(ctx context.Context, p packet.Packet) error {
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	return s.SendRaw(ctx, b)
}

// SendRaw sends b as a text frame without any encoding.
func (s *Server) SendRaw(ctx context.Context, b []byte) error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// CloseConn closes the client connection with the given code.
func (s *Server) CloseConn(code websocket.StatusCode, reason string) error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}
	return conn.Close(code, reason)
}

func (s *Server) Stop() error {
	if conn, err := s.currentConn(); err == nil {
		conn.Close(websocket.StatusGoingAway, "")
	}
	return s.httpServer.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Debug("accepted WebSocket conn")
	conn.SetReadLimit(1 << 20)

	s.mut.Lock()
	s.conn = conn
	s.mut.Unlock()
	s.connOnce.Do(func() { close(s.connected) })
	defer s.closeOnce.Do(func() { close(s.closed) })

	ctx := r.Context()
	if s.validationAction != "" {
		err := s.Push(ctx, packet.Packet{Action: s.validationAction})
		if err != nil {
			s.log.Debugf("error sending validation: %s", err)
			return
		}
	}

	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			s.log.Debugw("client connection ended", "Code", int(code), "Error", err)
			s.mut.Lock()
			s.closeCode = code
			s.mut.Unlock()
			return
		}
		req, err := packet.Decode(b)
		if err != nil {
			s.log.Debugf("ignoring malformed request: %s", err)
			continue
		}
		s.mut.Lock()
		s.requests = append(s.requests, req)
		s.mut.Unlock()

		resp := s.evaluate(ctx, req)
		if resp == nil {
			continue
		}
		err = s.Push(ctx, *resp)
		if err != nil {
			s.log.Debugf("error writing reply: %s", err)
			return
		}
	}
}

func (s *Server) evaluate(ctx context.Context, req packet.Packet) *packet.Packet {
	resp := &packet.Packet{ID: req.ID}
	if s.omitReplyIDs {
		resp.ID = ""
	}
	if s.evaluator == nil {
		resp.Error = "no evaluator configured"
		return resp
	}
	vals, err := s.evaluator(ctx, req.Action)
	if errors.Is(err, ErrNoReply) {
		return nil
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Returns = vals
	if resp.Returns == nil {
		resp.Returns = []packet.Value{}
	}
	return resp
}
