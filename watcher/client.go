package watcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/watchlink/packet"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Scripts understood by the watcher.
const (
	scriptPing    = "return cw.getJdaPing()"
	scriptReboots = "return cw.getReboots()"
	scriptOwners  = "return cw.getOwners()"
	scriptJVMArgs = "return cw.getJvmArgs()"
)

func rebootScript(hard bool) string {
	return "cw.reboot(" + strconv.FormatBool(hard) + ")"
}

// Client is a control connection to a watcher process.
// It is safe for concurrent use, but requests are serialized: only one exchange is in flight at a time.
type Client struct {
	Logger *zap.SugaredLogger

	serverName               string
	requestTimeout           time.Duration
	handshakeTimeout         time.Duration
	push                     PushHandler
	customizeRetryableClient func(*retryablehttp.Client)

	transport *Transport
	exchange  *exchanger

	closeOnce sync.Once
	closeErr  error
}

type ClientOption func(c *Client)

// WithRequestTimeout bounds each exchange whose context has no deadline. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithHandshakeTimeout bounds connection setup, including validation by the watcher.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

// WithServerName sets the name used for TLS verification and the Host header. The TCP dial always targets the given host.
func WithServerName(name string) ClientOption {
	return func(c *Client) {
		c.serverName = name
	}
}

// WithPushHandler sets the handler for packets the watcher sends on its own.
func WithPushHandler(h PushHandler) ClientOption {
	return func(c *Client) {
		c.push = h
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("watcher_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient connects to the watcher at host:port and waits for it to validate the connection.
// An error here means the control connection could not be established and callers should treat it as a startup failure.
func NewClient(ctx context.Context, log *zap.SugaredLogger, tlsConfig *tls.Config, host string, port int, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:           log.Named("watcher_client"),
		serverName:       DefaultServerName,
		requestTimeout:   30 * time.Second,
		handshakeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialAddrPort := net.JoinHostPort(host, strconv.Itoa(port))

	// Don't do DNS lookup for the URL host.
	// The URL carries the server name for TLS verification and the Host header, while the TCP dial goes to the configured host.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", dialAddrPort)
	}

	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConfig = tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = c.serverName
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.RetryMax = 5
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	u := fmt.Sprintf("wss://%s/", net.JoinHostPort(c.serverName, strconv.Itoa(port)))
	t, err := DialTransport(ctx, c.Logger, u, retryClient.StandardClient(), c.handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to watcher at %s: %w", dialAddrPort, err)
	}
	c.transport = t
	c.exchange = newExchanger(c.Logger.With("ConnID", t.ID()), t, c.push, c.requestTimeout)
	return c, nil
}

// ID identifies the connection in logs.
func (c *Client) ID() string { return c.transport.ID() }

// State returns the state of the underlying connection.
func (c *Client) State() State { return c.transport.State() }

// Done is closed once the connection to the watcher is gone.
func (c *Client) Done() <-chan struct{} { return c.exchange.Done() }

// Eval asks the watcher to run code and returns its return values in order.
// Opaque values are checked to hold well-formed payloads; use packet.DecodeOpaque to deserialize them into a type.
func (c *Client) Eval(ctx context.Context, code string) ([]packet.Value, error) {
	resp, err := c.exchange.Request(ctx, packet.Encode(code, nil))
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &RemoteEvaluationError{Message: resp.Error}
	}
	for i, v := range resp.Returns {
		if err := v.Validate(); err != nil {
			return nil, &packet.DecodeError{Index: i, Err: err}
		}
	}
	if resp.Returns == nil {
		return []packet.Value{}, nil
	}
	return resp.Returns, nil
}

// Reboot tells the watcher to restart the service, then closes the connection.
// No reply is awaited since the connection is meaningless once the service restarts.
func (c *Client) Reboot(ctx context.Context, hard bool) error {
	c.Logger.Infow("requesting reboot", "Hard", hard)
	err := c.exchange.Send(ctx, packet.Encode(rebootScript(hard), nil))
	if err != nil {
		return fmt.Errorf("sending reboot: %w", err)
	}
	return c.Close()
}

// Snapshot is a best-effort composite of the watcher's metrics.
// Each field is fetched separately, so the values are not guaranteed to be consistent with each other.
type Snapshot struct {
	Ping    int      `json:"ping"`
	Reboots int      `json:"reboots"`
	Owners  []string `json:"owners"`
	JVMArgs []string `json:"jvmArgs"`
}

// Snapshot fetches ping, reboot count, owners and JVM arguments, in that order.
// The first failure aborts the snapshot.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	var err error
	s.Ping, err = c.evalInt(ctx, scriptPing)
	if err != nil {
		return nil, fmt.Errorf("fetching ping: %w", err)
	}
	s.Reboots, err = c.evalInt(ctx, scriptReboots)
	if err != nil {
		return nil, fmt.Errorf("fetching reboots: %w", err)
	}
	s.Owners, err = c.evalStrings(ctx, scriptOwners)
	if err != nil {
		return nil, fmt.Errorf("fetching owners: %w", err)
	}
	s.JVMArgs, err = c.evalStrings(ctx, scriptJVMArgs)
	if err != nil {
		return nil, fmt.Errorf("fetching JVM args: %w", err)
	}
	return &s, nil
}

func (c *Client) evalFirst(ctx context.Context, code string) (packet.Value, error) {
	vals, err := c.Eval(ctx, code)
	if err != nil {
		return packet.Value{}, err
	}
	if len(vals) == 0 {
		return packet.Value{}, &packet.DecodeError{Index: 0, Err: fmt.Errorf("no return value for %q", code)}
	}
	return vals[0], nil
}

func (c *Client) evalInt(ctx context.Context, code string) (int, error) {
	v, err := c.evalFirst(ctx, code)
	if err != nil {
		return 0, err
	}
	n, err := v.Int()
	if err != nil {
		return 0, &packet.DecodeError{Index: 0, Err: err}
	}
	return n, nil
}

func (c *Client) evalStrings(ctx context.Context, code string) ([]string, error) {
	v, err := c.evalFirst(ctx, code)
	if err != nil {
		return nil, err
	}
	ss, err := packet.DecodeOpaque[[]string](v)
	if err != nil {
		return nil, &packet.DecodeError{Index: 0, Err: err}
	}
	return ss, nil
}

// Close closes the connection with StatusGraceful. Calls after the first are no-ops.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close(StatusGraceful, "")
		c.exchange.Close()
	})
	return c.closeErr
}
