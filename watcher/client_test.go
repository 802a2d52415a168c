package watcher_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/watchlink/internal/net"
	"github.com/guseggert/watchlink/packet"
	"github.com/guseggert/watchlink/supervise"
	"github.com/guseggert/watchlink/watcher"
	"github.com/guseggert/watchlink/watcher/watchertest"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"nhooyr.io/websocket"
)

var (
	certsOnce sync.Once
	certs     *watcher.Certs
	certsErr  error
)

func testCerts(t *testing.T) *watcher.Certs {
	certsOnce.Do(func() {
		certs, certsErr = watcher.GenerateCerts()
	})
	require.NoError(t, certsErr)
	return certs
}

func startServer(t *testing.T, opts ...watchertest.Option) *watchertest.Server {
	opts = append([]watchertest.Option{watchertest.WithLogger(zaptest.NewLogger(t))}, opts...)
	srv := watchertest.NewServer(testCerts(t), opts...)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func newClient(t *testing.T, log *zap.SugaredLogger, srv *watchertest.Server, opts ...watcher.ClientOption) *watcher.Client {
	tlsConfig, err := testCerts(t).ClientTLSConfig()
	require.NoError(t, err)
	client, err := watcher.NewClient(context.Background(), log, tlsConfig, srv.Host(), srv.Port(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// scripted returns an evaluator that answers known scripts and fails on anything else.
func scripted(answers map[string][]packet.Value) watchertest.Evaluator {
	return func(ctx context.Context, code string) ([]packet.Value, error) {
		vals, ok := answers[code]
		if !ok {
			return nil, fmt.Errorf("unknown script %q", code)
		}
		return vals, nil
	}
}

func mustOpaque(t *testing.T, v any) packet.Value {
	val, err := packet.OpaqueOf(v)
	require.NoError(t, err)
	return val
}

func TestEval(t *testing.T) {
	srv := startServer(t, watchertest.WithEvaluator(scripted(map[string][]packet.Value{
		"return 1+1": {packet.Scalar(2)},
	})))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)
	assert.Equal(t, watcher.StateOpen, client.State())

	vals, err := client.Eval(context.Background(), "return 1+1")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	n, err := vals[0].Int()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "return 1+1", reqs[0].Action)
	assert.NotEmpty(t, reqs[0].ID)
}

func TestEvalPreservesOrder(t *testing.T) {
	srv := startServer(t, watchertest.WithEvaluator(scripted(map[string][]packet.Value{
		"return many": {packet.Scalar(1), packet.Scalar("two"), mustOpaque(t, []string{"three"}), packet.Scalar(true)},
		"return none": {},
	})))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)

	vals, err := client.Eval(context.Background(), "return many")
	require.NoError(t, err)
	require.Len(t, vals, 4)

	assert.Equal(t, "1", vals[0].String())
	assert.Equal(t, "two", vals[1].String())
	three, err := packet.DecodeOpaque[[]string](vals[2])
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, three)
	b, err := vals[3].Bool()
	require.NoError(t, err)
	assert.True(t, b)

	vals, err = client.Eval(context.Background(), "return none")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestEvalRemoteError(t *testing.T) {
	srv := startServer(t, watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
		return nil, errors.New("boom")
	}))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)

	vals, err := client.Eval(context.Background(), "error('boom')")
	assert.Nil(t, vals)
	var remoteErr *watcher.RemoteEvaluationError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "boom", remoteErr.Message)
}

func TestDecodeErrorsDoNotTearDownConnection(t *testing.T) {
	var srv *watchertest.Server
	srv = startServer(t, watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
		switch code {
		case "bad opaque":
			return []packet.Value{packet.Scalar(1), packet.Opaque("!!not base64!!")}, nil
		case "bad cbor":
			return []packet.Value{packet.Scalar(1), packet.Scalar(2), packet.Opaque("/w==")}, nil
		case "malformed":
			err := srv.SendRaw(ctx, []byte(`{"returns":[1`))
			if err != nil {
				return nil, err
			}
			return nil, watchertest.ErrNoReply
		default:
			return []packet.Value{packet.Scalar("ok")}, nil
		}
	}))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)
	ctx := context.Background()

	_, err := client.Eval(ctx, "bad opaque")
	var decErr *packet.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, 1, decErr.Index)

	vals, err := client.Eval(ctx, "bad cbor")
	assert.Nil(t, vals)
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, 2, decErr.Index)
	assert.ErrorContains(t, err, "deserializing")

	_, err = client.Eval(ctx, "malformed")
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, -1, decErr.Index)

	vals, err = client.Eval(ctx, "still there?")
	require.NoError(t, err)
	assert.Equal(t, "ok", vals[0].String())
	assert.Equal(t, watcher.StateOpen, client.State())
}

func TestEmptyReplyWithoutIDs(t *testing.T) {
	srv := startServer(t,
		watchertest.WithoutReplyIDs(),
		watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
			return nil, nil
		}),
	)
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv, watcher.WithRequestTimeout(5*time.Second))

	vals, err := client.Eval(context.Background(), "return none")
	require.NoError(t, err)
	assert.Empty(t, vals)
	assert.NotNil(t, vals)
}

func TestSnapshot(t *testing.T) {
	srv := startServer(t, watchertest.WithEvaluator(scripted(map[string][]packet.Value{
		"return cw.getJdaPing()": {packet.Scalar(42)},
		"return cw.getReboots()": {packet.Scalar(3)},
		"return cw.getOwners()":  {mustOpaque(t, []string{"alice", "bob"})},
		"return cw.getJvmArgs()": {mustOpaque(t, []string{"-Xmx2G"})},
	})))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)

	snap, err := client.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &watcher.Snapshot{
		Ping:    42,
		Reboots: 3,
		Owners:  []string{"alice", "bob"},
		JVMArgs: []string{"-Xmx2G"},
	}, snap)
	assert.Equal(t, []string{
		"return cw.getJdaPing()",
		"return cw.getReboots()",
		"return cw.getOwners()",
		"return cw.getJvmArgs()",
	}, srv.Actions())
}

func TestSnapshotAbortsOnFirstFailure(t *testing.T) {
	cases := []struct {
		name       string
		answers    map[string][]packet.Value
		expActions []string
		checkErr   func(t *testing.T, err error)
	}{
		{
			name: "remote error on reboots",
			answers: map[string][]packet.Value{
				"return cw.getJdaPing()": {packet.Scalar(42)},
			},
			expActions: []string{"return cw.getJdaPing()", "return cw.getReboots()"},
			checkErr: func(t *testing.T, err error) {
				var remoteErr *watcher.RemoteEvaluationError
				require.ErrorAs(t, err, &remoteErr)
				assert.Contains(t, remoteErr.Message, "cw.getReboots")
			},
		},
		{
			name: "ping is not a number",
			answers: map[string][]packet.Value{
				"return cw.getJdaPing()": {packet.Scalar("fast")},
			},
			expActions: []string{"return cw.getJdaPing()"},
			checkErr: func(t *testing.T, err error) {
				var decErr *packet.DecodeError
				require.ErrorAs(t, err, &decErr)
			},
		},
		{
			name: "owners not opaque",
			answers: map[string][]packet.Value{
				"return cw.getJdaPing()": {packet.Scalar(42)},
				"return cw.getReboots()": {packet.Scalar(1)},
				"return cw.getOwners()":  {packet.Scalar("alice")},
			},
			expActions: []string{"return cw.getJdaPing()", "return cw.getReboots()", "return cw.getOwners()"},
			checkErr: func(t *testing.T, err error) {
				var decErr *packet.DecodeError
				require.ErrorAs(t, err, &decErr)
			},
		},
		{
			name: "no return value",
			answers: map[string][]packet.Value{
				"return cw.getJdaPing()": {},
			},
			expActions: []string{"return cw.getJdaPing()"},
			checkErr: func(t *testing.T, err error) {
				var decErr *packet.DecodeError
				require.ErrorAs(t, err, &decErr)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := startServer(t, watchertest.WithEvaluator(scripted(c.answers)))
			client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)

			snap, err := client.Snapshot(context.Background())
			assert.Nil(t, snap)
			require.Error(t, err)
			c.checkErr(t, err)
			assert.Equal(t, c.expActions, srv.Actions())
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := startServer(t)
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, watcher.StateClosed, client.State())

	<-srv.Disconnected()
	assert.Equal(t, watcher.StatusGraceful, srv.CloseCode())

	_, err := client.Eval(context.Background(), "return 1")
	var transportErr *watcher.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, watcher.ErrClosed)
}

func TestReboot(t *testing.T) {
	for _, hard := range []bool{true, false} {
		t.Run(fmt.Sprintf("hard=%v", hard), func(t *testing.T) {
			srv := startServer(t, watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
				return nil, watchertest.ErrNoReply
			}))
			client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)

			require.NoError(t, client.Reboot(context.Background(), hard))
			assert.Equal(t, watcher.StateClosed, client.State())

			<-srv.Disconnected()
			assert.Equal(t, []string{fmt.Sprintf("cw.reboot(%v)", hard)}, srv.Actions())
			assert.Equal(t, watcher.StatusGraceful, srv.CloseCode())

			// the client owns the follow-up close, which must be a no-op now
			require.NoError(t, client.Close())
		})
	}
}

type pushRecorder struct {
	handler *supervise.Handler
	exited  chan int
	stopped chan struct{}
}

func newPushRecorder(t *testing.T) *pushRecorder {
	r := &pushRecorder{
		exited:  make(chan int, 10),
		stopped: make(chan struct{}, 10),
	}
	set := &supervise.Set{}
	set.AddScheduler(supervise.SchedulerFunc(func() error {
		r.stopped <- struct{}{}
		return nil
	}))
	r.handler = supervise.NewHandler(zaptest.NewLogger(t).Sugar(), set, supervise.WithExitFunc(func(code int) {
		r.exited <- code
	}))
	return r
}

func (r *pushRecorder) requireShutdownOnce(t *testing.T) {
	select {
	case code := <-r.exited:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.Len(t, r.stopped, 1)
	assert.Len(t, r.exited, 0)
}

func TestPushShutdownWithoutExchange(t *testing.T) {
	srv := startServer(t)
	rec := newPushRecorder(t)
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv, watcher.WithPushHandler(rec.handler))

	require.NoError(t, srv.Push(context.Background(), packet.Packet{Action: supervise.ActionShutdown}))
	rec.requireShutdownOnce(t)

	// pushes are never answered
	assert.Empty(t, srv.Requests())
	assert.Equal(t, watcher.StateOpen, client.State())
}

func TestPushDuringExchangeIsNotTakenAsReply(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		t.Run(fmt.Sprintf("omitReplyIDs=%v", legacy), func(t *testing.T) {
			var srv *watchertest.Server
			opts := []watchertest.Option{watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
				// the push lands on the wire while the client is waiting for this reply
				err := srv.Push(ctx, packet.Packet{Action: supervise.ActionShutdown})
				if err != nil {
					return nil, err
				}
				return []packet.Value{packet.Scalar(7)}, nil
			})}
			if legacy {
				opts = append(opts, watchertest.WithoutReplyIDs())
			}
			srv = startServer(t, opts...)
			rec := newPushRecorder(t)
			client := newClient(t, zaptest.NewLogger(t).Sugar(), srv, watcher.WithPushHandler(rec.handler))

			vals, err := client.Eval(context.Background(), "return 7")
			require.NoError(t, err)
			require.Len(t, vals, 1)
			n, err := vals[0].Int()
			require.NoError(t, err)
			assert.Equal(t, 7, n)

			rec.requireShutdownOnce(t)
		})
	}
}

func TestConcurrentEvalsGetTheirOwnReplies(t *testing.T) {
	srv := startServer(t, watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
		return []packet.Value{packet.Scalar(strings.TrimPrefix(code, "return "))}, nil
	}))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			vals, err := client.Eval(context.Background(), fmt.Sprintf("return %d", i))
			if assert.NoError(t, err) && assert.Len(t, vals, 1) {
				assert.Equal(t, fmt.Sprint(i), vals[0].String())
			}
		}()
	}
	wg.Wait()
	assert.Len(t, srv.Requests(), 20)
}

func TestRequestTimeout(t *testing.T) {
	srv := startServer(t, watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
		if code == "hang" {
			return nil, watchertest.ErrNoReply
		}
		return []packet.Value{packet.Scalar("ok")}, nil
	}))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv, watcher.WithRequestTimeout(200*time.Millisecond))

	_, err := client.Eval(context.Background(), "hang")
	var transportErr *watcher.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the lock was released, so later exchanges still work
	vals, err := client.Eval(context.Background(), "return ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", vals[0].String())
}

func TestCloseUnblocksPendingRequest(t *testing.T) {
	srv := startServer(t, watchertest.WithEvaluator(func(ctx context.Context, code string) ([]packet.Value, error) {
		return nil, watchertest.ErrNoReply
	}))
	client := newClient(t, zaptest.NewLogger(t).Sugar(), srv, watcher.WithRequestTimeout(0))

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Eval(context.Background(), "hang")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(srv.Requests()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		var transportErr *watcher.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.ErrorIs(t, err, watcher.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not unblocked by Close")
	}
}

func TestAnomalousCloseIsLogged(t *testing.T) {
	cases := []struct {
		name      string
		code      websocket.StatusCode
		expLogged bool
	}{
		{name: "going away", code: websocket.StatusGoingAway, expLogged: true},
		{name: "application code", code: 4000, expLogged: true},
		{name: "graceful", code: watcher.StatusGraceful, expLogged: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			srv := startServer(t)
			client := newClient(t, zap.New(core).Sugar(), srv)

			require.NoError(t, srv.CloseConn(c.code, "bye"))

			select {
			case <-client.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("client did not notice the close")
			}

			anomalies := logs.FilterMessage("connection closed with unexpected code")
			if !c.expLogged {
				assert.Equal(t, 0, anomalies.Len())
			} else {
				require.Equal(t, 1, anomalies.Len())
				fields := anomalies.All()[0].ContextMap()
				assert.EqualValues(t, c.code, fields["Code"])
				assert.Equal(t, "bye", fields["Reason"])
				assert.NotEmpty(t, fields["ConnID"])
			}

			assert.Equal(t, watcher.StateClosed, client.State())
			assert.NoError(t, client.Close())

			_, err := client.Eval(context.Background(), "return 1")
			assert.ErrorIs(t, err, watcher.ErrClosed)
		})
	}
}

func TestHandshakeFailure(t *testing.T) {
	tlsConfig, err := testCerts(t).ClientTLSConfig()
	require.NoError(t, err)
	log := zaptest.NewLogger(t).Sugar()

	t.Run("wrong validation packet", func(t *testing.T) {
		srv := startServer(t, watchertest.WithValidationAction("nope"))
		_, err := watcher.NewClient(context.Background(), log, tlsConfig, srv.Host(), srv.Port())
		assert.ErrorContains(t, err, "validation")
	})

	t.Run("no validation before timeout", func(t *testing.T) {
		srv := startServer(t, watchertest.WithValidationAction(""))
		_, err := watcher.NewClient(context.Background(), log, tlsConfig, srv.Host(), srv.Port(),
			watcher.WithHandshakeTimeout(200*time.Millisecond))
		assert.ErrorContains(t, err, "validation")
	})

	t.Run("nothing listening", func(t *testing.T) {
		port, err := net.GetEphemeralTCPPort()
		require.NoError(t, err)
		_, err = watcher.NewClient(context.Background(), log, tlsConfig, "127.0.0.1", port,
			watcher.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
				r.RetryMax = 0
			}))
		assert.ErrorContains(t, err, "dialing watcher")
	})

	t.Run("untrusted client cert", func(t *testing.T) {
		srv := startServer(t)
		otherCerts, err := watcher.GenerateCerts()
		require.NoError(t, err)
		// trust the right CA, but present a cert signed by some other CA
		otherTLS, err := watcher.ClientTLSConfig(testCerts(t).CA.CertPEMBytes, otherCerts.Client.CertPEMBytes, otherCerts.Client.KeyPEMBytes)
		require.NoError(t, err)
		_, err = watcher.NewClient(context.Background(), log, otherTLS, srv.Host(), srv.Port(),
			watcher.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
				r.RetryMax = 0
			}))
		assert.Error(t, err)
	})
}
