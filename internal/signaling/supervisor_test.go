package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
)

// wsServer accepts websocket connections and hands the server side to the
// test.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func testOffer(t *testing.T) domain.Envelope {
	t.Helper()
	env, err := domain.NewOffer("bob", "alice",
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.NoError(t, err)
	return env
}

// collector gathers envelopes delivered to a bound handler.
type collector struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (c *collector) handle(env domain.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestChannelRegistersUnderIdentifier(t *testing.T) {
	ids := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ids <- r.URL.Query().Get("userId")
		upgrader := websocket.Upgrader{}
		if conn, err := upgrader.Upgrade(w, r, nil); err == nil {
			conn.Close()
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ch, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"),
		"alice", zap.NewNop().Sugar())
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, "alice", <-ids)
}

func TestChannelDeliversRoutableEnvelopesOnly(t *testing.T) {
	srv := newWSServer(t)
	ch, err := Dial(context.Background(), srv.url(), "alice", zap.NewNop().Sugar())
	require.NoError(t, err)
	defer ch.Close()

	var got collector
	ch.Bind(got.handle)
	ch.Listen()

	server := srv.accept(t)
	require.NoError(t, server.WriteJSON(domain.Envelope{Kind: domain.KindConnected, Message: "hi"}))
	require.NoError(t, server.WriteJSON(testOffer(t)))

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, domain.KindOffer, got.envs[0].Kind)
}

func TestChannelSend(t *testing.T) {
	srv := newWSServer(t)
	ch, err := Dial(context.Background(), srv.url(), "alice", zap.NewNop().Sugar())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(testOffer(t)))

	server := srv.accept(t)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	require.NoError(t, server.ReadJSON(&env))
	assert.Equal(t, domain.KindOffer, env.Kind)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(testOffer(t)), domain.ErrChannelClosed)
}

func TestChannelCloseSuppressesOnClose(t *testing.T) {
	srv := newWSServer(t)
	ch, err := Dial(context.Background(), srv.url(), "alice", zap.NewNop().Sugar())
	require.NoError(t, err)

	var fired atomic.Bool
	ch.OnClose(func(error) { fired.Store(true) })
	ch.Listen()
	srv.accept(t)

	require.NoError(t, ch.Close())
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load(), "intentional close must not look like a failure")
}

func TestSupervisorReconnectsAfterUnexpectedClose(t *testing.T) {
	srv := newWSServer(t)
	var dials atomic.Int32
	dial := func(ctx context.Context) (*Channel, error) {
		dials.Add(1)
		return Dial(ctx, srv.url(), "alice", zap.NewNop().Sugar())
	}

	sup := NewSupervisor(dial, 50*time.Millisecond, 1, zap.NewNop().Sugar(), nil)
	var got collector
	sup.Bind(got.handle)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Close()

	first := srv.accept(t)
	first.Close()

	require.Eventually(t, func() bool { return dials.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	// The handler survives the reconnect.
	second := srv.accept(t)
	require.NoError(t, second.WriteJSON(testOffer(t)))
	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorNeverReconnectsAfterClose(t *testing.T) {
	srv := newWSServer(t)
	var dials atomic.Int32
	dial := func(ctx context.Context) (*Channel, error) {
		dials.Add(1)
		return Dial(ctx, srv.url(), "alice", zap.NewNop().Sugar())
	}

	sup := NewSupervisor(dial, 30*time.Millisecond, 1, zap.NewNop().Sugar(), nil)
	require.NoError(t, sup.Start(context.Background()))
	srv.accept(t)

	require.NoError(t, sup.Close())
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "teardown must not trigger redials")
	assert.ErrorIs(t, sup.Send(testOffer(t)), domain.ErrChannelClosed)
}

func TestSupervisorRetriesAndSurfacesErrors(t *testing.T) {
	srv := newWSServer(t)
	var failing atomic.Bool
	var dials atomic.Int32
	dial := func(ctx context.Context) (*Channel, error) {
		dials.Add(1)
		if failing.Load() {
			return nil, errors.New("relay unreachable")
		}
		return Dial(ctx, srv.url(), "alice", zap.NewNop().Sugar())
	}

	var failures atomic.Int32
	sup := NewSupervisor(dial, 20*time.Millisecond, 1, zap.NewNop().Sugar(),
		func(error) { failures.Add(1) })
	var got collector
	sup.Bind(got.handle)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Close()

	first := srv.accept(t)
	failing.Store(true)
	first.Close()

	require.Eventually(t, func() bool { return failures.Load() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"reconnect failures must be reported while retrying")

	// Once the relay is back the supervisor recovers on its own.
	failing.Store(false)
	second := srv.accept(t)
	require.NoError(t, second.WriteJSON(testOffer(t)))
	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorStartFailsWhenRelayDown(t *testing.T) {
	dial := func(ctx context.Context) (*Channel, error) {
		return nil, errors.New("connection refused")
	}
	sup := NewSupervisor(dial, 10*time.Millisecond, 2, zap.NewNop().Sugar(), nil)
	err := sup.Start(context.Background())
	require.Error(t, err)
}
