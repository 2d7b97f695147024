package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
)

func startHub(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	hub := NewHub(cfg, zap.NewNop().Sugar(), NewMetrics())
	hub.Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dial connects as id and consumes the registration greeting.
func dial(t *testing.T, wsURL, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?userId="+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	greeting := readEnvelope(t, conn)
	require.Equal(t, domain.KindConnected, greeting.Kind)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no message to arrive")
}

func TestForwardsEnvelopeVerbatim(t *testing.T) {
	_, wsURL := startHub(t, Config{})
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	// Extra fields must survive the relay untouched.
	raw := `{"type":"offer","target":"bob","from":"alice","data":{"type":"offer","sdp":"v=0"},"custom":42}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(raw)))

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := bob.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(payload))
}

func TestOfferAnswerCandidateRoundTrip(t *testing.T) {
	_, wsURL := startHub(t, Config{})
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	offer, err := domain.NewOffer("alice", "bob", sdp("offer"))
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(offer))

	got := readEnvelope(t, bob)
	assert.Equal(t, domain.KindOffer, got.Kind)
	assert.Equal(t, domain.ParticipantID("alice"), got.From)

	answer, err := domain.NewAnswer("bob", "alice", sdp("answer"))
	require.NoError(t, err)
	require.NoError(t, bob.WriteJSON(answer))

	got = readEnvelope(t, alice)
	assert.Equal(t, domain.KindAnswer, got.Kind)
	assert.Equal(t, domain.ParticipantID("bob"), got.From)

	candidate, err := domain.NewCandidate("alice", "bob", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 4242 typ host"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(candidate))

	got = readEnvelope(t, bob)
	assert.Equal(t, domain.KindICECandidate, got.Kind)
	init, err := got.Candidate()
	require.NoError(t, err)
	assert.Contains(t, init.Candidate, "10.0.0.1")
}

func TestDropsEnvelopeForUnknownTarget(t *testing.T) {
	_, wsURL := startHub(t, Config{})
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	offer, err := domain.NewOffer("alice", "ghost", sdp("offer"))
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(offer))

	// No error notification, and the connection stays usable.
	offer2, err := domain.NewOffer("alice", "bob", sdp("offer"))
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(offer2))
	got := readEnvelope(t, bob)
	assert.Equal(t, domain.KindOffer, got.Kind)
	expectNoMessage(t, alice)
}

func TestDropsMalformedAndUnknownKind(t *testing.T) {
	_, wsURL := startHub(t, Config{})
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"shout","target":"bob"}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"offer","data":{}}`)))

	// The sender is never disconnected for bad input.
	offer, err := domain.NewOffer("alice", "bob", sdp("offer"))
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(offer))
	got := readEnvelope(t, bob)
	assert.Equal(t, domain.KindOffer, got.Kind)
	expectNoMessage(t, bob)
}

func TestLaterRegistrationSupersedes(t *testing.T) {
	hub, wsURL := startHub(t, Config{})
	alice := dial(t, wsURL, "alice")
	bobOld := dial(t, wsURL, "bob")
	bobNew := dial(t, wsURL, "bob")

	offer, err := domain.NewOffer("alice", "bob", sdp("offer"))
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(offer))

	got := readEnvelope(t, bobNew)
	assert.Equal(t, domain.KindOffer, got.Kind)
	expectNoMessage(t, bobOld)

	// The displaced connection closing must not evict the newer one.
	bobOld.Close()
	require.Eventually(t, func() bool {
		return hub.IsConnected("bob")
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.WriteJSON(offer))
	got = readEnvelope(t, bobNew)
	assert.Equal(t, domain.KindOffer, got.Kind)
}

func TestUnregisteredConnectionCanStillSend(t *testing.T) {
	_, wsURL := startHub(t, Config{})
	bob := dial(t, wsURL, "bob")

	anon, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.NoError(t, err)
	defer anon.Close()

	offer, err := domain.NewOffer("", "bob", sdp("offer"))
	require.NoError(t, err)
	require.NoError(t, anon.WriteJSON(offer))

	got := readEnvelope(t, bob)
	assert.Equal(t, domain.KindOffer, got.Kind)
}

func TestDisconnectRemovesRoute(t *testing.T) {
	hub, wsURL := startHub(t, Config{})
	bob := dial(t, wsURL, "bob")
	require.True(t, hub.IsConnected("bob"))

	bob.Close()
	require.Eventually(t, func() bool {
		return !hub.IsConnected("bob")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRateLimitDropsExcess(t *testing.T) {
	_, wsURL := startHub(t, Config{MessagesPerSecond: 1, Burst: 1})
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	offer, err := domain.NewOffer("alice", "bob", sdp("offer"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, alice.WriteJSON(offer))
	}

	got := readEnvelope(t, bob)
	assert.Equal(t, domain.KindOffer, got.Kind)
	expectNoMessage(t, bob)
}

func TestHealthEndpoint(t *testing.T) {
	_, wsURL := startHub(t, Config{})
	dial(t, wsURL, "alice")

	resp, err := http.Get(strings.Replace(wsURL, "ws", "http", 1) + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 1, body.Connections)
}

func TestCloseRefusesNewRegistrations(t *testing.T) {
	hub, wsURL := startHub(t, Config{})
	dial(t, wsURL, "alice")

	hub.Close()
	require.Empty(t, hub.ConnectedParticipants())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?userId=bob", nil)
	if err == nil {
		defer conn.Close()
		require.Eventually(t, func() bool {
			return !hub.IsConnected("bob")
		}, time.Second, 20*time.Millisecond)
	}
}

func sdp(kind string) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if kind == "answer" {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: "v=0 " + kind}
}
