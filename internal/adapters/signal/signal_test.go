package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media/mediatest"
)

type testServer struct {
	url  string
	orch *orch.Orchestrator
	ctl  *SignalWSController
}

func newTestServer(t *testing.T, limiter *RoomRateLimiter, extra map[string]handlerFunc) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router, err := mediatest.NewRouter()
	if err != nil {
		t.Fatal(err)
	}
	coord := sfu.NewCoordinator()
	coord.SetRouter(router)
	o := orch.New(app.NewRegistry(), core.NewRoomManager(), coord, app.SimplePolicy{})
	ctl := NewSignalWSController(o, limiter, Options{RequestTimeout: time.Second, PingPeriod: time.Second})
	for method, h := range extra {
		ctl.handlers[method] = h
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("ct"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", orch: o, ctl: ctl}
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	codec  Codec
	nextID uint64
	notes  []map[string]any
}

func (s *testServer) dial(t *testing.T, subprotocol, token string) *client {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	if subprotocol != "" {
		d.Subprotocols = []string{subprotocol}
	}
	ws, _, err := d.Dial(s.url+"?ct="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws, codec: codecFor(ws.Subprotocol())}
}

func (c *client) read() map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, b, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	if mt != c.codec.MessageType() {
		c.t.Fatalf("message type = %d, want %d", mt, c.codec.MessageType())
	}
	var m map[string]any
	if err := c.codec.Decode(b, &m); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return m
}

func (c *client) writeRaw(b []byte) {
	c.t.Helper()
	if err := c.ws.WriteMessage(c.codec.MessageType(), b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// call sends one request and returns its ack, queueing notifications
// that arrive in between.
func (c *client) call(method string, data any) map[string]any {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	b, err := c.codec.Encode(map[string]any{"id": id, "method": method, "data": data})
	if err != nil {
		c.t.Fatal(err)
	}
	c.writeRaw(b)
	return c.ackFor(id)
}

func (c *client) ackFor(id uint64) map[string]any {
	c.t.Helper()
	for {
		m := c.read()
		raw, ok := m["id"]
		if !ok {
			c.notes = append(c.notes, m)
			continue
		}
		if fmt.Sprint(raw) == fmt.Sprint(id) {
			return m
		}
	}
}

func (c *client) mustOK(method string, data any) map[string]any {
	c.t.Helper()
	ack := c.call(method, data)
	if ack["ok"] != true {
		c.t.Fatalf("%s: ack = %v", method, ack)
	}
	return ack
}

func (c *client) mustFail(method string, data any, want string) {
	c.t.Helper()
	ack := c.call(method, data)
	if ack["ok"] != false || !strings.Contains(fmt.Sprint(ack["error"]), want) {
		c.t.Fatalf("%s: ack = %v, want error containing %q", method, ack, want)
	}
}

func (c *client) event(name string) map[string]any {
	c.t.Helper()
	for {
		for i, n := range c.notes {
			if n["event"] == name {
				c.notes = append(c.notes[:i], c.notes[i+1:]...)
				data, _ := n["data"].(map[string]any)
				return data
			}
		}
		m := c.read()
		if _, isAck := m["id"]; isAck {
			c.t.Fatalf("unexpected ack while waiting for %s: %v", name, m)
		}
		c.notes = append(c.notes, m)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var (
	dtls = map[string]any{
		"role":         "client",
		"fingerprints": []any{map[string]any{"algorithm": "sha-256", "value": "00:11"}},
	}
	vp8 = map[string]any{
		"codecs":    []any{map[string]any{"mimeType": "video/VP8", "payloadType": 101, "clockRate": 90000}},
		"encodings": []any{map[string]any{"ssrc": 2222}},
	}
)

func (c *client) connectedTransport(dir string) string {
	c.t.Helper()
	ack := c.mustOK(MethodCreateWebRtcTransport, map[string]any{"direction": dir})
	params := ack["params"].(map[string]any)
	id := params["id"].(string)
	for _, key := range []string{"iceParameters", "iceCandidates", "dtlsParameters"} {
		if _, ok := params[key]; !ok {
			c.t.Fatalf("transport params missing %s: %v", key, params)
		}
	}
	c.mustOK(MethodConnectWebRtcTransport, map[string]any{"transportId": id, "dtlsParameters": dtls})
	return id
}

func TestSignalPublishSubscribeFlow(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	a := srv.dial(t, "", "ta")
	ack := a.mustOK(MethodJoinRoom, map[string]any{"sessionId": "r1", "displayName": "Alice"})
	if peers := ack["peers"].([]any); len(peers) != 0 {
		t.Fatalf("peers = %v", peers)
	}
	aID := ack["peerId"].(string)

	caps := a.mustOK(MethodGetRouterRtpCaps, nil)["rtpCapabilities"]
	sendID := a.connectedTransport("send")
	producerID := a.mustOK(MethodProduce, map[string]any{
		"transportId": sendID, "kind": "video", "rtpParameters": vp8,
	})["producerId"].(string)

	b := srv.dial(t, "", "tb")
	ack = b.mustOK(MethodJoinRoom, map[string]any{"sessionId": "r1", "displayName": "Bob"})
	if peers := ack["peers"].([]any); len(peers) != 1 || peers[0].(map[string]any)["peerId"] != aID {
		t.Fatalf("peers = %v", peers)
	}
	for _, n := range b.notes {
		if n["event"] == "newProducer" {
			t.Fatal("catch-up newProducer arrived before the join ack")
		}
	}
	if np := b.event("newProducer"); np["producerId"] != producerID || np["kind"] != "video" {
		t.Fatalf("newProducer = %v", np)
	}
	if joined := a.event("participant-joined"); joined["displayName"] != "Bob" {
		t.Fatalf("participant-joined = %v", joined)
	}

	recvID := b.connectedTransport("recv")
	params := b.mustOK(MethodConsume, map[string]any{
		"transportId": recvID, "producerId": producerID, "rtpCapabilities": caps,
	})["params"].(map[string]any)
	if params["producerId"] != producerID || params["kind"] != "video" {
		t.Fatalf("consumer params = %v", params)
	}
	consumerID := params["id"].(string)
	b.mustOK(MethodResume, map[string]any{"consumerId": consumerID})

	list := b.mustOK(MethodGetProducers, nil)["producers"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["producerId"] != producerID {
		t.Fatalf("producers = %v", list)
	}

	_ = a.ws.Close()
	if left := b.event("participant-left"); left["peerId"] != aID {
		t.Fatalf("participant-left = %v", left)
	}
	if closed := b.event("consumerClosed"); closed["consumerId"] != consumerID {
		t.Fatalf("consumerClosed = %v", closed)
	}
	eventually(t, func() bool { return srv.orch.Stats().Peers == 1 && srv.orch.Stats().Producers == 0 })

	b.mustFail(MethodConsume, map[string]any{
		"transportId": recvID, "producerId": producerID, "rtpCapabilities": caps,
	}, domain.ErrProducerNotFound.Error())
}

func TestSignalErrorsKeepConnectionUsable(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	c := srv.dial(t, "", "t")

	c.mustFail("teleport", nil, "unknown method")
	c.mustFail(MethodCreateWebRtcTransport, map[string]any{"direction": "send"}, domain.ErrPeerNotFound.Error())
	c.mustFail(MethodJoinRoom, map[string]any{"sessionId": ""}, domain.ErrInvalidSessionID.Error())
	c.mustOK(MethodJoinRoom, map[string]any{"sessionId": "r"})
	c.mustFail(MethodJoinRoom, map[string]any{"sessionId": "r"}, domain.ErrAlreadyJoined.Error())
	c.mustFail(MethodCreateWebRtcTransport, map[string]any{"direction": "sideways"}, domain.ErrBadRequest.Error())
	c.mustFail(MethodProduce, map[string]any{"kind": "video"}, "transportId is required")
	c.mustFail(MethodResume, map[string]any{"consumerId": "nope"}, domain.ErrConsumerNotFound.Error())

	c.writeRaw([]byte("{"))
	if ack := c.ackFor(0); ack["ok"] != false {
		t.Fatalf("malformed frame ack = %v", ack)
	}
	c.mustOK(MethodPing, nil)
}

func TestSignalMsgpackSubprotocol(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	c := srv.dial(t, SubprotocolMsgpack, "t")
	if got := c.ws.Subprotocol(); got != SubprotocolMsgpack {
		t.Fatalf("subprotocol = %q", got)
	}
	ack := c.mustOK(MethodJoinRoom, map[string]any{"sessionId": "r", "displayName": "Mia"})
	if _, ok := ack["peerId"].(string); !ok {
		t.Fatalf("ack = %v", ack)
	}
	ack = c.mustOK(MethodCreateWebRtcTransport, map[string]any{"direction": "recv"})
	if _, ok := ack["params"].(map[string]any)["dtlsParameters"]; !ok {
		t.Fatalf("ack = %v", ack)
	}
	c.mustOK(MethodPing, nil)
}

func TestSignalJoinRateLimited(t *testing.T) {
	srv := newTestServer(t, NewRoomRateLimiter(1, time.Minute), nil)
	c := srv.dial(t, "", "same-client")
	c.mustOK(MethodJoinRoom, map[string]any{"sessionId": "r"})
	c.mustOK(MethodLeaveRoom, nil)
	c.mustFail(MethodJoinRoom, map[string]any{"sessionId": "r"}, domain.ErrRateLimited.Error())

	other := srv.dial(t, "", "other-client")
	other.mustOK(MethodJoinRoom, map[string]any{"sessionId": "r"})
}

func TestSignalHandlerPanicIsIsolated(t *testing.T) {
	boom := func(context.Context, *session, []byte) (reply, error) { panic("boom") }
	srv := newTestServer(t, nil, map[string]handlerFunc{"boom": boom})
	c := srv.dial(t, "", "t")
	c.mustFail("boom", nil, errInternal.Error())
	c.mustOK(MethodPing, nil)
}

func TestSignalKickClosesConnection(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	c := srv.dial(t, "", "t")
	id := c.mustOK(MethodJoinRoom, map[string]any{"sessionId": "r"})["peerId"].(string)

	srv.orch.Kick(domain.PeerID(id))
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
	eventually(t, func() bool { s := srv.orch.Stats(); return s.Peers == 0 && s.Connections == 0 })
}

func TestOriginChecker(t *testing.T) {
	cases := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://evil.example", true},
		{[]string{"*"}, "https://evil.example", true},
		{[]string{"https://app.example"}, "https://app.example", true},
		{[]string{"app.example"}, "https://app.example", true},
		{[]string{"https://app.example"}, "https://evil.example", false},
		{[]string{"https://app.example"}, "", true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := originChecker(tc.allowed)(r); got != tc.want {
			t.Errorf("allowed=%v origin=%q: got %v", tc.allowed, tc.origin, got)
		}
	}
}
