package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"concierge-intercom/internal/coordinator"
	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	"concierge-intercom/internal/telephony"
	intercom_errors "concierge-intercom/pkg/errors"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticVerifier string

func (v staticVerifier) Verify(token string) (string, error) {
	if token != string(v) {
		return "", errors.New("bad token")
	}
	return "shell", nil
}

type testServer struct {
	srv   *httptest.Server
	hub   *Hub
	shell *ShellLink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	shell := NewShellLink(nil, time.Second)

	h := NewHandler(hub, shell, staticVerifier("secret"), nil, nil)
	r := gin.New()
	r.GET("/v1/events", h.Events)
	r.GET("/v1/shell", h.Shell)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{srv: srv, hub: hub, shell: shell}
}

func (ts *testServer) dial(t *testing.T, path string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + path
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gws.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShellRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/shell?token=nope"
	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestShellCommandsAreAcked(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/v1/shell?token=secret")
	waitFor(t, ts.shell.Connected)

	errs := make(chan error, 1)
	go func() {
		errs <- ts.shell.ReportIncomingCall(context.Background(), call.Snapshot{ID: "c1", CallerName: "Front Desk"})
	}()
	f := readFrame(t, conn)
	assert.Equal(t, frameCommand, f.Type)
	assert.Equal(t, cmdReportIncoming, f.Command)
	require.NotNil(t, f.Call)
	assert.Equal(t, "Front Desk", f.Call.CallerName)
	require.NoError(t, conn.WriteJSON(Frame{Type: frameAck, ID: f.ID}))
	require.NoError(t, <-errs)

	ts.shell.SetMediaURL("wss://media.local")
	go func() {
		errs <- ts.shell.Join(context.Background(), "intercom_c1", "tok", "resident-1")
	}()
	f = readFrame(t, conn)
	assert.Equal(t, cmdMediaJoin, f.Command)
	assert.Equal(t, "intercom_c1", f.Channel)
	assert.Equal(t, "wss://media.local", f.URL)
	require.NoError(t, conn.WriteJSON(Frame{Type: frameAck, ID: f.ID, Error: "microphone denied"}))
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "microphone denied")
}

func TestShellUnavailableWithoutConnection(t *testing.T) {
	shell := NewShellLink(nil, 10*time.Millisecond)
	err := shell.ReportConnected(context.Background(), "c1")
	assert.ErrorIs(t, err, intercom_errors.ErrServiceUnavailable)
}

func TestShellDeliversActionsAndMediaEvents(t *testing.T) {
	ts := newTestServer(t)
	actions := make(chan telephony.Action, 1)
	media := make(chan coordinator.MediaEvent, 2)
	ts.shell.OnAction(func(a telephony.Action) { actions <- a })
	ts.shell.Subscribe(func(ev coordinator.MediaEvent) { media <- ev })

	conn := ts.dial(t, "/v1/shell?token=secret")
	waitFor(t, ts.shell.Connected)

	require.NoError(t, conn.WriteJSON(Frame{Type: frameAction, Action: &telephony.Action{Kind: telephony.ActionAnswer, CallID: "c1"}}))
	require.NoError(t, conn.WriteJSON(Frame{Type: frameAction, Action: &telephony.Action{Kind: "dance"}}))
	require.NoError(t, conn.WriteJSON(Frame{Type: frameMedia, Media: &coordinator.MediaEvent{State: coordinator.MediaConnected, ChannelName: "intercom_c1"}}))

	select {
	case a := <-actions:
		assert.Equal(t, telephony.ActionAnswer, a.Kind)
		assert.Equal(t, "c1", a.CallID)
		assert.False(t, a.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("action not delivered")
	}
	select {
	case ev := <-media:
		assert.Equal(t, coordinator.MediaConnected, ev.State)
	case <-time.After(2 * time.Second):
		t.Fatal("media event not delivered")
	}
	assert.Empty(t, actions, "invalid action must be dropped")
}

func TestShellDisconnectDropsMedia(t *testing.T) {
	ts := newTestServer(t)
	media := make(chan coordinator.MediaEvent, 1)
	ts.shell.Subscribe(func(ev coordinator.MediaEvent) { media <- ev })

	conn := ts.dial(t, "/v1/shell?token=secret")
	waitFor(t, ts.shell.Connected)

	errs := make(chan error, 1)
	go func() { errs <- ts.shell.Join(context.Background(), "intercom_c1", "tok", "u") }()
	f := readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(Frame{Type: frameAck, ID: f.ID}))
	require.NoError(t, <-errs)

	require.NoError(t, conn.Close())
	select {
	case ev := <-media:
		assert.Equal(t, coordinator.MediaDisconnected, ev.State)
		assert.Equal(t, "intercom_c1", ev.ChannelName)
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect event")
	}
	assert.False(t, ts.shell.Connected())
}

func TestHubStreamsEnvelopes(t *testing.T) {
	ts := newTestServer(t)
	all := ts.dial(t, "/v1/events?token=secret")
	filtered := ts.dial(t, "/v1/events?token=secret&kinds=call.session_ended")
	waitFor(t, func() bool { return ts.hub.ClientCount() == 2 })

	stream := events.NewStream()
	ts.hub.Attach(stream)
	defer ts.hub.Detach()

	snap := call.Snapshot{ID: "c1", State: call.StateRinging}
	stream.Publish(
		events.Event{Kind: events.KindSessionCreated, CallID: "c1", Session: &snap, OccurredAt: time.Now()},
		events.Event{Kind: events.KindSessionEnded, CallID: "c1", Session: &snap, OccurredAt: time.Now()},
	)

	readEnvelope := func(conn *gws.Conn) events.Envelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env events.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	assert.Equal(t, events.KindSessionCreated, readEnvelope(all).EventType)
	assert.Equal(t, events.KindSessionEnded, readEnvelope(all).EventType)
	env := readEnvelope(filtered)
	assert.Equal(t, events.KindSessionEnded, env.EventType)
	assert.Equal(t, "c1", env.AggregateID)
}
