package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"concierge-intercom/internal/coordinator"
	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/push"
	intercom_errors "concierge-intercom/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	active   *call.Snapshot
	user     *call.CurrentUser
	err      error
	calls    []string
	outgoing coordinator.OutgoingCall
	reason   string
	endKind  call.EndKind
	toggled  *bool
}

func (f *fakeCoordinator) IsReady() bool { return true }

func (f *fakeCoordinator) ActiveSession() (call.Snapshot, bool) {
	if f.active == nil {
		return call.Snapshot{}, false
	}
	return *f.active, true
}

func (f *fakeCoordinator) CurrentUser() (call.CurrentUser, bool) {
	if f.user == nil {
		return call.CurrentUser{}, false
	}
	return *f.user, true
}

func (f *fakeCoordinator) SetCurrentUser(_ context.Context, u call.CurrentUser) error {
	f.calls = append(f.calls, "set_user")
	if f.err != nil {
		return f.err
	}
	if err := u.Validate(); err != nil {
		return err
	}
	f.user = &u
	return nil
}

func (f *fakeCoordinator) ClearCurrentUser(context.Context) error {
	f.calls = append(f.calls, "clear_user")
	f.user = nil
	return f.err
}

func (f *fakeCoordinator) StartOutgoingCall(_ context.Context, req coordinator.OutgoingCall) (call.Snapshot, error) {
	f.calls = append(f.calls, "start")
	f.outgoing = req
	if f.err != nil {
		return call.Snapshot{}, f.err
	}
	snap := call.Snapshot{ID: "c1", IsOutgoing: true, State: call.StateDialing, ApartmentNumber: req.ApartmentNumber}
	f.active = &snap
	return snap, nil
}

func (f *fakeCoordinator) AnswerIncomingCall(context.Context) error {
	f.calls = append(f.calls, "answer")
	return f.err
}

func (f *fakeCoordinator) DeclineIncomingCall(_ context.Context, reason string) error {
	f.calls = append(f.calls, "decline")
	f.reason = reason
	return f.err
}

func (f *fakeCoordinator) EndActiveCall(_ context.Context, kind call.EndKind) error {
	f.calls = append(f.calls, "end")
	f.endKind = kind
	return f.err
}

func (f *fakeCoordinator) SetMuted(_ context.Context, muted bool) error {
	f.calls = append(f.calls, "mute")
	f.toggled = &muted
	return f.err
}

func (f *fakeCoordinator) SetSpeakerphoneOn(_ context.Context, on bool) error {
	f.calls = append(f.calls, "speaker")
	f.toggled = &on
	return f.err
}

type fakeIngestor struct {
	raw    string
	state  push.AppState
	result push.Result
}

func (f *fakeIngestor) Ingest(_ context.Context, raw []byte, state push.AppState) push.Result {
	f.raw = string(raw)
	f.state = state
	return f.result
}

type fakeRecoverer struct{ n int }

func (f *fakeRecoverer) Foreground() { f.n++ }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func newRouter(coord *fakeCoordinator, ing *fakeIngestor, rec *fakeRecoverer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	calls := NewCallHandler(coord)
	users := NewUserHandler(coord)
	pushes := NewPushHandler(ing, rec)

	r := gin.New()
	r.GET("/v1/user", users.Get)
	r.PUT("/v1/user", users.Set)
	r.DELETE("/v1/user", users.Clear)
	r.POST("/v1/calls", calls.Start)
	r.GET("/v1/calls/active", calls.Active)
	r.POST("/v1/calls/answer", calls.Answer)
	r.POST("/v1/calls/decline", calls.Decline)
	r.POST("/v1/calls/end", calls.End)
	r.POST("/v1/calls/mute", calls.Mute)
	r.POST("/v1/calls/speaker", calls.Speaker)
	r.POST("/v1/push", pushes.Push)
	r.POST("/v1/lifecycle/foreground", pushes.Foreground)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestStartCall(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newRouter(coord, &fakeIngestor{}, nil)

	w, env := do(t, r, http.MethodPost, "/v1/calls", `{"apartment_number":"12B","building_id":"b1","caller_name":"Lobby"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, env.Success)
	var snap call.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "c1", snap.ID)
	assert.Equal(t, "Lobby", coord.outgoing.CallerName)

	w, env = do(t, r, http.MethodPost, "/v1/calls", `{"apartment_number":"12B"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", env.Code)
	assert.Equal(t, []string{"start"}, coord.calls)
}

func TestStartCallMapsCoordinatorErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{intercom_errors.ErrAlreadyInCall, http.StatusConflict, "ALREADY_IN_CALL"},
		{intercom_errors.ErrNoCurrentUser, http.StatusPreconditionFailed, "NO_CURRENT_USER"},
		{intercom_errors.ErrNotReady, http.StatusServiceUnavailable, "NOT_READY"},
		{intercom_errors.ErrTokenIssuanceFailed, http.StatusBadGateway, "UPSTREAM_FAILED"},
	}
	for _, tc := range cases {
		r := newRouter(&fakeCoordinator{err: tc.err}, &fakeIngestor{}, nil)
		w, env := do(t, r, http.MethodPost, "/v1/calls", `{"apartment_number":"1","building_id":"b"}`)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, tc.code, env.Code)
		assert.False(t, env.Success)
	}
}

func TestActiveCall(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newRouter(coord, &fakeIngestor{}, nil)

	_, env := do(t, r, http.MethodGet, "/v1/calls/active", "")
	assert.JSONEq(t, `{"session":null}`, string(env.Data))

	coord.active = &call.Snapshot{ID: "c9", State: call.StateRinging}
	_, env = do(t, r, http.MethodGet, "/v1/calls/active", "")
	var res struct {
		Session call.Snapshot `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "c9", res.Session.ID)
}

func TestAnswerDeclineEnd(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newRouter(coord, &fakeIngestor{}, nil)

	w, _ := do(t, r, http.MethodPost, "/v1/calls/answer", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodPost, "/v1/calls/decline", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, coord.reason)

	do(t, r, http.MethodPost, "/v1/calls/decline", `{"reason":"busy"}`)
	assert.Equal(t, "busy", coord.reason)

	do(t, r, http.MethodPost, "/v1/calls/end", "")
	assert.Equal(t, call.EndKindHangup, coord.endKind)
	do(t, r, http.MethodPost, "/v1/calls/end", `{"kind":"decline"}`)
	assert.Equal(t, call.EndKindDecline, coord.endKind)

	assert.Equal(t, []string{"answer", "decline", "decline", "end", "end"}, coord.calls)

	coord.err = intercom_errors.ErrNoActiveCall
	w, env := do(t, r, http.MethodPost, "/v1/calls/answer", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_ACTIVE_CALL", env.Code)
}

func TestToggles(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newRouter(coord, &fakeIngestor{}, nil)

	w, _ := do(t, r, http.MethodPost, "/v1/calls/mute", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, coord.toggled)
	assert.True(t, *coord.toggled)

	w, _ = do(t, r, http.MethodPost, "/v1/calls/speaker", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, *coord.toggled)

	w, _ = do(t, r, http.MethodPost, "/v1/calls/mute", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []string{"mute", "speaker"}, coord.calls)
}

func TestUserLifecycle(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newRouter(coord, &fakeIngestor{}, nil)

	_, env := do(t, r, http.MethodGet, "/v1/user", "")
	assert.True(t, env.Success)
	assert.Empty(t, env.Data)

	w, _ := do(t, r, http.MethodPut, "/v1/user", `{"id":"r1","user_type":"resident","building_id":"b1","apartment_number":"4A"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, coord.user)
	assert.Equal(t, "4A", coord.user.ApartmentNumber)

	w, env = do(t, r, http.MethodPut, "/v1/user", `{"id":"r1","user_type":"janitor"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", env.Code)

	w, _ = do(t, r, http.MethodDelete, "/v1/user", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, coord.user)

	coord.err = intercom_errors.ErrAlreadyInCall
	w, _ = do(t, r, http.MethodPut, "/v1/user", `{"id":"r2","user_type":"resident"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPush(t *testing.T) {
	ing := &fakeIngestor{result: push.Result{Outcome: push.OutcomeDelivered, CallID: "c1"}}
	rec := &fakeRecoverer{}
	r := newRouter(&fakeCoordinator{}, ing, rec)

	w, env := do(t, r, http.MethodPost, "/v1/push", `{"type":"intercom_call","callId":"c1"}`, AppStateHeader, "foreground")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, push.AppStateForeground, ing.state)
	assert.Contains(t, ing.raw, `"callId":"c1"`)

	do(t, r, http.MethodPost, "/v1/push", `{}`)
	assert.Equal(t, push.AppStateBackground, ing.state)

	ing.result = push.Result{Outcome: push.OutcomeNotReady}
	w, env = do(t, r, http.MethodPost, "/v1/push", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NOT_READY", env.Code)

	w, _ = do(t, r, http.MethodPost, "/v1/push", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/v1/lifecycle/foreground", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, rec.n)
}
