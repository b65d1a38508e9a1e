package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullo/streamly/internal/auth"
	"github.com/tullo/streamly/internal/capture"
	"github.com/tullo/streamly/internal/middleware"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/monitor"
	"github.com/tullo/streamly/internal/platform"
	"github.com/tullo/streamly/internal/repository"
	"github.com/tullo/streamly/internal/retention"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeResolver) Lookup(_ context.Context, url string) (platform.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return platform.ChannelInfo{}, f.err
	}
	return platform.ChannelInfo{PlatformID: "UC0123456789abcdefghijkl", Name: "Test Channel", URL: url}, nil
}

type fakePoller struct {
	err error
}

func (f *fakePoller) RunCycle(context.Context) (monitor.CycleResult, error) {
	return monitor.CycleResult{Active: 1, Due: 1, Probed: 1}, nil
}

func (f *fakePoller) PollChannel(context.Context, uuid.UUID) ([]models.Event, error) {
	return nil, f.err
}

type fakeCapturer struct {
	retryErr error
	retried  []uuid.UUID
}

func (f *fakeCapturer) Retry(_ context.Context, id uuid.UUID) error {
	f.retried = append(f.retried, id)
	return f.retryErr
}

func (f *fakeCapturer) Reconcile(context.Context) (capture.ReconcileResult, error) {
	return capture.ReconcileResult{Requeued: 2}, nil
}

type fakeSweeper struct{}

func (fakeSweeper) Sweep(context.Context) (retention.Result, error) {
	return retention.Result{Expired: 1, Deleted: 1}, nil
}

type testServer struct {
	store    *repository.BoltStore
	resolver *fakeResolver
	poller   *fakePoller
	capturer *fakeCapturer
	engine   *gin.Engine
	token    string
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	store, err := repository.NewBoltStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	jwtService := auth.NewJWTService("test-secret", 1)
	token, err := jwtService.GenerateToken("admin")
	require.NoError(t, err)

	ts := &testServer{
		store:    store,
		resolver: &fakeResolver{},
		poller:   &fakePoller{},
		capturer: &fakeCapturer{},
		token:    token,
	}
	ts.engine = Router{
		Auth:      NewAuthHandler(auth.Operator{Username: "admin", PasswordHash: hash}, jwtService),
		Channels:  NewChannelHandler(store, store, ts.resolver, ts.poller, time.Minute),
		Streams:   NewStreamHandler(store, store),
		Downloads: NewDownloadHandler(store, ts.capturer),
		Ops:       NewOpsHandler(ts.poller, fakeSweeper{}, ts.capturer),
		AuthMW:    middleware.AuthMiddleware(jwtService),
	}.Engine()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestIssueToken(t *testing.T) {
	ts := setupServer(t)
	ts.token = ""

	w := ts.do(t, http.MethodPost, "/auth/token", TokenRequest{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/auth/token", TokenRequest{Username: "admin", Password: "hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp TokenResponse
	decode(t, w, &resp)
	assert.Equal(t, "admin", resp.Operator)

	ts.token = resp.Token
	w = ts.do(t, http.MethodGet, "/api/v1/me", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"operator":"admin"}`, w.Body.String())
}

func TestAPI_RequiresToken(t *testing.T) {
	ts := setupServer(t)
	ts.token = ""
	w := ts.do(t, http.MethodGet, "/api/v1/channels", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateChannel(t *testing.T) {
	ts := setupServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/channels", models.CreateChannelRequest{URL: "https://www.youtube.com/@test", PollInterval: "5m"})
	require.Equal(t, http.StatusCreated, w.Code)
	var ch models.Channel
	decode(t, w, &ch)
	assert.Equal(t, "UC0123456789abcdefghijkl", ch.PlatformID)
	assert.Equal(t, "Test Channel", ch.Name)
	assert.Equal(t, 5*time.Minute, ch.PollInterval)
	assert.True(t, ch.Active)
	assert.Equal(t, 1, ts.resolver.calls)

	w = ts.do(t, http.MethodPost, "/api/v1/channels", models.CreateChannelRequest{URL: "https://www.youtube.com/@test"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 2, ts.resolver.calls)
}

func TestCreateChannel_Validation(t *testing.T) {
	ts := setupServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/channels", models.CreateChannelRequest{URL: "x", PollInterval: "5s"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/channels", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, ts.resolver.calls)

	ts.resolver.err = platform.Permanent("lookup", errors.New("no such channel"))
	w = ts.do(t, http.MethodPost, "/api/v1/channels", models.CreateChannelRequest{URL: "https://www.youtube.com/@gone"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	ts.resolver.err = platform.Transient("lookup", errors.New("timeout"))
	w = ts.do(t, http.MethodPost, "/api/v1/channels", models.CreateChannelRequest{URL: "https://www.youtube.com/@slow"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestChannelLifecycle(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()
	ch := &models.Channel{PlatformID: "C1", Name: "One", Active: true, PollInterval: time.Minute}
	require.NoError(t, ts.store.CreateChannel(ctx, ch))
	require.NoError(t, ts.store.RecordCheck(ctx, ch.ID, time.Now(), 4))
	path := "/api/v1/channels/" + ch.ID.String()

	w := ts.do(t, http.MethodPatch, path, map[string]interface{}{"poll_interval": "10m", "retention_days": 3})
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Channel
	decode(t, w, &got)
	assert.Equal(t, 10*time.Minute, got.PollInterval)
	require.NotNil(t, got.RetentionDays)
	assert.Equal(t, 3, *got.RetentionDays)

	w = ts.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stored, err := ts.store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	w = ts.do(t, http.MethodGet, "/api/v1/channels?active=true", nil)
	var active []models.Channel
	decode(t, w, &active)
	assert.Empty(t, active)

	w = ts.do(t, http.MethodPatch, path, map[string]interface{}{"active": true})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &got)
	assert.True(t, got.Active)
	assert.Zero(t, got.ConsecutiveFailures)

	w = ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/channels/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/channels/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckChannel(t *testing.T) {
	ts := setupServer(t)
	id := uuid.New().String()

	w := ts.do(t, http.MethodPost, "/api/v1/channels/"+id+"/check", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.poller.err = monitor.ErrProbeInFlight
	w = ts.do(t, http.MethodPost, "/api/v1/channels/"+id+"/check", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	ts.poller.err = platform.Transient("probe", errors.New("timeout"))
	w = ts.do(t, http.MethodPost, "/api/v1/channels/"+id+"/check", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestStreamsAndDownloads(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()
	ch := &models.Channel{PlatformID: "C1", Name: "One", Active: true, PollInterval: time.Minute}
	require.NoError(t, ts.store.CreateChannel(ctx, ch))
	ls := &models.LiveStream{ChannelID: ch.ID, VideoID: "V1", Title: "Live", StartedAt: time.Now()}
	require.NoError(t, ts.store.CreateStream(ctx, ls))
	_, err := ts.store.EndStream(ctx, ls.ID, time.Now())
	require.NoError(t, err)
	pair, err := ts.store.CreateDownloadPair(ctx, ls.ID, time.Now())
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/v1/streams?state=ended&channel_id="+ch.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var streams []models.LiveStream
	decode(t, w, &streams)
	require.Len(t, streams, 1)
	assert.Equal(t, "V1", streams[0].VideoID)

	w = ts.do(t, http.MethodGet, "/api/v1/streams?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/streams/V1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Stream    models.LiveStream `json:"stream"`
		Downloads []models.Download `json:"downloads"`
	}
	decode(t, w, &detail)
	assert.Len(t, detail.Downloads, 2)

	w = ts.do(t, http.MethodGet, "/api/v1/streams/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/downloads?status=pending", nil)
	var downloads []models.Download
	decode(t, w, &downloads)
	assert.Len(t, downloads, 2)

	w = ts.do(t, http.MethodPost, "/api/v1/downloads/"+pair[0].ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []uuid.UUID{pair[0].ID}, ts.capturer.retried)

	ts.capturer.retryErr = capture.ErrNotRetryable
	w = ts.do(t, http.MethodPost, "/api/v1/downloads/"+pair[1].ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOps(t *testing.T) {
	ts := setupServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/ops/poll", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cycle monitor.CycleResult
	decode(t, w, &cycle)
	assert.Equal(t, 1, cycle.Probed)

	w = ts.do(t, http.MethodPost, "/api/v1/ops/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sweep retention.Result
	decode(t, w, &sweep)
	assert.Equal(t, 1, sweep.Deleted)

	w = ts.do(t, http.MethodPost, "/api/v1/ops/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec capture.ReconcileResult
	decode(t, w, &rec)
	assert.Equal(t, 2, rec.Requeued)
}
