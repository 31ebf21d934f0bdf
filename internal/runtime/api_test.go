package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/journal"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/samples"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeController struct {
	mu        sync.Mutex
	container *state.Container
	sampleIDs []string
	stopped   bool
}

func newFakeController() *fakeController {
	return &fakeController{container: state.NewContainer(state.Transcribed(""))}
}

func (f *fakeController) State() state.State             { return f.container.Current() }
func (f *fakeController) Subscribe() *state.Subscription { return f.container.Subscribe() }

func (f *fakeController) ToggleRecording(context.Context) (state.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return state.State{}, orchestrator.ErrStopped
	}
	s := state.Recording(recorder.Handle{SessionID: "s-1", Location: "/tmp/out.wav"})
	if err := f.container.Set(s); err != nil {
		return state.State{}, err
	}
	return s, nil
}

func (f *fakeController) StopRecording(context.Context) (state.State, error) {
	return f.container.Current(), nil
}

func (f *fakeController) TranscribeSample(_ context.Context, id string) (state.State, error) {
	f.mu.Lock()
	f.sampleIDs = append(f.sampleIDs, id)
	f.mu.Unlock()
	return f.container.Current(), nil
}

func (f *fakeController) ReloadModel(context.Context) (state.State, error) {
	current := f.container.Current()
	return current, fmt.Errorf("%w: reload while %s", orchestrator.ErrCommandUnavailable, current.Kind)
}

type staticSamples []samples.Sample

func (s staticSamples) List() []samples.Sample { return s }

type staticNodes []presence.NodeInfo

func (s staticNodes) Nodes() []presence.NodeInfo { return s }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(ctrl *fakeController) *api {
	return &api{
		ctrl:  ctrl,
		ready: func() bool { return true },
		log:   testLogger(),
	}
}

func serve(t *testing.T, a *api, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	a.router().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	a := newTestAPI(newFakeController())

	rec := serve(t, a, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = serve(t, a, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	a.ready = func() bool { return false }
	rec = serve(t, a, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRouteOnlyWhenHandlerConfigured(t *testing.T) {
	a := newTestAPI(newFakeController())
	rec := serve(t, a, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("scribe_state_transitions_total 1\n"))
	})
	rec = serve(t, a, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scribe_state_transitions_total")
}

func TestGetState(t *testing.T) {
	a := newTestAPI(newFakeController())

	rec := serve(t, a, http.MethodGet, "/v1/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var st state.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, state.KindTranscribed, st.Kind)
}

func TestToggleReturnsNewState(t *testing.T) {
	ctrl := newFakeController()
	a := newTestAPI(ctrl)

	rec := serve(t, a, http.MethodPost, "/v1/recording/toggle")
	require.Equal(t, http.StatusOK, rec.Code)

	var st state.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, state.KindRecording, st.Kind)
	require.NotNil(t, st.Handle)
	assert.Equal(t, "s-1", st.Handle.SessionID)
}

func TestRejectedCommandReturnsConflict(t *testing.T) {
	a := newTestAPI(newFakeController())

	rec := serve(t, a, http.MethodPost, "/v1/model/reload")
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Error string      `json:"error"`
		State state.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "command unavailable")
	assert.Equal(t, state.KindTranscribed, body.State.Kind)
}

func TestStoppedControllerReturnsUnavailable(t *testing.T) {
	ctrl := newFakeController()
	ctrl.stopped = true
	a := newTestAPI(ctrl)

	rec := serve(t, a, http.MethodPost, "/v1/recording/toggle")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTranscribeSamplePassesID(t *testing.T) {
	ctrl := newFakeController()
	a := newTestAPI(ctrl)

	rec := serve(t, a, http.MethodPost, "/v1/samples/sample1/transcribe")
	require.Equal(t, http.StatusOK, rec.Code)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, []string{"sample1"}, ctrl.sampleIDs)
}

func TestListSamplesAndNodes(t *testing.T) {
	a := newTestAPI(newFakeController())

	rec := serve(t, a, http.MethodGet, "/v1/samples")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"samples":[]}`, rec.Body.String())

	a.samples = staticSamples{{ID: "sample1", Path: "/s/jfk.wav", Available: true}}
	rec = serve(t, a, http.MethodGet, "/v1/samples")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sample1"`)

	a.nodes = staticNodes{{ID: "node-a", StateKind: state.KindRecording, Healthy: true}}
	rec = serve(t, a, http.MethodGet, "/v1/nodes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"node-a"`)
	assert.Contains(t, rec.Body.String(), `"recording"`)
}

func TestJournalTimeline(t *testing.T) {
	a := newTestAPI(newFakeController())

	rec := serve(t, a, http.MethodGet, "/v1/journal/sessions/abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store, err := journal.Open(context.Background(), config.JournalConfig{
		RetentionMode: "session",
		Path:          filepath.Join(t.TempDir(), "journal.db"),
	}, "node-a", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	a.journal = store

	ctx := context.Background()
	require.NoError(t, store.AppendSession(ctx, "abc", "recording", "/tmp/out.wav"))
	require.NoError(t, store.AppendTransition(ctx, journal.Transition{SessionID: "abc", Kind: state.KindRecording}))
	require.NoError(t, store.AppendTransition(ctx, journal.Transition{SessionID: "abc", Kind: state.KindRecorded}))

	rec = serve(t, a, http.MethodGet, "/v1/journal/sessions/abc")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SessionID   string               `json:"session_id"`
		Transitions []journal.Transition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body.SessionID)
	require.Len(t, body.Transitions, 2)
	assert.Equal(t, state.KindRecording, body.Transitions[0].Kind)
	assert.Equal(t, state.KindRecorded, body.Transitions[1].Kind)

	rec = serve(t, a, http.MethodGet, "/v1/journal/sessions/abc?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Transitions, 1)

	rec = serve(t, a, http.MethodGet, "/v1/journal/sessions/abc?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, a, http.MethodGet, "/v1/journal/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStateStreamDeliversTransitions(t *testing.T) {
	ctrl := newFakeController()
	srv := httptest.NewServer(newTestAPI(ctrl).router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/state/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first state.State
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, state.KindTranscribed, first.Kind)

	_, err = ctrl.ToggleRecording(context.Background())
	require.NoError(t, err)

	var next state.State
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, state.KindRecording, next.Kind)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ctrl.container.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
