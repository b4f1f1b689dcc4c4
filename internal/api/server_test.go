package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OpenMCP-Swap/internal/auth"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
	"OpenMCP-Swap/internal/polling"
	"OpenMCP-Swap/internal/task"
	"OpenMCP-Swap/internal/web3"

	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	tasks     map[string]*polling.Task
	cancelled []string
}

func (f *fakeTracker) Snapshot() *polling.State {
	state := &polling.State{}
	for _, t := range f.tasks {
		state.Tasks = append(state.Tasks, t.Clone())
	}
	return state
}

func (f *fakeTracker) Task(key string) (*polling.Task, bool) {
	t, ok := f.tasks[key]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (f *fakeTracker) RequestCancel(_ context.Context, key string) (*polling.Task, error) {
	t, ok := f.tasks[key]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未找到轮询任务")
	}
	if t.Status.Final() {
		return nil, xerrors.New(xerrors.CodeConflict, "任务已结束，无法取消")
	}
	t.Status = polling.StatusRequestCancel
	f.cancelled = append(f.cancelled, key)
	return t.Clone(), nil
}

func (f *fakeTracker) Polling() bool { return true }

type harness struct {
	server       *Server
	store        *task.MemoryStore
	negotiations *negotiation.MemoryStore
	tracker      *fakeTracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	negotiations := negotiation.NewMemoryStore()
	tracker := &fakeTracker{tasks: map[string]*polling.Task{
		"0xescrow-1": {ID: "t1", Escrow: "0xescrow-1", Status: polling.StatusPending, ExpectedAmount: 500},
		"0xescrow-2": {ID: "t2", Escrow: "0xescrow-2", Status: polling.StatusCompleted, ExpectedAmount: 100},
	}}
	server := NewServer(":0",
		WithMessages(task.NewService(store, queue, 3)),
		WithNegotiations(negotiations),
		WithEscrows(tracker),
	)
	return &harness{server: server, store: store, negotiations: negotiations, tracker: tracker}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body map[string]errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestSubmitAndFetchMessage(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/messages", map[string]any{
		"id":           "msg-1",
		"counterparty": "@Alice",
		"text":         "gm, how much for your bag?",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "msg-1", created.ID)
	require.Equal(t, "alice", created.Message.Counterparty)
	require.Equal(t, task.StatusPending, created.Status)

	require.NoError(t, h.store.MarkSucceeded(context.Background(), "msg-1", negotiation.Outcome{
		Action: negotiation.ActionOffered,
		Status: negotiation.StatusPending,
		Reply:  "I can offer 850 PEPE",
	}))

	rec = h.do(t, http.MethodGet, "/api/v1/messages/msg-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, task.StatusSucceeded, got.Status)
	require.NotNil(t, got.Outcome)
	require.Equal(t, negotiation.ActionOffered, got.Outcome.Action)

	rec = h.do(t, http.MethodGet, "/api/v1/messages?status=succeeded&counterparty=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Messages []task.Task   `json:"messages"`
		Stats    task.TaskStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Messages, 1)
	require.Equal(t, 1, listed.Stats.Succeeded)
}

func TestSubmitMessageValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/messages", map[string]any{"counterparty": "alice"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(task.CodeTaskValidation), decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/messages?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/messages/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(task.CodeTaskNotFound), decodeError(t, rec).Code)
}

func TestNegotiationEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.negotiations.Put(ctx, &negotiation.State{
		Counterparty:    "alice",
		TokenSymbol:     "PEPE",
		Status:          negotiation.StatusWaitingForEscrow,
		LastInteraction: time.Now(),
	}))
	require.NoError(t, h.negotiations.Put(ctx, &negotiation.State{
		Counterparty:    "bob",
		Status:          negotiation.StatusPending,
		LastInteraction: time.Now().Add(-time.Hour),
	}))

	rec := h.do(t, http.MethodGet, "/api/v1/negotiations/@ALICE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state negotiation.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, negotiation.StatusWaitingForEscrow, state.Status)

	rec = h.do(t, http.MethodGet, "/api/v1/negotiations?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Negotiations []negotiation.State `json:"negotiations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Negotiations, 1)
	require.Equal(t, "bob", listed.Negotiations[0].Counterparty)

	rec = h.do(t, http.MethodGet, "/api/v1/negotiations/carol", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscrowEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/escrows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state polling.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Len(t, state.Tasks, 2)

	rec = h.do(t, http.MethodGet, "/api/v1/escrows/0xescrow-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/escrows/0xescrow-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var cancelled polling.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	require.Equal(t, polling.StatusRequestCancel, cancelled.Status)
	require.Equal(t, []string{"0xescrow-1"}, h.tracker.cancelled)

	rec = h.do(t, http.MethodPost, "/api/v1/escrows/0xescrow-2/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/escrows/0xmissing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["polling"])

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "swapagent_http_requests_total")
}

func TestDisabledComponentsReportUnavailable(t *testing.T) {
	server := NewServer(":0")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type staticChains map[string]web3.ChainSnapshot

func (s staticChains) Snapshots(context.Context) map[string]web3.ChainSnapshot { return s }

func TestHealthReportsDegradedChain(t *testing.T) {
	server := NewServer(":0", WithChains(staticChains{
		"mainnet": {Name: "mainnet", ChainID: "1", BlockNumber: "100"},
		"backup":  {Name: "backup", Notes: "dial tcp: connection refused"},
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string                        `json:"status"`
		Chains map[string]web3.ChainSnapshot `json:"chains"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Len(t, body.Chains, 2)
}

func TestOperatorTokensGuardAPI(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.ModeToken,
		Operators: []auth.Operator{
			{Name: "viewer", Token: "viewer-token", Permissions: []string{auth.PermissionRead}},
		},
	})
	require.NoError(t, err)
	tracker := &fakeTracker{tasks: map[string]*polling.Task{
		"0xescrow-1": {ID: "t1", Escrow: "0xescrow-1", Status: polling.StatusPending},
	}}
	server := NewServer(":0", WithEscrows(tracker), WithAuth(authSvc))

	call := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, call(http.MethodGet, "/healthz", ""))
	require.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/escrows", ""))
	require.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/escrows", "viewer-token"))
	require.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/escrows/0xescrow-1/cancel", "viewer-token"))
	require.Empty(t, tracker.cancelled)
}
