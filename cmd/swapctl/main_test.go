package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Swap/internal/api"
	"OpenMCP-Swap/internal/auth"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
	"OpenMCP-Swap/internal/polling"
	"OpenMCP-Swap/internal/task"
	"OpenMCP-Swap/sdk/go/swapagent"
)

const operatorToken = "ops-token"

type stubTracker struct {
	tasks     map[string]*polling.Task
	cancelled []string
}

func (s *stubTracker) Snapshot() *polling.State {
	state := &polling.State{}
	for _, t := range s.tasks {
		state.Tasks = append(state.Tasks, t.Clone())
	}
	return state
}

func (s *stubTracker) Task(key string) (*polling.Task, bool) {
	t, ok := s.tasks[key]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (s *stubTracker) RequestCancel(_ context.Context, key string) (*polling.Task, error) {
	t, ok := s.tasks[key]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未找到轮询任务")
	}
	t.Status = polling.StatusRequestCancel
	s.cancelled = append(s.cancelled, key)
	return t.Clone(), nil
}

func (s *stubTracker) Polling() bool { return true }

func newTestDaemon(t *testing.T) (*httptest.Server, *stubTracker) {
	t.Helper()
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.ModeToken,
		Operators: []auth.Operator{
			{Name: "ops", Token: operatorToken, Permissions: []string{auth.PermissionRead, auth.PermissionSubmit, auth.PermissionCancel}},
		},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	tracker := &stubTracker{tasks: map[string]*polling.Task{
		"0xescrow-1": {ID: "t1", Escrow: "0xescrow-1", Status: polling.StatusPending, ExpectedAmount: 500},
	}}
	server := api.NewServer(":0",
		api.WithMessages(task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(16), 3)),
		api.WithNegotiations(negotiation.NewMemoryStore()),
		api.WithEscrows(tracker),
		api.WithAuth(authSvc),
	)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv, tracker
}

func runCtl(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	full := append([]string{"swapctl", "--addr", srv.URL, "--token", operatorToken}, args...)
	err := app.Run(full)
	return out.String(), err
}

func TestSubmitThenShowMessage(t *testing.T) {
	srv, _ := newTestDaemon(t)

	out, err := runCtl(t, srv, "submit", "--id", "msg-1", "--conversation", "thread-9", "@Alice", "500", "SWAP", "for", "900", "PEPE")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var created swapagent.Message
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode submit output %q: %v", out, err)
	}
	if created.ID != "msg-1" || created.Status != "pending" {
		t.Fatalf("unexpected message %+v", created)
	}

	out, err = runCtl(t, srv, "messages", "msg-1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	var fetched swapagent.Message
	if err := json.Unmarshal([]byte(out), &fetched); err != nil {
		t.Fatalf("decode messages output %q: %v", out, err)
	}
	if fetched.ID != "msg-1" {
		t.Fatalf("unexpected message %+v", fetched)
	}
}

func TestCancelEscrowCommand(t *testing.T) {
	srv, tracker := newTestDaemon(t)

	out, err := runCtl(t, srv, "cancel", "0xescrow-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var cancelled swapagent.Escrow
	if err := json.Unmarshal([]byte(out), &cancelled); err != nil {
		t.Fatalf("decode cancel output %q: %v", out, err)
	}
	if cancelled.Status != string(polling.StatusRequestCancel) {
		t.Fatalf("expected request_cancel, got %+v", cancelled)
	}
	if len(tracker.cancelled) != 1 || tracker.cancelled[0] != "0xescrow-1" {
		t.Fatalf("unexpected cancellations %v", tracker.cancelled)
	}

	if _, err := runCtl(t, srv, "cancel"); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
	_, err = runCtl(t, srv, "cancel", "0xmissing")
	var apiErr *swapagent.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}

func TestCommandsRequireToken(t *testing.T) {
	srv, _ := newTestDaemon(t)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run([]string{"swapctl", "--addr", srv.URL, "escrows"})
	var apiErr *swapagent.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	listing, err := runCtl(t, srv, "escrows")
	if err != nil {
		t.Fatalf("escrows: %v", err)
	}
	var snapshot swapagent.EscrowSnapshot
	if err := json.Unmarshal([]byte(listing), &snapshot); err != nil {
		t.Fatalf("decode escrows output %q: %v", listing, err)
	}
	if len(snapshot.Tasks) != 1 || snapshot.Tasks[0].Escrow != "0xescrow-1" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}
