package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
	"OpenMCP-Swap/internal/observability/alerting"
)

type fakeMachine struct {
	processed atomic.Int32
	latency   time.Duration

	mu sync.Mutex
	// failures 依次返回，耗尽后处理成功。
	failures []error
}

func (f *fakeMachine) HandleMessage(ctx context.Context, msg negotiation.Message) (negotiation.Outcome, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return negotiation.Outcome{}, ctx.Err()
		}
	}
	f.mu.Lock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return negotiation.Outcome{}, err
	}
	f.mu.Unlock()
	f.processed.Add(1)
	return negotiation.Outcome{Action: negotiation.ActionOffered, Status: negotiation.StatusPending, Reply: "offer for " + msg.Counterparty}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

// waitForAlerts 等待告警落地；告警在状态回写之后才发出。
func (d *recordingDispatcher) waitForAlerts(t *testing.T, n int) []alerting.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events := d.snapshot()
		if len(events) >= n || time.Now().After(deadline) {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startProcessor(t *testing.T, machine Executor, opts ...ProcessorOption) (*Service, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(machine, store, queue, queue, opts...)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return service, ctx
}

func TestProcessorHandlesConcurrentMessages(t *testing.T) {
	machine := &fakeMachine{latency: 10 * time.Millisecond}
	service, ctx := startProcessor(t, machine, WithWorkerCount(8))

	total := 200
	for i := 0; i < total; i++ {
		msg := negotiation.Message{Counterparty: fmt.Sprintf("@trader%d", i), Text: "gm"}
		if _, err := service.Submit(ctx, SubmitRequest{Message: msg}); err != nil {
			t.Fatalf("提交消息失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(machine.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("消息未能及时处理，已完成 %d", machine.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	machine := &fakeMachine{failures: []error{
		xerrors.New(xerrors.CodePriceUnavailable, "price feed down"),
	}}
	service, ctx := startProcessor(t, machine)

	submitted, err := service.Submit(ctx, SubmitRequest{ID: "msg-1", Message: negotiation.Message{Counterparty: "@Alice", Text: "gm"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Message.Counterparty != "alice" {
		t.Fatalf("expected normalized counterparty, got %q", submitted.Message.Counterparty)
	}

	done, err := service.WaitUntilCompleted(ctx, "msg-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", done)
	}
	if done.Outcome == nil || done.Outcome.Reply != "offer for alice" {
		t.Fatalf("unexpected outcome %+v", done.Outcome)
	}
}

func TestProcessorFailsNonRetryableAndAlerts(t *testing.T) {
	machine := &fakeMachine{failures: []error{
		xerrors.New(xerrors.CodeNotFound, "counterparty is not whitelisted"),
	}}
	alerts := &recordingDispatcher{}
	service, ctx := startProcessor(t, machine, WithAlertDispatcher(alerts))

	if _, err := service.Submit(ctx, SubmitRequest{ID: "msg-2", Message: negotiation.Message{Counterparty: "mallory", Text: "hi"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, "msg-2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 1 || done.ErrorCode != string(xerrors.CodeNotFound) {
		t.Fatalf("expected terminal failure, got %+v", done)
	}

	events := alerts.waitForAlerts(t, 1)
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	if events[0].Metadata["stage"] != "non_retryable" || events[0].Metadata["counterparty"] != "mallory" {
		t.Fatalf("unexpected alert metadata %+v", events[0].Metadata)
	}
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	failure := xerrors.New(xerrors.CodeStorageFailure, "db unavailable")
	machine := &fakeMachine{failures: []error{failure, failure, failure, failure}}
	alerts := &recordingDispatcher{}
	service, ctx := startProcessor(t, machine, WithAlertDispatcher(alerts))

	if _, err := service.Submit(ctx, SubmitRequest{ID: "msg-3", Message: negotiation.Message{Counterparty: "bob", Text: "deal"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, "msg-3", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got %+v", done)
	}
	events := alerts.waitForAlerts(t, 1)
	if len(events) != 1 || events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("expected single terminal alert, got %+v", events)
	}
	if machine.processed.Load() != 0 {
		t.Fatalf("machine should never have succeeded")
	}
}

func TestServiceSubmitValidatesAndDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 0)
	ctx := context.Background()

	if _, err := service.Submit(ctx, SubmitRequest{Message: negotiation.Message{Text: "gm"}}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for missing counterparty, got %v", err)
	}
	if _, err := service.Submit(ctx, SubmitRequest{Message: negotiation.Message{Counterparty: "alice", Text: "  "}}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for empty text, got %v", err)
	}

	first, err := service.Submit(ctx, SubmitRequest{ID: "dup", Message: negotiation.Message{Counterparty: "alice", Text: "gm"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.MaxRetries != 3 || first.Message.ReceivedAt.IsZero() {
		t.Fatalf("expected defaults to be applied, got %+v", first)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "dup", Message: negotiation.Message{Counterparty: "alice", Text: "other"}})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Message.Text != "gm" {
		t.Fatalf("expected existing message to be returned, got %+v", second)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected one queued id, got %d", len(queue.ch))
	}
}

// flakySuccessStore 让第一次 MarkSucceeded 失败。
type flakySuccessStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (s *flakySuccessStore) MarkSucceeded(ctx context.Context, id string, outcome negotiation.Outcome) error {
	if s.failures.Add(-1) >= 0 {
		return xerrors.New(xerrors.CodeStorageFailure, "task store unavailable")
	}
	return s.MemoryStore.MarkSucceeded(ctx, id, outcome)
}

func TestProcessorDoesNotReplayMessageAfterBookkeepingFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakySuccessStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(1)
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	machine := &fakeMachine{}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(machine, store, queue, queue, WithAlertDispatcher(alerts))

	if _, err := service.Submit(ctx, SubmitRequest{ID: "msg-5", Message: negotiation.Message{Counterparty: "alice", Text: "deal"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.handle(ctx, "msg-5"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := processor.handle(ctx, "msg-5"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := machine.processed.Load(); got != 1 {
		t.Fatalf("expected message handled once, got %d", got)
	}

	events := alerts.waitForAlerts(t, 1)
	if len(events) != 1 || events[0].Metadata["stage"] != "bookkeeping" {
		t.Fatalf("expected bookkeeping alert, got %+v", events)
	}
	stored, err := store.Get(ctx, "msg-5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Attempts != 1 {
		t.Fatalf("expected single attempt, got %d", stored.Attempts)
	}
}
