/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/tasks"
)

// runRecorder collects run state events
type runRecorder struct {
	mu   sync.Mutex
	runs []global.RunInfo
}

func (r *runRecorder) Publish(ev global.Event) {
	if ev.Run == nil {
		return
	}
	r.mu.Lock()
	r.runs = append(r.runs, *ev.Run)
	r.mu.Unlock()
}

func (r *runRecorder) states() []global.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []global.RunState
	for _, info := range r.runs {
		out = append(out, info.State)
	}
	return out
}

// fixed routes every task to a single handler
var fixed = ClassifierFunc(func(global.Task) string { return "test" })

func handlerFunc(fn func(ctx context.Context, task global.Task) (string, error)) Handler {
	return HandlerFunc{HandlerName: "test", Fn: fn}
}

func newStore(t *testing.T, batch []global.Task) *tasks.Store {
	t.Helper()
	store := tasks.New()
	if err := store.ReplaceAll(batch); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}
	return store
}

func status(t *testing.T, store *tasks.Store, id string) global.TaskStatus {
	t.Helper()
	task, ok := store.Get(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return task.Status
}

func TestFailedTaskLeavesDependentsPending(t *testing.T) {
	store := newStore(t, []global.Task{
		{ID: "T1", Title: "First"},
		{ID: "T2", Title: "Second", Dependencies: []string{"T1"}},
	})
	h := handlerFunc(func(_ context.Context, task global.Task) (string, error) {
		if task.ID == "T1" {
			return "", errors.New("tool unavailable")
		}
		return "ok", nil
	})
	b := New(store, NewRegistry(h), WithClassifier(fixed))

	completed := 0
	var reported []error
	info, err := b.Run(context.Background(), Callbacks{
		OnComplete: func() { completed++ },
		OnError:    func(err error) { reported = append(reported, err) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if info.State != global.RunBlocked {
		t.Errorf("run state = %s, want blocked", info.State)
	}
	if got := status(t, store, "T1"); got != global.TaskFailed {
		t.Errorf("T1 = %s, want failed", got)
	}
	if task, _ := store.Get("T1"); task.Message != "tool unavailable" {
		t.Errorf("T1 message = %q, want the handler error", task.Message)
	}
	if got := status(t, store, "T2"); got != global.TaskPending {
		t.Errorf("T2 = %s, want pending", got)
	}
	if completed != 1 {
		t.Errorf("OnComplete fired %d times, want 1", completed)
	}
	var taskErr *TaskError
	if len(reported) != 1 || !errors.As(reported[0], &taskErr) || taskErr.TaskID != "T1" {
		t.Errorf("OnError got %v, want one TaskError for T1", reported)
	}
}

func TestDependenciesCompleteBeforeStart(t *testing.T) {
	store := newStore(t, []global.Task{
		{ID: "report", Title: "Report", Dependencies: []string{"fetch", "parse"}},
		{ID: "parse", Title: "Parse", Dependencies: []string{"fetch"}},
		{ID: "fetch", Title: "Fetch"},
		{ID: "notes", Title: "Notes"},
	})

	var order []string
	h := handlerFunc(func(_ context.Context, task global.Task) (string, error) {
		for _, dep := range task.Dependencies {
			if got := status(t, store, dep); got != global.TaskCompleted {
				t.Errorf("task %s started while %s was %s", task.ID, dep, got)
			}
		}
		order = append(order, task.ID)
		return task.ID + " done", nil
	})
	b := New(store, NewRegistry(h), WithClassifier(fixed))

	completed := false
	info, err := b.Run(context.Background(), Callbacks{OnComplete: func() { completed = true }})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if info.State != global.RunCompleted || !completed {
		t.Errorf("state = %s, completed = %v", info.State, completed)
	}

	want := []string{"fetch", "parse", "report", "notes"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
	if out, ok := b.Result("parse"); !ok || out != "parse done" {
		t.Errorf("Result(parse) = %q, %v", out, ok)
	}
	if task, _ := store.Get("parse"); task.Message != "parse done" {
		t.Errorf("parse message = %q", task.Message)
	}
}

func TestProgressCallbacks(t *testing.T) {
	store := newStore(t, []global.Task{{ID: "a", Title: "A"}})
	b := New(store, NewRegistry(handlerFunc(func(context.Context, global.Task) (string, error) {
		return "first line\nsecond line", nil
	})), WithClassifier(fixed))

	var got []string
	_, err := b.Run(context.Background(), Callbacks{
		OnProgress: func(id string, s global.TaskStatus, msg string) {
			got = append(got, id+":"+string(s)+":"+msg)
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"a:in-progress:", "a:completed:first line"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("progress = %v, want %v", got, want)
	}
}

func TestAbortStopsBeforeNextTask(t *testing.T) {
	store := newStore(t, []global.Task{
		{ID: "a", Title: "A"},
		{ID: "b", Title: "B"},
	})
	var b *Bridge
	b = New(store, NewRegistry(handlerFunc(func(ctx context.Context, task global.Task) (string, error) {
		if !b.Abort() {
			t.Error("Abort() during a run = false")
		}
		if ctx.Err() != nil {
			t.Error("abort cancelled the in-flight handler")
		}
		return "ok", nil
	})), WithClassifier(fixed))

	completed := false
	info, err := b.Run(context.Background(), Callbacks{OnComplete: func() { completed = true }})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if info.State != global.RunStopped {
		t.Errorf("state = %s, want stopped", info.State)
	}
	if completed {
		t.Error("OnComplete fired for an aborted run")
	}
	if got := status(t, store, "a"); got != global.TaskCompleted {
		t.Errorf("a = %s, want completed", got)
	}
	if got := status(t, store, "b"); got != global.TaskPending {
		t.Errorf("b = %s, want pending", got)
	}
	if b.Abort() {
		t.Error("Abort() with no run = true")
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	store := newStore(t, []global.Task{{ID: "a", Title: "A"}})
	release := make(chan struct{})
	started := make(chan struct{})
	rec := &runRecorder{}
	b := New(store, NewRegistry(handlerFunc(func(context.Context, global.Task) (string, error) {
		close(started)
		<-release
		return "ok", nil
	})), WithClassifier(fixed), WithPublisher(rec))

	id, err := b.Start(context.Background(), Callbacks{})
	if err != nil || id == "" {
		t.Fatalf("Start() = %q, %v", id, err)
	}
	<-started
	if !b.IsRunning() {
		t.Error("IsRunning() = false during a run")
	}
	if _, err := b.Run(context.Background(), Callbacks{}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Run() error = %v, want ErrRunInProgress", err)
	}
	if _, err := b.Start(context.Background(), Callbacks{}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Start() error = %v, want ErrRunInProgress", err)
	}

	close(release)
	b.Wait()
	if b.IsRunning() {
		t.Error("IsRunning() = true after Wait()")
	}
	st := b.Status()
	if st.ID != id || st.State != global.RunCompleted {
		t.Errorf("Status() = %+v, want run %s completed", st, id)
	}
	states := rec.states()
	if len(states) != 2 || states[0] != global.RunRunning || states[1] != global.RunCompleted {
		t.Errorf("run events = %v, want [running completed]", states)
	}
}

func TestIdleWaitPicksUpExternalCompletion(t *testing.T) {
	batch := []global.Task{
		{ID: "manual", Title: "Done by hand", Status: global.TaskInProgress},
		{ID: "next", Title: "Follow up", Dependencies: []string{"manual"}},
	}

	// Without an idle wait the run ends blocked at once
	b := New(newStore(t, batch), NewRegistry(handlerFunc(func(context.Context, global.Task) (string, error) {
		return "ok", nil
	})), WithClassifier(fixed))
	info, _ := b.Run(context.Background(), Callbacks{})
	if info.State != global.RunBlocked {
		t.Fatalf("state without idle wait = %s, want blocked", info.State)
	}

	store := newStore(t, batch)
	ran := make(chan string, 1)
	b = New(store, NewRegistry(handlerFunc(func(_ context.Context, task global.Task) (string, error) {
		ran <- task.ID
		return "ok", nil
	})), WithClassifier(fixed), WithIdleWait(5*time.Second))

	if _, err := b.Start(context.Background(), Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := store.UpdateStatus("manual", global.TaskCompleted); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	select {
	case id := <-ran:
		if id != "next" {
			t.Errorf("ran %s, want next", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dependent task did not start after its dependency completed")
	}
	b.Wait()
	if got := b.Status().State; got != global.RunCompleted {
		t.Errorf("state = %s, want completed", got)
	}
}

func TestAbortWakesIdleWait(t *testing.T) {
	store := newStore(t, []global.Task{
		{ID: "manual", Title: "Done by hand", Status: global.TaskInProgress},
	})
	b := New(store, NewRegistry(), WithClassifier(fixed), WithIdleWait(time.Minute))

	if _, err := b.Start(context.Background(), Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	b.Abort()

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("abort did not end the idle wait")
	}
	if got := b.Status().State; got != global.RunStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestHandlerFailures(t *testing.T) {
	store := newStore(t, []global.Task{
		{ID: "missing", Title: "Routed nowhere"},
		{ID: "panics", Title: "Panics"},
	})
	classify := ClassifierFunc(func(task global.Task) string { return task.ID })
	b := New(store, NewRegistry(HandlerFunc{HandlerName: "panics", Fn: func(context.Context, global.Task) (string, error) {
		panic("boom")
	}}), WithClassifier(classify))

	var errs []error
	info, err := b.Run(context.Background(), Callbacks{OnError: func(err error) { errs = append(errs, err) }})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if info.State != global.RunCompleted {
		t.Errorf("state = %s, want completed (no task left pending)", info.State)
	}
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2", len(errs))
	}
	if !errors.Is(errs[0], ErrNoHandler) {
		t.Errorf("first error = %v, want ErrNoHandler", errs[0])
	}
	if !strings.Contains(errs[1].Error(), "panicked") {
		t.Errorf("second error = %v, want a panic report", errs[1])
	}
	for _, id := range []string{"missing", "panics"} {
		if got := status(t, store, id); got != global.TaskFailed {
			t.Errorf("%s = %s, want failed", id, got)
		}
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	store := newStore(t, []global.Task{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}})
	ctx, cancel := context.WithCancel(context.Background())
	b := New(store, NewRegistry(handlerFunc(func(context.Context, global.Task) (string, error) {
		cancel()
		return "ok", nil
	})), WithClassifier(fixed))

	info, _ := b.Run(ctx, Callbacks{})
	if info.State != global.RunStopped {
		t.Errorf("state = %s, want stopped", info.State)
	}
	if got := status(t, store, "b"); got != global.TaskPending {
		t.Errorf("b = %s, want pending", got)
	}
}

func TestPlan(t *testing.T) {
	store := newStore(t, []global.Task{
		{ID: "s", Title: "Search the archive"},
		{ID: "c", Title: "Implement the parser", Dependencies: []string{"s"}},
	})
	b := New(store, NewRegistry())

	steps := b.Plan()
	if len(steps) != 2 {
		t.Fatalf("Plan() returned %d steps, want 2", len(steps))
	}
	if steps[0].Handler != "research" || steps[1].Handler != "code" {
		t.Errorf("handlers = %s, %s; want research, code", steps[0].Handler, steps[1].Handler)
	}
	if steps[1].Status != global.TaskPending || len(steps[1].Dependencies) != 1 {
		t.Errorf("step = %+v", steps[1])
	}
}

func TestSummarize(t *testing.T) {
	long := strings.Repeat("x", maxSummaryLength+10)
	if got := summarize(long); len(got) != maxSummaryLength+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("summarize(long) = %q", got)
	}
	if got := summarize("  one\ntwo"); got != "one" {
		t.Errorf("summarize() = %q, want one", got)
	}
}
