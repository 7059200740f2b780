package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/retry"
)

type fakeExecStore struct {
	mu    sync.Mutex
	execs map[string]Execution
	saves []Status
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{execs: map[string]Execution{}}
}

func (s *fakeExecStore) Claim(_ context.Context, exec Execution, owner string, leaseUntil, now time.Time) (Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execs[exec.Key]
	if !ok {
		exec.Owner = owner
		exec.LeaseUntil = leaseUntil
		s.execs[exec.Key] = exec.Clone()
		return exec, true, nil
	}
	if !cur.Claimable(owner, now) {
		return cur.Clone(), false, nil
	}
	cur.Owner = owner
	cur.LeaseUntil = leaseUntil
	s.execs[exec.Key] = cur.Clone()
	return cur, true, nil
}

func (s *fakeExecStore) Save(_ context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.Key] = exec.Clone()
	s.saves = append(s.saves, exec.Status)
	return nil
}

func (s *fakeExecStore) Get(_ context.Context, key string) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[key]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

type recordingObserver struct {
	mu       sync.Mutex
	failed   []string
	finished []Status
}

func (o *recordingObserver) ActivityFailed(_, activity string, _ int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, activity)
}

func (o *recordingObserver) ExecutionFinished(_ string, status Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}

type job struct {
	ID string `json:"id"`
}

func jobKey(j job) string { return "test:" + j.ID }

func newTestEngine(t *testing.T, store ExecutionStore, obs Observer) *Engine {
	t.Helper()
	e, err := NewEngine(store, Config{Owner: "runner-a", Lease: time.Minute, Observer: obs}, zap.NewNop())
	require.NoError(t, err)
	return e
}

func quick(attempts int) retry.Policy {
	return retry.Policy{Name: "quick", MaxAttempts: attempts}
}

func TestExecuteRunsActivitiesInOrder(t *testing.T) {
	t.Parallel()

	store := newFakeExecStore()
	obs := &recordingObserver{}
	var order []string
	def := Definition[job]{
		Name: "ordered", Version: 1, Key: jobKey,
		Activities: []Activity[job]{
			{Name: "a", Run: func(_ context.Context, in Input[job]) (any, error) {
				order = append(order, "a")
				return map[string]string{"id": in.Payload.ID}, nil
			}},
			{Name: "b", Run: func(_ context.Context, in Input[job]) (any, error) {
				order = append(order, "b")
				prev, err := ResultAs[map[string]string](in.Results, "a")
				if err != nil {
					return nil, err
				}
				return prev["id"] + "-done", nil
			}},
		},
	}
	wf, err := Bind(newTestEngine(t, store, obs), def)
	require.NoError(t, err)

	out, err := wf.Execute(context.Background(), job{ID: "42"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, out.Status)
	require.Equal(t, []string{"a", "b"}, order)
	got, err := Decode[string](out.Output)
	require.NoError(t, err)
	require.Equal(t, "42-done", got)
	require.Equal(t, []Status{StatusSucceeded}, obs.finished)

	exec, err := store.Get(context.Background(), "test:42")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, exec.Status)
	require.Equal(t, []string{"a", "b"}, exec.Completed)
	require.True(t, exec.LeaseUntil.IsZero())
}

func TestExecuteConcurrentSameKeyRunsOnce(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	def := Definition[job]{
		Name: "single", Key: jobKey,
		Activities: []Activity[job]{{Name: "slow", Run: func(context.Context, Input[job]) (any, error) {
			if runs.Add(1) == 1 {
				close(started)
			}
			<-unblock
			return true, nil
		}}},
	}
	wf, err := Bind(newTestEngine(t, newFakeExecStore(), nil), def)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[0], errs[0] = wf.Execute(context.Background(), job{ID: "k"})
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[1], errs[1] = wf.Execute(context.Background(), job{ID: "k"})
	}()
	time.Sleep(20 * time.Millisecond)
	close(unblock)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.EqualValues(t, 1, runs.Load())
	require.Equal(t, StatusSucceeded, outcomes[1].Status)
	require.True(t, outcomes[1].Shared || outcomes[1].Replayed)
}

func TestExecuteReplaysSucceededKey(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	def := Definition[job]{
		Name: "replay", Key: jobKey,
		Activities: []Activity[job]{{Name: "once", Run: func(context.Context, Input[job]) (any, error) {
			runs.Add(1)
			return "value", nil
		}}},
	}
	wf, err := Bind(newTestEngine(t, newFakeExecStore(), nil), def)
	require.NoError(t, err)

	_, err = wf.Execute(context.Background(), job{ID: "r"})
	require.NoError(t, err)
	out, err := wf.Execute(context.Background(), job{ID: "r"})
	require.NoError(t, err)
	require.True(t, out.Replayed)
	require.JSONEq(t, `"value"`, string(out.Output))
	require.EqualValues(t, 1, runs.Load())
}

func TestActivityRetriesUpToBudget(t *testing.T) {
	t.Parallel()

	t.Run("fails after exactly N attempts", func(t *testing.T) {
		t.Parallel()
		var attempts []int
		def := Definition[job]{
			Name: "budget", Key: jobKey,
			Activities: []Activity[job]{{Name: "flaky", Retry: quick(3), Run: func(_ context.Context, in Input[job]) (any, error) {
				attempts = append(attempts, in.Attempt)
				return nil, errors.New("always")
			}}},
		}
		wf, err := Bind(newTestEngine(t, newFakeExecStore(), nil), def)
		require.NoError(t, err)

		out, err := wf.Execute(context.Background(), job{ID: "f"})
		var ae *ActivityError
		require.ErrorAs(t, err, &ae)
		require.Equal(t, "flaky", ae.Name)
		require.Equal(t, 3, ae.Metadata["attempts"])
		require.Equal(t, []int{1, 2, 3}, attempts)
		require.Equal(t, StatusCompensated, out.Status)
	})

	t.Run("succeeds on attempt k", func(t *testing.T) {
		t.Parallel()
		calls := 0
		def := Definition[job]{
			Name: "budget-ok", Key: jobKey,
			Activities: []Activity[job]{{Name: "flaky", Retry: quick(5), Run: func(_ context.Context, in Input[job]) (any, error) {
				calls++
				if in.Attempt < 4 {
					return nil, errors.New("not yet")
				}
				return in.Attempt, nil
			}}},
		}
		store := newFakeExecStore()
		wf, err := Bind(newTestEngine(t, store, nil), def)
		require.NoError(t, err)

		out, err := wf.Execute(context.Background(), job{ID: "k"})
		require.NoError(t, err)
		require.Equal(t, 4, calls)
		require.JSONEq(t, `4`, string(out.Output))
		exec, err := store.Get(context.Background(), "test:k")
		require.NoError(t, err)
		require.Equal(t, 4, exec.ActivityAttempts["flaky"])
	})

	t.Run("non-retryable stops early", func(t *testing.T) {
		t.Parallel()
		calls := 0
		def := Definition[job]{
			Name: "fatal", Key: jobKey,
			Activities: []Activity[job]{{Name: "login", Retry: quick(5), Run: func(context.Context, Input[job]) (any, error) {
				calls++
				return nil, &ActivityError{Name: "login", Message: "bad credentials", NonRetryable: true}
			}}},
		}
		wf, err := Bind(newTestEngine(t, newFakeExecStore(), nil), def)
		require.NoError(t, err)
		_, err = wf.Execute(context.Background(), job{ID: "x"})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}

func TestCompensationsRunInReverseAndIsolateFailures(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		ran []string
	)
	record := func(name string, fail bool) func(context.Context, Compensation[job]) error {
		return func(_ context.Context, c Compensation[job]) error {
			mu.Lock()
			ran = append(ran, name+":"+string(c.Result))
			mu.Unlock()
			if fail {
				return errors.New("undo failed")
			}
			return nil
		}
	}
	cause := errors.New("third failed")
	obs := &recordingObserver{}
	store := newFakeExecStore()
	def := Definition[job]{
		Name: "saga", Key: jobKey,
		Activities: []Activity[job]{
			{Name: "a1", Run: func(context.Context, Input[job]) (any, error) { return 1, nil }, Compensate: record("a1", false)},
			{Name: "a2", Run: func(context.Context, Input[job]) (any, error) { return 2, nil }, Compensate: record("a2", true)},
			{Name: "a3", Retry: quick(2), Run: func(context.Context, Input[job]) (any, error) { return nil, cause },
				Compensate: record("a3", false)},
		},
	}
	wf, err := Bind(newTestEngine(t, store, obs), def)
	require.NoError(t, err)

	out, err := wf.Execute(context.Background(), job{ID: "s"})
	require.ErrorIs(t, err, cause)
	require.Equal(t, StatusCompensated, out.Status)
	require.Equal(t, []string{"a2:2", "a1:1"}, ran)
	require.Equal(t, []Status{StatusCompensated}, obs.finished)
	require.Contains(t, obs.failed, "a3")

	exec, err := store.Get(context.Background(), "test:s")
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, exec.Status)
	require.Contains(t, exec.Error, "third failed")
	require.Subset(t, store.saves, []Status{StatusRunning, StatusFailed, StatusCompensating, StatusCompensated})
}

func TestCompensationPanicIsContained(t *testing.T) {
	t.Parallel()

	secondRan := false
	def := Definition[job]{
		Name: "panicky", Key: jobKey,
		Activities: []Activity[job]{
			{Name: "a", Run: func(context.Context, Input[job]) (any, error) { return nil, nil },
				Compensate: func(context.Context, Compensation[job]) error { secondRan = true; return nil }},
			{Name: "b", Run: func(context.Context, Input[job]) (any, error) { return nil, nil },
				Compensate: func(context.Context, Compensation[job]) error { panic("oops") }},
			{Name: "c", Run: func(context.Context, Input[job]) (any, error) { return nil, errors.New("fail") }},
		},
	}
	wf, err := Bind(newTestEngine(t, newFakeExecStore(), nil), def)
	require.NoError(t, err)
	_, err = wf.Execute(context.Background(), job{ID: "p"})
	require.Error(t, err)
	require.True(t, secondRan)
}

func TestExecuteTimeoutIsDistinguished(t *testing.T) {
	t.Parallel()

	compensated := false
	def := Definition[job]{
		Name: "slow", Key: jobKey, Timeout: 20 * time.Millisecond,
		Activities: []Activity[job]{
			{Name: "fast", Run: func(context.Context, Input[job]) (any, error) { return "ok", nil },
				Compensate: func(context.Context, Compensation[job]) error { compensated = true; return nil }},
			{Name: "hang", Run: func(ctx context.Context, _ Input[job]) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		},
	}
	wf, err := Bind(newTestEngine(t, newFakeExecStore(), nil), def)
	require.NoError(t, err)

	_, err = wf.Execute(context.Background(), job{ID: "t"})
	require.True(t, IsTimeout(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, compensated)
}

func TestExecuteResumesAfterExpiredLease(t *testing.T) {
	t.Parallel()

	store := newFakeExecStore()
	store.execs["test:r"] = Execution{
		Key:        "test:r",
		Workflow:   "resume",
		Version:    1,
		Status:     StatusRunning,
		Results:    map[string]json.RawMessage{"first": json.RawMessage(`"cached"`)},
		Completed:  []string{"first"},
		Attempt:    1,
		Owner:      "runner-dead",
		LeaseUntil: time.Now().Add(-time.Minute),
	}
	firstRuns := 0
	var seen string
	def := Definition[job]{
		Name: "resume", Version: 1, Key: jobKey,
		Activities: []Activity[job]{
			{Name: "first", Run: func(context.Context, Input[job]) (any, error) { firstRuns++; return "fresh", nil }},
			{Name: "second", Run: func(_ context.Context, in Input[job]) (any, error) {
				v, err := ResultAs[string](in.Results, "first")
				seen = v
				return v, err
			}},
		},
	}
	wf, err := Bind(newTestEngine(t, store, nil), def)
	require.NoError(t, err)

	out, err := wf.Execute(context.Background(), job{ID: "r"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, out.Status)
	require.Equal(t, 0, firstRuns)
	require.Equal(t, "cached", seen)

	exec, err := store.Get(context.Background(), "test:r")
	require.NoError(t, err)
	require.Equal(t, "runner-a", exec.Owner)
	require.Equal(t, 2, exec.Attempt)
}

func TestExecuteCancellationKeepsProgress(t *testing.T) {
	t.Parallel()

	store := newFakeExecStore()
	obs := &recordingObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var firstRuns, compensations int
	interrupt := true
	def := Definition[job]{
		Name: "shutdown", Version: 1, Key: jobKey,
		Activities: []Activity[job]{
			{
				Name: "a1",
				Run:  func(context.Context, Input[job]) (any, error) { firstRuns++; return "one", nil },
				Compensate: func(context.Context, Compensation[job]) error {
					compensations++
					return nil
				},
			},
			{
				Name:  "a2",
				Retry: quick(3),
				Run: func(ctx context.Context, _ Input[job]) (any, error) {
					if interrupt {
						cancel()
						return nil, ctx.Err()
					}
					return "two", nil
				},
			},
		},
	}
	wf, err := Bind(newTestEngine(t, store, obs), def)
	require.NoError(t, err)

	out, err := wf.Execute(ctx, job{ID: "c"})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsTimeout(err))
	require.Equal(t, StatusRunning, out.Status)
	require.Zero(t, compensations)
	require.Empty(t, obs.finished)

	exec, err := store.Get(context.Background(), "test:c")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, exec.Status)
	require.Equal(t, []string{"a1"}, exec.Completed)
	require.True(t, exec.LeaseUntil.IsZero())
	require.NotContains(t, store.saves, StatusCompensating)

	interrupt = false
	out, err = wf.Execute(context.Background(), job{ID: "c"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, out.Status)
	require.Equal(t, 1, firstRuns)
	require.Zero(t, compensations)

	exec, err = store.Get(context.Background(), "test:c")
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2"}, exec.Completed)
	require.Equal(t, 2, exec.Attempt)
}

func TestExecuteDoesNotReplayUnsettledOutput(t *testing.T) {
	t.Parallel()

	store := newFakeExecStore()
	runs := 0
	def := Definition[job]{
		Name: "recheck", Version: 1, Key: jobKey,
		Settled: func(output json.RawMessage) bool { return string(output) != `"empty"` },
		Activities: []Activity[job]{
			{Name: "look", Run: func(context.Context, Input[job]) (any, error) {
				runs++
				if runs < 3 {
					return "empty", nil
				}
				return "found", nil
			}},
		},
	}
	wf, err := Bind(newTestEngine(t, store, nil), def)
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		out, err := wf.Execute(context.Background(), job{ID: "u"})
		require.NoError(t, err)
		require.Equal(t, StatusSucceeded, out.Status)
		require.False(t, out.Replayed)
		require.JSONEq(t, `"empty"`, string(out.Output))
		require.Equal(t, want, runs)

		exec, err := store.Get(context.Background(), "test:u")
		require.NoError(t, err)
		require.Equal(t, StatusPending, exec.Status)
		require.Empty(t, exec.Completed)
	}

	out, err := wf.Execute(context.Background(), job{ID: "u"})
	require.NoError(t, err)
	require.JSONEq(t, `"found"`, string(out.Output))

	out, err = wf.Execute(context.Background(), job{ID: "u"})
	require.NoError(t, err)
	require.True(t, out.Replayed)
	require.Equal(t, 3, runs)
}

func TestExecuteRejectsKeyLeasedElsewhere(t *testing.T) {
	t.Parallel()

	store := newFakeExecStore()
	store.execs["test:busy"] = Execution{
		Key:        "test:busy",
		Status:     StatusRunning,
		Owner:      "runner-b",
		LeaseUntil: time.Now().Add(time.Hour),
	}
	def := Definition[job]{
		Name: "busy", Key: jobKey,
		Activities: []Activity[job]{{Name: "a", Run: func(context.Context, Input[job]) (any, error) { return nil, nil }}},
	}
	wf, err := Bind(newTestEngine(t, store, nil), def)
	require.NoError(t, err)

	_, err = wf.Execute(context.Background(), job{ID: "busy"})
	require.ErrorIs(t, err, ErrExecutionInProgress)
}

func TestExecuteRestartsCompensatedExecution(t *testing.T) {
	t.Parallel()

	store := newFakeExecStore()
	fail := true
	def := Definition[job]{
		Name: "again", Key: jobKey,
		Activities: []Activity[job]{{Name: "a", Run: func(context.Context, Input[job]) (any, error) {
			if fail {
				return nil, errors.New("first time")
			}
			return "ok", nil
		}}},
	}
	wf, err := Bind(newTestEngine(t, store, nil), def)
	require.NoError(t, err)

	_, err = wf.Execute(context.Background(), job{ID: "a"})
	require.Error(t, err)
	fail = false
	out, err := wf.Execute(context.Background(), job{ID: "a"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, out.Status)
	exec, err := store.Get(context.Background(), "test:a")
	require.NoError(t, err)
	require.Equal(t, 2, exec.Attempt)
	require.Empty(t, exec.Error)
}

func TestExecuteJSONAndValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeExecStore(), nil)
	_, err := Bind(e, Definition[job]{Name: "bad"})
	require.Error(t, err)
	_, err = Bind(e, Definition[job]{Name: "dup", Key: jobKey, Activities: []Activity[job]{
		{Name: "x", Run: func(context.Context, Input[job]) (any, error) { return nil, nil }},
		{Name: "x", Run: func(context.Context, Input[job]) (any, error) { return nil, nil }},
	}})
	require.Error(t, err)

	wf, err := Bind(e, Definition[job]{Name: "json", Key: jobKey, Activities: []Activity[job]{
		{Name: "echo", Run: func(_ context.Context, in Input[job]) (any, error) { return in.Payload.ID, nil }},
	}})
	require.NoError(t, err)
	var runner Runner = wf
	out, err := runner.ExecuteJSON(context.Background(), json.RawMessage(`{"id":"j1"}`))
	require.NoError(t, err)
	require.JSONEq(t, `"j1"`, string(out.Output))
	_, err = runner.ExecuteJSON(context.Background(), json.RawMessage(`{`))
	require.Error(t, err)
}

type memNotifier struct {
	alerts []Alert
}

func (n *memNotifier) Notify(_ context.Context, a Alert) error {
	n.alerts = append(n.alerts, a)
	return nil
}

func TestAlertOnCompensatePublishes(t *testing.T) {
	t.Parallel()

	n := &memNotifier{}
	def := Definition[job]{
		Name: "alerting", Key: jobKey,
		Activities: []Activity[job]{
			{Name: "write", Run: func(context.Context, Input[job]) (any, error) { return "row-1", nil },
				Compensate: AlertOnCompensate[job](n, "alerting", "write")},
			{Name: "boom", Run: func(context.Context, Input[job]) (any, error) { return nil, errors.New("boom") }},
		},
	}
	wf, err := Bind(newTestEngine(t, newFakeExecStore(), nil), def)
	require.NoError(t, err)
	_, err = wf.Execute(context.Background(), job{ID: "n"})
	require.Error(t, err)
	require.Len(t, n.alerts, 1)
	require.Equal(t, "write", n.alerts[0].Activity)
	require.Equal(t, "test:n", n.alerts[0].Key)
	require.JSONEq(t, `"row-1"`, string(n.alerts[0].Result))
	require.Contains(t, n.alerts[0].Cause, "boom")
}
