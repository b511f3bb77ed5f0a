// ABOUTME: Tests for step parsing, the step runner, and the simulated runtime
// ABOUTME: The step runner is driven through a fake page; no browser is needed

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

func TestParseSteps(t *testing.T) {
	tests := []struct {
		name    string
		meta    map[string]string
		want    []Step
		wantErr bool
	}{
		{name: "empty", meta: nil, want: nil},
		{
			name: "url only",
			meta: map[string]string{MetaURL: "https://example.com"},
			want: []Step{{Action: ActionNavigate, Value: "https://example.com"}},
		},
		{
			name: "url then steps",
			meta: map[string]string{
				MetaURL:   "https://example.com",
				MetaSteps: `[{"action":"fill","selector":"#q","value":"hi"},{"action":"wait","value":"10ms"}]`,
			},
			want: []Step{
				{Action: ActionNavigate, Value: "https://example.com"},
				{Action: ActionFill, Selector: "#q", Value: "hi"},
				{Action: ActionWait, Value: "10ms"},
			},
		},
		{name: "bad json", meta: map[string]string{MetaSteps: `{`}, wantErr: true},
		{name: "unknown action", meta: map[string]string{MetaSteps: `[{"action":"scroll"}]`}, wantErr: true},
		{name: "click without selector", meta: map[string]string{MetaSteps: `[{"action":"click"}]`}, wantErr: true},
		{name: "wait without selector or duration", meta: map[string]string{MetaSteps: `[{"action":"wait","value":"soon"}]`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSteps(tt.meta)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidSteps), "error = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakePage struct {
	calls   []string
	failOn  string
	url     string
	title   string
	onClick func()
}

func (f *fakePage) record(call string) error {
	f.calls = append(f.calls, call)
	if call == f.failOn {
		return errors.New("element not found")
	}
	return nil
}

func (f *fakePage) Goto(url string, _ ...playwright.PageGotoOptions) (playwright.Response, error) {
	f.url = url
	return nil, f.record("goto " + url)
}

func (f *fakePage) Click(selector string, _ ...playwright.PageClickOptions) error {
	if f.onClick != nil {
		f.onClick()
	}
	return f.record("click " + selector)
}

func (f *fakePage) Fill(selector, value string, _ ...playwright.PageFillOptions) error {
	return f.record("fill " + selector + "=" + value)
}

func (f *fakePage) WaitForSelector(selector string, _ ...playwright.PageWaitForSelectorOptions) (playwright.ElementHandle, error) {
	return nil, f.record("wait " + selector)
}

func (f *fakePage) Title() (string, error) { return f.title, nil }
func (f *fakePage) URL() string            { return f.url }

func TestRunSteps(t *testing.T) {
	p := &fakePage{title: "Results"}
	steps := []Step{
		{Action: ActionNavigate, Value: "https://example.com"},
		{Action: ActionFill, Selector: "#q", Value: "fleet"},
		{Action: ActionClick, Selector: "#go"},
		{Action: ActionWait, Selector: "#results"},
		{Action: ActionWait, Value: "1ms"},
	}

	out, err := runSteps(context.Background(), p, steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"goto https://example.com", "fill #q=fleet", "click #go", "wait #results"}, p.calls)
	assert.Equal(t, "5", out["steps"])
	assert.Equal(t, "Results", out["title"])
	assert.Equal(t, "https://example.com", out["url"])
}

func TestRunSteps_StopsAtFailure(t *testing.T) {
	p := &fakePage{failOn: "click #missing"}
	steps := []Step{
		{Action: ActionClick, Selector: "#missing"},
		{Action: ActionFill, Selector: "#q", Value: "x"},
	}

	_, err := runSteps(context.Background(), p, steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 (click)")
	assert.Len(t, p.calls, 1)
}

func TestRunSteps_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakePage{onClick: cancel}
	steps := []Step{
		{Action: ActionClick, Selector: "#a"},
		{Action: ActionClick, Selector: "#b"},
	}

	_, err := runSteps(ctx, p, steps)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"click #a"}, p.calls)
}

func assignment(w scheduler.Worker, meta map[string]string) scheduler.Assignment {
	return scheduler.Assignment{
		AgentID: "agent-1",
		Worker:  w,
		Request: scheduler.Request{ID: "req-1", Capability: "chromium", Metadata: meta},
	}
}

func TestSimulatedRuntime_Lifecycle(t *testing.T) {
	rt := NewSimulatedRuntime(SimulatedOptions{Capabilities: []string{"chromium"}})
	ctx := context.Background()

	w, err := rt.Launch(ctx, "chromium")
	require.NoError(t, err)
	assert.True(t, rt.Alive(w))

	_, err = rt.Launch(ctx, "webkit")
	assert.ErrorIs(t, err, ErrUnsupportedCapability)

	rt.Crash(w.ID())
	assert.False(t, rt.Alive(w))

	w2, err := rt.Launch(ctx, "chromium")
	require.NoError(t, err)
	assert.NotEqual(t, w.ID(), w2.ID())
	require.NoError(t, rt.Terminate(ctx, w2))
	assert.False(t, rt.Alive(w2))
}

func TestSimulatedRuntime_LaunchHonorsContext(t *testing.T) {
	rt := NewSimulatedRuntime(SimulatedOptions{LaunchDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := rt.Launch(ctx, "chromium")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulatedRuntime_Execute(t *testing.T) {
	ctx := context.Background()

	ok := NewSimulatedRuntime(SimulatedOptions{ExecutionTime: time.Millisecond})
	w, err := ok.Launch(ctx, "chromium")
	require.NoError(t, err)
	res := ok.Execute(ctx, assignment(w, map[string]string{MetaURL: "https://example.com"}))
	assert.Equal(t, scheduler.RequestCompleted, res.Status)
	assert.Equal(t, "1", res.Output["steps"])

	flaky := NewSimulatedRuntime(SimulatedOptions{FailureRate: 1})
	w, err = flaky.Launch(ctx, "chromium")
	require.NoError(t, err)
	res = flaky.Execute(ctx, assignment(w, nil))
	assert.Equal(t, scheduler.RequestFailed, res.Status)
	assert.Equal(t, scheduler.ReasonExecutionFailed, res.Reason)

	res = ok.Execute(ctx, assignment(w, map[string]string{MetaSteps: "nope"}))
	assert.Equal(t, scheduler.RequestFailed, res.Status)
	assert.Contains(t, res.Output["error"], "invalid steps")
}

func TestSimulatedRuntime_ExecuteCancelled(t *testing.T) {
	rt := NewSimulatedRuntime(SimulatedOptions{ExecutionTime: time.Hour})
	w, err := rt.Launch(context.Background(), "chromium")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan scheduler.Result, 1)
	go func() { done <- rt.Execute(ctx, assignment(w, nil)) }()
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, scheduler.RequestFailed, res.Status)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}

func TestSimulatedRuntime_DurationOverride(t *testing.T) {
	rt := NewSimulatedRuntime(SimulatedOptions{ExecutionTime: time.Hour})
	w, err := rt.Launch(context.Background(), "chromium")
	require.NoError(t, err)

	start := time.Now()
	res := rt.Execute(context.Background(), assignment(w, map[string]string{MetaDuration: "5ms"}))
	assert.Equal(t, scheduler.RequestCompleted, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSupportedEngine(t *testing.T) {
	assert.True(t, supportedEngine(EngineChromium))
	assert.True(t, supportedEngine(EngineFirefox))
	assert.True(t, supportedEngine(EngineWebKit))
	assert.False(t, supportedEngine("edge"))
}
