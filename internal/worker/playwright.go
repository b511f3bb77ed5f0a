// ABOUTME: Playwright-backed Launcher and Executor: each agent is one browser process,
// ABOUTME: each request runs its steps in a fresh browser context on that browser.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

// ErrUnsupportedCapability indicates a capability the runtime cannot launch.
var ErrUnsupportedCapability = errors.New("unsupported capability")

// Engines playwright can launch.
const (
	EngineChromium = "chromium"
	EngineFirefox  = "firefox"
	EngineWebKit   = "webkit"
)

// PlaywrightOptions configures the browser runtime.
type PlaywrightOptions struct {
	Headless        bool
	InstallBrowsers bool
	Browsers        []string // engines to install and accept; empty means chromium
	StepTimeout     time.Duration
	Logger          *slog.Logger
}

type browserWorker struct {
	id      string
	engine  string
	browser playwright.Browser
}

func (w *browserWorker) ID() string { return w.id }

// PlaywrightRuntime launches real browsers through playwright-go.
type PlaywrightRuntime struct {
	pw          *playwright.Playwright
	headless    bool
	engines     map[string]bool
	stepTimeout time.Duration
	seq         atomic.Int64
	logger      *slog.Logger
}

// NewPlaywrightRuntime starts the playwright driver, installing browsers first
// when asked to.
func NewPlaywrightRuntime(opts PlaywrightOptions) (*PlaywrightRuntime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	browsers := opts.Browsers
	if len(browsers) == 0 {
		browsers = []string{EngineChromium}
	}
	engines := make(map[string]bool, len(browsers))
	for _, b := range browsers {
		if !supportedEngine(b) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedCapability, b)
		}
		engines[b] = true
	}

	runOpts := &playwright.RunOptions{
		Browsers: browsers,
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if opts.InstallBrowsers {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("installing playwright: %w", err)
		}
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}

	stepTimeout := opts.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	return &PlaywrightRuntime{
		pw:          pw,
		headless:    opts.Headless,
		engines:     engines,
		stepTimeout: stepTimeout,
		logger:      logger.With("component", "playwright"),
	}, nil
}

func supportedEngine(name string) bool {
	switch name {
	case EngineChromium, EngineFirefox, EngineWebKit:
		return true
	}
	return false
}

func (r *PlaywrightRuntime) browserType(capability string) (playwright.BrowserType, error) {
	if !r.engines[capability] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCapability, capability)
	}
	switch capability {
	case EngineFirefox:
		return r.pw.Firefox, nil
	case EngineWebKit:
		return r.pw.WebKit, nil
	default:
		return r.pw.Chromium, nil
	}
}

// Launch starts a browser for capability. If ctx ends first the browser is
// closed as soon as it comes up.
func (r *PlaywrightRuntime) Launch(ctx context.Context, capability string) (scheduler.Worker, error) {
	bt, err := r.browserType(capability)
	if err != nil {
		return nil, err
	}

	type launched struct {
		browser playwright.Browser
		err     error
	}
	ch := make(chan launched, 1)
	go func() {
		b, err := bt.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(r.headless)})
		ch <- launched{b, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("launching %s: %w", capability, res.err)
		}
		w := &browserWorker{
			id:      capability + "-" + strconv.FormatInt(r.seq.Add(1), 10),
			engine:  capability,
			browser: res.browser,
		}
		r.logger.Debug("browser launched", "worker", w.id, "version", res.browser.Version())
		return w, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				res.browser.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Terminate closes the worker's browser.
func (r *PlaywrightRuntime) Terminate(_ context.Context, w scheduler.Worker) error {
	bw, ok := w.(*browserWorker)
	if !ok {
		return fmt.Errorf("not a playwright worker: %T", w)
	}
	if err := bw.browser.Close(); err != nil {
		return fmt.Errorf("closing browser %s: %w", bw.id, err)
	}
	return nil
}

// Alive reports whether the browser connection is still up.
func (r *PlaywrightRuntime) Alive(w scheduler.Worker) bool {
	bw, ok := w.(*browserWorker)
	return ok && bw.browser.IsConnected()
}

// Execute runs the request's steps in a fresh browser context. Cancelling ctx
// closes the context, which aborts the step in flight.
func (r *PlaywrightRuntime) Execute(ctx context.Context, a scheduler.Assignment) scheduler.Result {
	bw, ok := a.Worker.(*browserWorker)
	if !ok {
		return failed(fmt.Errorf("not a playwright worker: %T", a.Worker))
	}
	steps, err := ParseSteps(a.Request.Metadata)
	if err != nil {
		return failed(err)
	}

	bctx, err := bw.browser.NewContext()
	if err != nil {
		return failed(fmt.Errorf("creating browser context: %w", err))
	}
	stop := context.AfterFunc(ctx, func() { bctx.Close() })
	defer func() {
		if stop() {
			bctx.Close()
		}
	}()

	page, err := bctx.NewPage()
	if err != nil {
		return failed(fmt.Errorf("creating page: %w", err))
	}
	page.SetDefaultTimeout(float64(r.stepTimeout.Milliseconds()))

	start := time.Now()
	out, err := runSteps(ctx, page, steps)
	if err != nil {
		if ctx.Err() != nil {
			return failed(ctx.Err())
		}
		return failed(err)
	}
	out["duration_ms"] = strconv.FormatInt(time.Since(start).Milliseconds(), 10)
	return scheduler.Result{Status: scheduler.RequestCompleted, Output: out}
}

// Stop shuts the playwright driver down.
func (r *PlaywrightRuntime) Stop() error {
	if err := r.pw.Stop(); err != nil {
		return fmt.Errorf("stopping playwright: %w", err)
	}
	return nil
}

// page is the subset of playwright.Page the step runner drives.
type page interface {
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Click(selector string, options ...playwright.PageClickOptions) error
	Fill(selector, value string, options ...playwright.PageFillOptions) error
	WaitForSelector(selector string, options ...playwright.PageWaitForSelectorOptions) (playwright.ElementHandle, error)
	Title() (string, error)
	URL() string
}

// runSteps executes steps in order, stopping at the first failure or when ctx ends.
func runSteps(ctx context.Context, p page, steps []Step) (map[string]string, error) {
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		switch s.Action {
		case ActionNavigate:
			_, err = p.Goto(s.Value)
		case ActionClick:
			err = p.Click(s.Selector)
		case ActionFill:
			err = p.Fill(s.Selector, s.Value)
		case ActionWait:
			if s.Selector != "" {
				_, err = p.WaitForSelector(s.Selector)
			} else {
				d, _ := time.ParseDuration(s.Value)
				err = sleep(ctx, d)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, s.Action, err)
		}
	}

	out := map[string]string{
		"steps": strconv.Itoa(len(steps)),
		"url":   p.URL(),
	}
	if title, err := p.Title(); err == nil {
		out["title"] = title
	}
	return out, nil
}

func failed(err error) scheduler.Result {
	return scheduler.Result{
		Status: scheduler.RequestFailed,
		Reason: scheduler.ReasonExecutionFailed,
		Output: map[string]string{"error": err.Error()},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ scheduler.Launcher = (*PlaywrightRuntime)(nil)
	_ scheduler.Executor = (*PlaywrightRuntime)(nil)
)
