// Package headless drives the portal through a single headless Chrome tab via chromedp.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// Config controls the browser process and per-action deadlines.
type Config struct {
	Headless      bool
	UserAgent     string
	ExecPath      string
	ActionTimeout time.Duration
}

// Session implements harvest.Session on one chromedp browser tab. It is not
// safe for concurrent interactions; the sweep owns it exclusively.
type Session struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger

	generation atomic.Uint64

	mu    sync.Mutex
	alert *harvest.Alert
}

// New starts Chrome, opens a tab, and subscribes to navigation and dialog events.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("incognito", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}
	chromedp.ListenTarget(browserCtx, s.handleEvent)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return s, nil
}

// Close tears down the tab and the browser process.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.browserCancel()
	s.allocCancel()
	return nil
}

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventJavascriptDialogOpening:
		s.mu.Lock()
		s.alert = &harvest.Alert{Text: e.Message, Type: string(e.Type)}
		s.mu.Unlock()
	case *page.EventJavascriptDialogClosed:
		s.mu.Lock()
		s.alert = nil
		s.mu.Unlock()
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			s.generation.Add(1)
		}
	}
}

func (s *Session) pendingAlert() *harvest.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alert == nil {
		return nil
	}
	alert := *s.alert
	return &alert
}

// run executes actions on the tab under the action timeout, honouring ctx.
func (s *Session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := s.browserCtx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %v", op, harvest.ErrSessionFault, err)
	}
	if alert := s.pendingAlert(); alert != nil {
		return fmt.Errorf("%s: %w: %q", op, harvest.ErrAlertInterruption, alert.Text)
	}
	runCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.ActionTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return s.classify(op, err)
}

func (s *Session) classify(op string, err error) error {
	switch {
	case s.browserCtx.Err() != nil:
		return fmt.Errorf("%s: %w: %v", op, harvest.ErrSessionFault, err)
	case s.pendingAlert() != nil:
		return fmt.Errorf("%s: %w: %v", op, harvest.ErrAlertInterruption, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, harvest.ErrReadyTimeout, err)
	case isStale(err):
		return fmt.Errorf("%s: %w: %v", op, harvest.ErrStaleReference, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var staleMarkers = []string{
	"no node with given id",
	"node is detached",
	"cannot find context with specified id",
	"execution context was destroyed",
	"could not find node",
}

func isStale(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *Session) checkRef(ref harvest.ElementRef) error {
	if ref.Generation != s.generation.Load() {
		return fmt.Errorf("%w: %s", harvest.ErrStaleReference, ref.Selector)
	}
	return nil
}

// Navigate loads url in the tab.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, "navigate", chromedp.Navigate(url)); err != nil {
		return err
	}
	s.generation.Add(1)
	return nil
}

// Find locates selector without waiting for it to appear.
func (s *Session) Find(ctx context.Context, selector string) (harvest.ElementRef, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, "find", chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return harvest.ElementRef{}, err
	}
	if len(nodes) == 0 {
		return harvest.ElementRef{}, fmt.Errorf("%w: %s", harvest.ErrControlNotFound, selector)
	}
	return harvest.ElementRef{Selector: selector, Generation: s.generation.Load()}, nil
}

type selectResult struct {
	Found    bool   `json:"found"`
	Selected bool   `json:"selected"`
	Text     string `json:"text"`
}

const selectScript = `(function(sel, by, value, index) {
	const el = document.querySelector(sel);
	if (!el || !el.options) { return {found: false, selected: false, text: ""}; }
	let idx = -1;
	if (by === "index") {
		idx = index;
	} else {
		for (let i = 0; i < el.options.length; i++) {
			const o = el.options[i];
			if ((by === "text" && o.text.trim() === value) || (by === "value" && o.value === value)) { idx = i; break; }
		}
	}
	if (idx < 0 || idx >= el.options.length) { return {found: true, selected: false, text: ""}; }
	el.selectedIndex = idx;
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return {found: true, selected: true, text: el.options[idx].text.trim()};
})(%s, %s, %s, %d)`

// SelectOption picks an option of a select control and fires its change event.
func (s *Session) SelectOption(ctx context.Context, ref harvest.ElementRef, opt harvest.Option) (string, error) {
	if err := s.checkRef(ref); err != nil {
		return "", err
	}
	expr := fmt.Sprintf(selectScript, jsString(ref.Selector), jsString(string(opt.By)), jsString(opt.Value), opt.Index)
	var res selectResult
	if err := s.run(ctx, "select option", chromedp.Evaluate(expr, &res)); err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("%w: %s", harvest.ErrStaleReference, ref.Selector)
	}
	if !res.Selected {
		return "", fmt.Errorf("%w: option %s=%q index %d in %s", harvest.ErrControlNotFound, opt.By, opt.Value, opt.Index, ref.Selector)
	}
	return res.Text, nil
}

// Click clicks the referenced element.
func (s *Session) Click(ctx context.Context, ref harvest.ElementRef) error {
	if err := s.checkRef(ref); err != nil {
		return err
	}
	return s.run(ctx, "click", chromedp.Click(ref.Selector, chromedp.ByQuery))
}

// ReadText returns the visible text of the referenced element.
func (s *Session) ReadText(ctx context.Context, ref harvest.ElementRef) (string, error) {
	if err := s.checkRef(ref); err != nil {
		return "", err
	}
	var text string
	if err := s.run(ctx, "read text", chromedp.Text(ref.Selector, &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// OptionCount returns the number of options of a select control.
func (s *Session) OptionCount(ctx context.Context, ref harvest.ElementRef) (int, error) {
	if err := s.checkRef(ref); err != nil {
		return 0, err
	}
	expr := fmt.Sprintf(`(function(sel){ const el = document.querySelector(sel); return el && el.options ? el.options.length : -1; })(%s)`,
		jsString(ref.Selector))
	var count int
	if err := s.run(ctx, "option count", chromedp.Evaluate(expr, &count)); err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, fmt.Errorf("%w: %s is not a select control", harvest.ErrControlNotFound, ref.Selector)
	}
	return count, nil
}

// PageHTML returns the outer HTML of the current document.
func (s *Session) PageHTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, "page html", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// GoBack navigates to the previous history entry.
func (s *Session) GoBack(ctx context.Context) error {
	if err := s.run(ctx, "go back", chromedp.NavigateBack()); err != nil {
		return err
	}
	s.generation.Add(1)
	return nil
}

// CurrentAlert reports the dialog currently open in the tab, if any.
func (s *Session) CurrentAlert(_ context.Context) (*harvest.Alert, error) {
	if err := s.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("current alert: %w: %v", harvest.ErrSessionFault, err)
	}
	return s.pendingAlert(), nil
}

// DismissAlert accepts the open dialog.
func (s *Session) DismissAlert(ctx context.Context, alert harvest.Alert) error {
	runCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.ActionTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.HandleJavaScriptDialog(true).Do(ctx)
	}))
	if err != nil {
		if s.browserCtx.Err() != nil {
			return fmt.Errorf("dismiss alert: %w: %v", harvest.ErrSessionFault, err)
		}
		return fmt.Errorf("dismiss alert %q: %w", alert.Text, err)
	}
	s.mu.Lock()
	s.alert = nil
	s.mu.Unlock()
	s.logger.Debug("alert dismissed", zap.String("text", alert.Text))
	return nil
}

func jsString(v string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
