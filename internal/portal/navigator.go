package portal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// NavigatorConfig holds the form selectors and pacing.
type NavigatorConfig struct {
	BaseURL        string
	SubmitSelector string
	ReadySelector  string
	// SubmitRPS caps submits per second. Zero or less disables pacing.
	SubmitRPS    float64
	SubmitBurst  int
	PollInterval time.Duration
}

// Navigator performs form interactions on one Session.
type Navigator struct {
	session harvest.Session
	clock   harvest.Clock
	limiter *rate.Limiter
	cfg     NavigatorConfig
	logger  *zap.Logger
}

// NewNavigator builds a Navigator.
func NewNavigator(session harvest.Session, clock harvest.Clock, cfg NavigatorConfig, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	limit := rate.Limit(cfg.SubmitRPS)
	if cfg.SubmitRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Navigator{
		session: session,
		clock:   clock,
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger.Named("navigator"),
	}
}

// Open loads the portal form.
func (n *Navigator) Open(ctx context.Context) error {
	if err := n.session.Navigate(ctx, n.cfg.BaseURL); err != nil {
		return fmt.Errorf("open portal: %w", err)
	}
	return nil
}

// SelectDimension selects value on the dimension's control and returns the
// visible text of the chosen option.
func (n *Navigator) SelectDimension(ctx context.Context, dim harvest.Dimension, value string) (string, error) {
	opt, err := optionFor(dim.SelectBy, value)
	if err != nil {
		return "", fmt.Errorf("select %s: %w", dim.Name, err)
	}
	ref, err := n.session.Find(ctx, dim.Control)
	if err != nil {
		return "", fmt.Errorf("select %s: %w", dim.Name, err)
	}
	label, err := n.session.SelectOption(ctx, ref, opt)
	if err != nil {
		return "", fmt.Errorf("select %s=%s: %w", dim.Name, value, err)
	}
	n.logger.Debug("selected", zap.String("dimension", dim.Name), zap.String("value", value), zap.String("label", label))
	return label, nil
}

// ApplyPreset performs a fixed click or select on the form.
func (n *Navigator) ApplyPreset(ctx context.Context, p harvest.Preset) error {
	ref, err := n.session.Find(ctx, p.Control)
	if err != nil {
		return fmt.Errorf("preset %s: %w", p.Control, err)
	}
	switch p.Action {
	case harvest.PresetClick:
		if err := n.session.Click(ctx, ref); err != nil {
			return fmt.Errorf("preset click %s: %w", p.Control, err)
		}
	case harvest.PresetSelect:
		opt, err := optionFor(p.SelectBy, p.Value)
		if err != nil {
			return fmt.Errorf("preset %s: %w", p.Control, err)
		}
		if _, err := n.session.SelectOption(ctx, ref, opt); err != nil {
			return fmt.Errorf("preset select %s: %w", p.Control, err)
		}
	default:
		return fmt.Errorf("preset %s: unknown action %q", p.Control, p.Action)
	}
	return nil
}

// Submit clicks the submit control after waiting on the pacing limiter.
// It does not wait for the results.
func (n *Navigator) Submit(ctx context.Context) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("submit pacing: %w", err)
	}
	ref, err := n.session.Find(ctx, n.cfg.SubmitSelector)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := n.session.Click(ctx, ref); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// WaitReady polls for the result markup until it appears or timeout elapses.
func (n *Navigator) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := n.clock.Now().Add(timeout)
	for {
		_, err := n.session.Find(ctx, n.cfg.ReadySelector)
		if err == nil {
			return nil
		}
		if !errors.Is(err, harvest.ErrControlNotFound) {
			return fmt.Errorf("wait ready: %w", err)
		}
		remaining := deadline.Sub(n.clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w: %s after %s", harvest.ErrReadyTimeout, n.cfg.ReadySelector, timeout)
		}
		if err := n.clock.Sleep(ctx, min(n.cfg.PollInterval, remaining)); err != nil {
			return fmt.Errorf("wait ready: %w", err)
		}
	}
}

// GoBack returns to the form page.
func (n *Navigator) GoBack(ctx context.Context) error {
	if err := n.session.GoBack(ctx); err != nil {
		return fmt.Errorf("go back: %w", err)
	}
	return nil
}

// OptionCount returns the number of options offered by the dimension's control.
func (n *Navigator) OptionCount(ctx context.Context, dim harvest.Dimension) (int, error) {
	ref, err := n.session.Find(ctx, dim.Control)
	if err != nil {
		return 0, fmt.Errorf("option count %s: %w", dim.Name, err)
	}
	count, err := n.session.OptionCount(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("option count %s: %w", dim.Name, err)
	}
	return count, nil
}

func optionFor(by harvest.SelectBy, value string) (harvest.Option, error) {
	switch by {
	case harvest.SelectByIndex:
		idx, err := strconv.Atoi(value)
		if err != nil || idx < 0 {
			return harvest.Option{}, fmt.Errorf("invalid option index %q", value)
		}
		return harvest.Option{By: by, Index: idx}, nil
	case harvest.SelectByText, harvest.SelectByValue:
		return harvest.Option{By: by, Value: value}, nil
	default:
		return harvest.Option{}, fmt.Errorf("unknown select mode %q", by)
	}
}
