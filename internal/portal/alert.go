package portal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// AlertGuard detects and dismisses interrupting dialogs.
type AlertGuard struct {
	session harvest.Session
	clock   harvest.Clock
	poll    time.Duration
	logger  *zap.Logger
}

// NewAlertGuard builds an AlertGuard that polls every poll interval.
func NewAlertGuard(session harvest.Session, clock harvest.Clock, poll time.Duration, logger *zap.Logger) *AlertGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &AlertGuard{session: session, clock: clock, poll: poll, logger: logger.Named("alert_guard")}
}

// CheckAndDismiss waits at most window for a dialog. A found dialog is logged,
// accepted and reported as SignalRetry.
func (g *AlertGuard) CheckAndDismiss(ctx context.Context, window time.Duration) (harvest.Signal, error) {
	deadline := g.clock.Now().Add(window)
	for {
		alert, err := g.session.CurrentAlert(ctx)
		if err != nil {
			return harvest.Signal{}, fmt.Errorf("check alert: %w", err)
		}
		if alert != nil {
			g.logger.Warn("alert interrupted interaction", zap.String("text", alert.Text), zap.String("type", alert.Type))
			if err := g.session.DismissAlert(ctx, *alert); err != nil {
				return harvest.Signal{}, fmt.Errorf("dismiss alert: %w", err)
			}
			return harvest.Signal{Kind: harvest.SignalRetry, Text: alert.Text}, nil
		}
		remaining := deadline.Sub(g.clock.Now())
		if remaining <= 0 {
			return harvest.Signal{Kind: harvest.SignalNone}, nil
		}
		if err := g.clock.Sleep(ctx, min(g.poll, remaining)); err != nil {
			return harvest.Signal{}, fmt.Errorf("check alert: %w", err)
		}
	}
}
