package harvester

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification announces one persisted entity table.
type Notification struct {
	RunID   string    `json:"run_id"`
	Entity  string    `json:"entity"`
	Label   string    `json:"label"`
	URI     string    `json:"uri"`
	SHA256  string    `json:"sha256"`
	Rows    int       `json:"rows"`
	Columns int       `json:"columns"`
	Flagged int       `json:"flagged"`
	At      time.Time `json:"timestamp"`
}

// Attributes exposes routing metadata to publishers that support it.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"run_id": n.RunID,
		"entity": n.Entity,
		"sha256": n.SHA256,
		"rows":   strconv.Itoa(n.Rows),
	}
}

// notify publishes the entity notification. Failures are logged, not returned:
// the file is already persisted and recorded.
func (h *Harvester) notify(ctx context.Context, runID uuid.UUID, res EntityResult, at time.Time) bool {
	if h.publisher == nil {
		return false
	}
	payload := Notification{
		RunID:   runID.String(),
		Entity:  res.Entity,
		Label:   res.Label,
		URI:     res.URI,
		SHA256:  res.SHA256,
		Rows:    res.Rows,
		Columns: res.Columns,
		Flagged: res.Flagged,
		At:      at.UTC(),
	}
	id, err := h.publisher.Publish(ctx, h.cfg.PubSub.TopicID, payload)
	if err != nil {
		h.logger.Warn("publish notification failed", zap.String("entity", res.Label), zap.Error(err))
		return false
	}
	h.logger.Debug("notification published", zap.String("entity", res.Label), zap.String("message_id", id))
	return true
}
