package sink

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/storage"
)

// pruneEvery bounds how often the history sink trims old rows
const pruneEvery = time.Hour

// History records readings, liveness verdicts and command outcomes in the
// local SQLite database and drops rows older than the retention period.
type History struct {
	db        *storage.DB
	retention time.Duration
	owned     bool
	now       func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
}

// NewHistory writes into db. If owned, Close also closes db.
func NewHistory(db *storage.DB, retention time.Duration, owned bool) *History {
	return &History{db: db, retention: retention, owned: owned, now: time.Now}
}

func (h *History) Name() string { return "history" }

func (h *History) Publish(ctx context.Context, n notice.Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.record(n); err != nil {
		return err
	}
	h.maybePrune()
	return nil
}

func (h *History) record(n notice.Notice) error {
	id := n.ID.String()

	switch n.Kind {
	case notice.SensorReadOk:
		if n.Reading == nil {
			return nil
		}
		_, err := h.db.InsertReading(&storage.ReadingRecord{
			NoticeID:  id,
			Sensor:    string(n.Reading.ID),
			Value:     n.Reading.Value,
			Timestamp: n.Timestamp,
		})
		return err

	case notice.LivenessComputed:
		if n.Liveness == nil {
			return nil
		}
		_, err := h.db.InsertLiveness(&storage.LivenessRecord{
			NoticeID:  id,
			LastSeen:  n.Liveness.LastSeen,
			AsOf:      n.Liveness.AsOf,
			Status:    string(n.Liveness.Status),
			Timestamp: n.Timestamp,
		})
		return err

	case notice.CommandApplied, notice.CommandFailed:
		if n.Command == nil {
			return nil
		}
		value, err := json.Marshal(n.Command.Value())
		if err != nil {
			return err
		}
		_, err = h.db.InsertCommand(&storage.CommandRecord{
			NoticeID:  id,
			Kind:      string(n.Command.Kind),
			Value:     string(value),
			Success:   n.Kind == notice.CommandApplied,
			Error:     n.Error,
			Timestamp: n.Timestamp,
		})
		return err
	}
	return nil
}

func (h *History) maybePrune() {
	if h.retention <= 0 {
		return
	}

	h.mu.Lock()
	now := h.now()
	if now.Sub(h.lastPrune) < pruneEvery {
		h.mu.Unlock()
		return
	}
	h.lastPrune = now
	h.mu.Unlock()

	n, err := h.db.PruneHistory(now.Add(-h.retention))
	if err != nil {
		log.Printf("Failed to prune history: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Pruned %d history rows older than %s", n, h.retention)
	}
}

func (h *History) Close() error {
	if h.owned {
		return h.db.Close()
	}
	return nil
}
