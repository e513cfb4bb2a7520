package tui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/persistence"
)

// EventLogFeed replays the durable event log onto a bus so the dashboard
// can watch an engine running in another process.
type EventLogFeed struct {
	repo     persistence.Repository
	bus      events.Publisher
	interval time.Duration
	logger   *slog.Logger

	lastID int64
	since  time.Time
}

// NewEventLogFeed creates a feed that starts at from. Records before it are
// skipped.
func NewEventLogFeed(repo persistence.Repository, bus events.Publisher, interval time.Duration, from time.Time, logger *slog.Logger) *EventLogFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &EventLogFeed{
		repo:     repo,
		bus:      bus,
		interval: interval,
		logger:   logging.OrDefault(logger).With("component", "event_feed"),
		since:    from,
	}
}

// Run polls until ctx is cancelled.
func (f *EventLogFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if err := f.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn("event log poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll publishes records appended since the last poll, then a progress
// event for every request they touched.
func (f *EventLogFeed) Poll(ctx context.Context) error {
	recs, err := f.repo.ListEvents(ctx, persistence.EventFilter{Since: f.since})
	if err != nil {
		return err
	}

	touched := make(map[string]bool)
	var order []string
	for _, rec := range recs {
		if rec.ID <= f.lastID {
			continue
		}
		f.lastID = rec.ID
		f.since = rec.Timestamp

		if ev, ok := translate(rec); ok {
			f.bus.Publish(events.TopicTask, ev)
		}
		if rec.RequestID != "" && !touched[rec.RequestID] {
			touched[rec.RequestID] = true
			order = append(order, rec.RequestID)
		}
	}

	for _, id := range order {
		req, err := f.repo.GetRequest(ctx, id)
		if err != nil {
			continue
		}
		c := req.Plan().Counts()
		f.bus.Publish(events.TopicRequest, events.RequestProgressEvent{
			RequestID: id,
			Status:    string(req.Status()),
			Total:     c.Total,
			Completed: c.Completed,
			Running:   c.Running,
			Failed:    c.Failed,
			Pending:   c.Pending,
			Timestamp: time.Now(),
		})
	}
	return nil
}

type recordMeta struct {
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
	DLQEntry  string `json:"dlq_entry"`
	Reason    string `json:"reason"`
}

// translate maps a log record to the bus event the task pane understands.
func translate(rec *events.Record) (events.Event, bool) {
	var meta recordMeta
	if len(rec.Metadata) > 0 {
		_ = json.Unmarshal(rec.Metadata, &meta)
	}

	switch rec.Type {
	case events.RecordTaskStarted:
		return events.TaskStartedEvent{ID: rec.TaskID, RequestID: rec.RequestID, Name: rec.TaskID, Timestamp: rec.Timestamp}, true
	case events.RecordTaskCompleted:
		return events.TaskCompletedEvent{ID: rec.TaskID, RequestID: rec.RequestID, Timestamp: rec.Timestamp}, true
	case events.RecordTaskFailed:
		msg := meta.Error
		if msg == "" {
			msg = rec.Description
		}
		return events.TaskFailedEvent{ID: rec.TaskID, RequestID: rec.RequestID, Code: meta.ErrorCode, Err: errors.New(msg), Timestamp: rec.Timestamp}, true
	case events.RecordSystemError:
		if meta.DLQEntry == "" {
			return nil, false
		}
		return events.DLQSentEvent{EntryID: meta.DLQEntry, ID: rec.TaskID, RequestID: rec.RequestID, Reason: meta.Reason, Timestamp: rec.Timestamp}, true
	default:
		return nil, false
	}
}
