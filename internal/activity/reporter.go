// Package activity emits one structured record per authentication attempt and
// per filesystem operation. Records are appended to the store, logged, and
// fanned out to any subscribers (the listener supervisor, dashboards).
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pathvault/internal/store"
)

// Login is the action code for authentication attempts.
const Login = "LOGIN"

// Denied returns the action code recorded when a permission check fails.
func Denied(action string) string { return action + "_DENIED" }

// Failed returns the action code recorded when the underlying I/O fails.
func Failed(action string) string { return action + "_FAILED" }

// Reporter is safe for concurrent use by all sessions.
type Reporter struct {
	db     *store.DB
	logger *slog.Logger

	mu   sync.Mutex
	subs []chan store.ActivityRecord
}

// New builds a reporter. db may be nil in tests; records are then only logged
// and broadcast.
func New(db *store.DB, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{db: db, logger: logger}
}

// Subscribe registers a buffered channel receiving every record. A subscriber
// that falls behind loses records rather than blocking sessions.
func (r *Reporter) Subscribe(buf int) <-chan store.ActivityRecord {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan store.ActivityRecord, buf)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Log records one event. listenerID is nil for non-listener events.
func (r *Reporter) Log(ctx context.Context, listenerID *int64, username, action, path string, success bool) {
	rec := store.ActivityRecord{
		ListenerID: listenerID,
		Username:   username,
		Action:     action,
		Path:       path,
		Timestamp:  time.Now().Unix(),
		Success:    success,
	}

	if r.db != nil {
		if err := r.db.AddActivity(ctx, rec); err != nil {
			r.logger.Error("activity append failed", "error", err, "action", action, "user", username)
		}
	}

	attrs := []any{"user", username, "action", action, "path", path, "success", success}
	if listenerID != nil {
		attrs = append(attrs, "listener_id", *listenerID)
	}
	if success {
		r.logger.Info("activity", attrs...)
	} else {
		r.logger.Warn("activity", attrs...)
	}

	r.mu.Lock()
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	r.mu.Unlock()
}
