package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

type schemaChange struct {
	SenderID  string `json:"senderId"`
	ClassName string `json:"className,omitempty"`
}

func (a *Adapter) notifySchemaChange(ctx context.Context, className string) {
	payload, err := json.Marshal(schemaChange{SenderID: a.senderID, ClassName: className})
	if err != nil {
		a.log.Warnw("failed to encode schema change", "error", err)
		return
	}
	if _, err := a.db.DB().ExecContext(ctx, `SELECT pg_notify($1, $2)`, SchemaChannel, string(payload)); err != nil {
		a.log.Warnw("failed to notify schema change", "className", className, "error", err)
	}
}

// handleNotification evicts cached schemas named by a notification sent by
// another adapter. It reports the evicted class, "" meaning all of them.
func (a *Adapter) handleNotification(payload string) (string, bool) {
	var change schemaChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		a.log.Warnw("ignoring malformed schema change", "payload", payload, "error", err)
		return "", false
	}
	if change.SenderID == a.senderID {
		return "", false
	}
	a.evict(change.ClassName)
	return change.ClassName, true
}

// WatchSchemaChanges listens on SchemaChannel until ctx is done. Schema
// changes made by other adapters evict the cache and are passed to onChange,
// which may be nil. A dropped connection purges the whole cache.
func (a *Adapter) WatchSchemaChanges(ctx context.Context, dsn string, onChange func(className string)) error {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			a.log.Warnw("schema listener event", "event", ev, "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(SchemaChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", SchemaChannel, err)
	}
	a.log.Infow("watching schema changes", "channel", SchemaChannel, "senderId", a.senderID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			if n == nil {
				a.cache.Purge()
				continue
			}
			className, ok := a.handleNotification(n.Extra)
			if ok && onChange != nil {
				onChange(className)
			}
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				a.log.Warnw("schema listener ping failed", "error", err)
			}
		}
	}
}
