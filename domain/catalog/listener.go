package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// ChangeChannel is the NOTIFY channel the catalog trigger publishes on.
const ChangeChannel = "catalog_entity_changes"

// Mutation operations carried by a ChangeEvent.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ChangeEvent is one entity mutation published by the primary store.
type ChangeEvent struct {
	Op   string `json:"op"`
	ID   string `json:"id"`
	FQN  string `json:"fqn"`
	Type string `json:"type"`
}

// Ref returns the entity reference carried by the event.
func (e ChangeEvent) Ref() Ref {
	return Ref{ID: e.ID, FQN: e.FQN, Type: e.Type}
}

// ParseChangeEvent decodes a NOTIFY payload.
func ParseChangeEvent(payload string) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if ev.ID == "" && ev.FQN == "" {
		return ChangeEvent{}, fmt.Errorf("change event without id or fqn")
	}
	// the trigger sends lower(TG_OP)
	ev.Op = strings.ToUpper(ev.Op)
	return ev, nil
}

// Listener turns NOTIFY messages on ChangeChannel into ChangeEvents.
type Listener struct {
	dsn string
	log *slog.Logger
}

// NewListener creates a listener for the given connection string.
func NewListener(dsn string, log *slog.Logger) *Listener {
	return &Listener{
		dsn: dsn,
		log: log.With(logger.Scope("catalog.listener")),
	}
}

// Listen delivers events to handle until ctx is cancelled. handle must not
// block for long; the notification connection is not drained while it runs.
func (l *Listener) Listen(ctx context.Context, handle func(ChangeEvent)) error {
	pl := pq.NewListener(l.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.log.Warn("change listener connection problem", logger.Error(err))
		case pq.ListenerEventReconnected:
			l.log.Info("change listener reconnected")
		}
	})
	defer pl.Close()

	if err := pl.Listen(ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	l.log.Info("listening for entity changes", slog.String("channel", ChangeChannel))

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-pl.Notify:
			// nil after a reconnect; events in the gap are covered by reindex.
			if n == nil {
				continue
			}
			ev, err := ParseChangeEvent(n.Extra)
			if err != nil {
				l.log.Warn("dropping malformed change event", logger.Error(err))
				continue
			}
			handle(ev)
		case <-ping.C:
			go func() {
				if err := pl.Ping(); err != nil {
					l.log.Debug("change listener ping failed", logger.Error(err))
				}
			}()
		}
	}
}
