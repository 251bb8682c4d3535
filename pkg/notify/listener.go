// Package notify delivers external acknowledgements to parked entities. An
// entity that went Pending waits for a counterparty response; when the
// business layer receives one it publishes the entity id on a Redis
// channel, and the listener clears the pending flag so polling picks the
// entity back up. Redis is delivery only — the durable state stays in the
// entity store.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tradelane/dataspace/pkg/persistence"
)

// Channel carries pending-release messages of the form "<family>:<id>".
const Channel = "dataspace.pending.release"

// PendingClearer is the slice of the entity store the listener needs.
type PendingClearer interface {
	ClearPending(ctx context.Context, id string) error
}

// Listener subscribes to the release channel and fans messages out to the
// registered family stores.
type Listener struct {
	client *redis.Client
	stores map[string]PendingClearer
	logger *slog.Logger
}

// NewListener builds a listener over an existing Redis client.
func NewListener(client *redis.Client, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		client: client,
		stores: map[string]PendingClearer{},
		logger: logger.With("component", "notify"),
	}
}

// Register attaches a family's store. Must be called before Run.
func (l *Listener) Register(family string, st PendingClearer) {
	l.stores[family] = st
}

// Run consumes release messages until the context is cancelled. Malformed
// or misrouted messages are logged and dropped, never fatal.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, Channel)
	defer func() { _ = sub.Close() }()

	l.logger.InfoContext(ctx, "pending-release listener started", "channel", Channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "pending-release listener stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", Channel)
			}
			if err := l.dispatch(ctx, msg.Payload); err != nil {
				l.logger.WarnContext(ctx, "dropped release message",
					"payload", msg.Payload, "error", err)
			}
		}
	}
}

// dispatch routes one "<family>:<id>" payload to its store.
func (l *Listener) dispatch(ctx context.Context, payload string) error {
	family, id, found := strings.Cut(payload, ":")
	if !found || family == "" || id == "" {
		return fmt.Errorf("malformed payload, want <family>:<id>")
	}
	st, ok := l.stores[family]
	if !ok {
		return fmt.Errorf("unknown family %q", family)
	}
	if err := st.ClearPending(ctx, id); err != nil {
		// ErrNotFound here means a duplicate or stale acknowledgement.
		if errors.Is(err, persistence.ErrNotFound) {
			l.logger.DebugContext(ctx, "stale release message", "family", family, "entity", id)
			return nil
		}
		return err
	}
	l.logger.InfoContext(ctx, "pending flag cleared", "family", family, "entity", id)
	return nil
}
