// Package bus implements the asynchronous message channel between sessions.
//
// Messages are persisted through a core.Store and delivered by polling:
// the engine calls PollPending on a fixed interval (and whenever a watching
// store signals new files), routes each message and acknowledges it with
// MarkProcessed. The bus remembers acknowledged ids for the lifetime of the
// run so that a message is never handed out twice, even when the store lags
// behind or the acknowledgement failed to persist.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

// ErrPurgeUnsupported is returned by Purge when the store cannot delete messages.
var ErrPurgeUnsupported = errors.New("store does not support purging messages")

// DefaultRetention is the age after which processed messages may be purged.
const DefaultRetention = 7 * 24 * time.Hour

// Publisher receives bus notifications. Publishing must not block.
type Publisher interface {
	Publish(ev core.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev core.Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev core.Event) { f(ev) }

// Options configures a Bus.
type Options struct {
	Publisher Publisher
	Logger    logging.Logger
	Now       func() time.Time
}

// Bus persists and delivers session messages.
type Bus struct {
	store core.Store
	opts  Options

	mu        sync.Mutex
	processed map[string]struct{}
}

// New creates a bus on top of store.
func New(store core.Store, optFns ...func(o *Options)) *Bus {
	opts := Options{
		Publisher: PublisherFunc(func(core.Event) {}),
		Logger:    logging.NoOpLogger{},
		Now:       func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{store: store, opts: opts, processed: make(map[string]struct{})}
}

// Send validates the payload, stamps the message as pending and persists it.
// Missing ids and timestamps are filled in. A message_sent event is published
// after the write succeeded.
func (b *Bus) Send(ctx context.Context, m core.SessionMessage) (core.SessionMessage, error) {
	if m.ID == "" {
		m.ID = core.NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = b.opts.Now()
	}
	if m.From == "" || m.To == "" {
		return core.SessionMessage{}, fmt.Errorf("%w: message %s needs sender and recipient", core.ErrInvalidPayload, m.ID)
	}
	if err := core.ValidatePayload(m); err != nil {
		return core.SessionMessage{}, err
	}
	m.Status = core.MessagePending
	m.ProcessedAt = nil

	if err := b.store.WriteMessage(ctx, m); err != nil {
		return core.SessionMessage{}, fmt.Errorf("persist message %s: %w", m.ID, err)
	}
	b.opts.Logger.Debug("message sent", "message_id", m.ID, "type", m.Type, "from", m.From, "to", m.To)

	ev := core.NewEvent(core.EventMessageSent, m.To).
		With("from", m.From).
		With("to", m.To).
		With("type", string(m.Type))
	ev.MessageID = m.ID
	b.opts.Publisher.Publish(ev)
	return m.Clone(), nil
}

// SendPayload encodes payload and sends a new message from one session to another.
func (b *Bus) SendPayload(ctx context.Context, from, to string, t core.MessageType, payload any) (core.SessionMessage, error) {
	m, err := core.NewSessionMessage(from, to, t, payload)
	if err != nil {
		return core.SessionMessage{}, err
	}
	m.Timestamp = b.opts.Now()
	return b.Send(ctx, m)
}

// PollPending returns pending messages ordered by timestamp, skipping every
// id already acknowledged during this run.
func (b *Bus) PollPending(ctx context.Context) ([]core.SessionMessage, error) {
	pending, err := b.store.ReadPendingMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending messages: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := pending[:0]
	for _, m := range pending {
		if _, done := b.processed[m.ID]; done {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkProcessed acknowledges a message. The id is recorded locally before the
// store is updated; repeated calls are no-ops.
func (b *Bus) MarkProcessed(ctx context.Context, id string) error {
	b.mu.Lock()
	if _, done := b.processed[id]; done {
		b.mu.Unlock()
		return nil
	}
	b.processed[id] = struct{}{}
	b.mu.Unlock()

	if err := b.store.MarkProcessed(ctx, id, b.opts.Now()); err != nil {
		return fmt.Errorf("mark message %s processed: %w", id, err)
	}
	ev := core.NewEvent(core.EventMessageProcessed, "")
	ev.MessageID = id
	b.opts.Publisher.Publish(ev)
	return nil
}

// IsProcessed reports whether id was acknowledged during this run.
func (b *Bus) IsProcessed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.processed[id]
	return ok
}

// History returns every message sent to or from sessionID.
func (b *Bus) History(ctx context.Context, sessionID string) ([]core.SessionMessage, error) {
	return b.store.ListMessages(ctx, sessionID)
}

// Purge deletes processed messages older than olderThan. A non-positive
// duration uses DefaultRetention.
func (b *Bus) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	purger, ok := b.store.(core.MessagePurger)
	if !ok {
		return 0, ErrPurgeUnsupported
	}
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	n, err := purger.PurgeMessages(ctx, b.opts.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	b.opts.Logger.Info("purged processed messages", "count", n, "older_than", olderThan)
	return n, nil
}

// Watch returns the store's new-message signal when the store supports it.
func (b *Bus) Watch(ctx context.Context) (<-chan struct{}, bool) {
	w, ok := b.store.(core.MessageWatcher)
	if !ok {
		return nil, false
	}
	ch, err := w.WatchMessages(ctx)
	if err != nil {
		b.opts.Logger.Warn("message watch unavailable", "error", err)
		return nil, false
	}
	return ch, true
}

// Reset forgets every locally acknowledged id.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed = make(map[string]struct{})
}
