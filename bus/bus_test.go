package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/store/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Publish(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// lagging never persists acknowledgements, like a store that lost a write.
type lagging struct {
	*memory.Store
}

func (l lagging) MarkProcessed(context.Context, string, time.Time) error { return nil }

func newBus(t *testing.T, st core.Store) (*Bus, *recorder) {
	t.Helper()
	rec := &recorder{}
	return New(st, func(o *Options) { o.Publisher = rec }), rec
}

func TestSend_ValidatesAndPublishes(t *testing.T) {
	ctx := context.Background()
	b, rec := newBus(t, memory.New())

	m, err := b.SendPayload(ctx, "sup", "mgr", core.MessageResult, core.ResultPayload{Component: "API", CompletedTasks: 2, TotalTasks: 2})
	require.NoError(t, err)
	assert.Equal(t, core.MessagePending, m.Status)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, []core.EventType{core.EventMessageSent}, rec.types())
	assert.Equal(t, m.ID, rec.events[0].MessageID)

	_, err = b.SendPayload(ctx, "w", "sup", core.MessageError, core.ErrorPayload{})
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	_, err = b.Send(ctx, core.SessionMessage{From: "a", To: "b", Type: "gossip", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	_, err = b.Send(ctx, core.SessionMessage{From: "a", Type: core.MessageQuery, Payload: []byte(`"x"`)})
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	assert.Len(t, rec.types(), 1, "failed sends publish nothing")
}

func TestSend_ForcesPendingStatus(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	b, _ := newBus(t, st)
	at := time.Now()

	_, err := b.Send(ctx, core.SessionMessage{
		From: "a", To: "b", Type: core.MessageQuery, Payload: []byte(`{"q":1}`),
		Status: core.MessageProcessed, ProcessedAt: &at,
	})
	require.NoError(t, err)

	pending, err := b.PollPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].ProcessedAt)
}

func TestProcessedMessagesAreNeverRedelivered(t *testing.T) {
	ctx := context.Background()
	b, rec := newBus(t, lagging{memory.New()})

	first, err := b.SendPayload(ctx, "a", "b", core.MessageStatusUpdate, core.StatusPayload{Progress: 10})
	require.NoError(t, err)
	second, err := b.SendPayload(ctx, "a", "b", core.MessageStatusUpdate, core.StatusPayload{Progress: 20})
	require.NoError(t, err)

	require.NoError(t, b.MarkProcessed(ctx, first.ID))
	require.NoError(t, b.MarkProcessed(ctx, first.ID))
	assert.True(t, b.IsProcessed(first.ID))

	pending, err := b.PollPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	processed := 0
	for _, typ := range rec.types() {
		if typ == core.EventMessageProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)

	b.Reset()
	pending, err = b.PollPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "the lagging store still reports both after a reset")
}

func TestMarkProcessed_UnknownMessage(t *testing.T) {
	b, _ := newBus(t, memory.New())
	err := b.MarkProcessed(context.Background(), "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.True(t, b.IsProcessed("missing"))
}

func TestHistoryAndPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC)
	clock := now.Add(-10 * 24 * time.Hour)
	b := New(memory.New(), func(o *Options) { o.Now = func() time.Time { return clock } })

	old, err := b.SendPayload(ctx, "w", "sup", core.MessageResult, core.ResultPayload{TaskID: "t1", Success: true})
	require.NoError(t, err)
	require.NoError(t, b.MarkProcessed(ctx, old.ID))

	clock = now
	_, err = b.SendPayload(ctx, "sup", "mgr", core.MessageResult, core.ResultPayload{Component: "API"})
	require.NoError(t, err)

	hist, err := b.History(ctx, "sup")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	n, err := b.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hist, err = b.History(ctx, "sup")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

type plainStore struct{ core.Store }

func TestPurge_Unsupported(t *testing.T) {
	b := New(plainStore{memory.New()})
	_, err := b.Purge(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrPurgeUnsupported)

	_, ok := b.Watch(context.Background())
	assert.False(t, ok)
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(memory.New())
	ch, ok := b.Watch(ctx)
	require.True(t, ok)

	_, err := b.SendPayload(context.Background(), "a", "b", core.MessageQuery, "ping")
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a nudge")
	}
}
