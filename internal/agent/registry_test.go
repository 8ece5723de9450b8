package agent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starsky227/LingYiProject/internal/backend"
	"github.com/Starsky227/LingYiProject/internal/events"
)

func echoEntry() backend.Opener {
	return backend.NewFuncOpener(func(ctx context.Context, call backend.Call) (any, error) {
		return call.Payload, nil
	})
}

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	require.NoError(t, r.Register(Descriptor{
		ID:           "weather",
		Name:         "Weather",
		Capabilities: []string{"forecast"},
		Entry:        echoEntry(),
	}))

	d, err := r.Lookup("weather")
	require.NoError(t, err)
	assert.Equal(t, "Weather", d.Name)
	assert.True(t, d.Supports("forecast"))
	assert.False(t, d.Supports("alarm"))
	assert.NotZero(t, d.Generation())

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Validation(t *testing.T) {
	r := NewRegistry(nil, nil)

	tests := []struct {
		name string
		d    Descriptor
	}{
		{"missing id", Descriptor{Entry: echoEntry()}},
		{"missing entry", Descriptor{ID: "a"}},
		{"negative limit", Descriptor{ID: "a", Entry: echoEntry(), ConcurrencyLimit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Register(tt.d), ErrInvalidDescriptor)
		})
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	r := NewRegistry(nil, nil)

	require.NoError(t, r.Register(Descriptor{ID: "a", ConcurrencyLimit: 1, Entry: echoEntry()}))
	first, _ := r.Lookup("a")

	require.NoError(t, r.Register(Descriptor{ID: "a", ConcurrencyLimit: 4, Entry: echoEntry()}))
	second, _ := r.Lookup("a")

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 4, second.ConcurrencyLimit)
	assert.NotEqual(t, first.Generation(), second.Generation())
}

func TestRegistry_EmptyCapabilitiesAcceptAnything(t *testing.T) {
	d := Descriptor{ID: "any"}
	assert.True(t, d.Supports("whatever"))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(Descriptor{ID: id, Entry: echoEntry()}))
	}

	var ids []string
	for _, d := range r.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{ID: "a", Capabilities: []string{"x"}, Entry: echoEntry()}))

	d, _ := r.Lookup("a")
	d.Capabilities[0] = "mutated"

	again, _ := r.Lookup("a")
	assert.Equal(t, []string{"x"}, again.Capabilities)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{ID: "a", Entry: echoEntry()}))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	_, err := r.Lookup("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{ID: "builtin", Source: "builtin", Entry: echoEntry()}))
	require.NoError(t, r.Register(Descriptor{ID: "old", Source: "a.json", Entry: echoEntry()}))
	require.NoError(t, r.Register(Descriptor{ID: "kept", Source: "b.json", Entry: echoEntry()}))

	fromManifests := func(d Descriptor) bool { return d.Source != "builtin" }

	err := r.Replace([]Descriptor{
		{ID: "kept", Source: "b.json", ConcurrencyLimit: 2, Entry: echoEntry()},
		{ID: "new", Source: "c.json", Entry: echoEntry()},
	}, fromManifests)
	require.NoError(t, err)

	var ids []string
	for _, d := range r.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"builtin", "kept", "new"}, ids)

	kept, _ := r.Lookup("kept")
	assert.Equal(t, 2, kept.ConcurrencyLimit)
}

func TestRegistry_ReplaceIsAllOrNothing(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{ID: "a", Source: "a.json", Entry: echoEntry()}))

	err := r.Replace([]Descriptor{
		{ID: "b", Entry: echoEntry()},
		{ID: "b", Entry: echoEntry()},
	}, func(Descriptor) bool { return true })
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	err = r.Replace([]Descriptor{{ID: "c"}}, func(Descriptor) bool { return true })
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = r.Lookup("a")
	assert.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_PublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicAgent, 10)

	r := NewRegistry(nil, bus)
	require.NoError(t, r.Register(Descriptor{ID: "a", Entry: echoEntry()}))
	require.NoError(t, r.Register(Descriptor{ID: "a", Entry: echoEntry()}))
	r.Unregister("a")

	want := []events.Event{
		events.AgentRegisteredEvent{AgentID: "a", Replaced: false},
		events.AgentRegisteredEvent{AgentID: "a", Replaced: true},
		events.AgentRemovedEvent{AgentID: "a"},
	}
	for _, w := range want {
		select {
		case ev := <-ch:
			switch got := ev.(type) {
			case events.AgentRegisteredEvent:
				got.Timestamp = time.Time{}
				assert.Equal(t, w, got)
			case events.AgentRemovedEvent:
				got.Timestamp = time.Time{}
				assert.Equal(t, w, got)
			default:
				t.Fatalf("unexpected event %T", ev)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for agent event")
		}
	}
}
