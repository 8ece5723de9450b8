package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starsky227/LingYiProject/internal/backend"
)

// countingBackend records Close calls.
type countingBackend struct {
	id     string
	closed atomic.Int32
}

func (b *countingBackend) Invoke(ctx context.Context, call backend.Call) (backend.Response, error) {
	return backend.Response{Content: call.Payload, SessionID: b.id}, nil
}
func (b *countingBackend) Close() error      { b.closed.Add(1); return nil }
func (b *countingBackend) SessionID() string { return b.id }

type countingOpener struct {
	mu       sync.Mutex
	sessions []*countingBackend
	err      error
}

func (o *countingOpener) Open(ctx context.Context) (backend.Backend, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	b := &countingBackend{id: "s" + string(rune('0'+len(o.sessions)))}
	o.sessions = append(o.sessions, b)
	return b, nil
}

func (o *countingOpener) opened() []*countingBackend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*countingBackend(nil), o.sessions...)
}

func TestSessionPool_ReusesSessions(t *testing.T) {
	opener := &countingOpener{}
	s := NewSessions(nil)
	d := Descriptor{ID: "a", Reusable: true, Entry: opener}

	lease, err := s.Acquire(context.Background(), d)
	require.NoError(t, err)
	first := lease.Session()
	lease.Release()
	lease.Release() // second release is a no-op

	lease, err = s.Acquire(context.Background(), d)
	require.NoError(t, err)
	assert.Same(t, first, lease.Session())
	lease.Release()

	pool, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, pool.Opened())
	assert.Equal(t, 1, pool.Idle())
	assert.Equal(t, 0, pool.InUse())
}

func TestSessionPool_NonReusableClosesOnRelease(t *testing.T) {
	opener := &countingOpener{}
	s := NewSessions(nil)
	d := Descriptor{ID: "a", Entry: opener}

	lease, err := s.Acquire(context.Background(), d)
	require.NoError(t, err)
	lease.Release()

	lease, err = s.Acquire(context.Background(), d)
	require.NoError(t, err)
	lease.Release()

	sessions := opener.opened()
	require.Len(t, sessions, 2)
	for _, b := range sessions {
		assert.EqualValues(t, 1, b.closed.Load())
	}
}

func TestSessionPool_DiscardCloses(t *testing.T) {
	opener := &countingOpener{}
	s := NewSessions(nil)
	d := Descriptor{ID: "a", Reusable: true, ConcurrencyLimit: 1, Entry: opener}

	lease, err := s.Acquire(context.Background(), d)
	require.NoError(t, err)
	lease.Discard()
	lease.Release() // ignored after Discard

	pool, _ := s.Lookup("a")
	assert.Equal(t, 0, pool.Idle())
	assert.EqualValues(t, 1, opener.opened()[0].closed.Load())

	// The slot was freed.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	lease, err = s.Acquire(ctx, d)
	require.NoError(t, err)
	lease.Release()
}

func TestSessionPool_GateTimeout(t *testing.T) {
	s := NewSessions(nil)
	d := Descriptor{ID: "a", ConcurrencyLimit: 1, Entry: &countingOpener{}}

	held, err := s.Acquire(context.Background(), d)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, d)
	assert.ErrorIs(t, err, ErrSaturated)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionPool_OpenFailureFreesSlot(t *testing.T) {
	opener := &countingOpener{err: errors.New("spawn failed")}
	s := NewSessions(nil)
	d := Descriptor{ID: "a", ConcurrencyLimit: 1, Entry: opener}

	_, err := s.Acquire(context.Background(), d)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSaturated)

	pool, _ := s.Lookup("a")
	assert.Equal(t, 0, pool.InUse())

	opener.mu.Lock()
	opener.err = nil
	opener.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	lease, err := s.Acquire(ctx, d)
	require.NoError(t, err)
	lease.Release()
}

func TestSessionPool_ConcurrencyCeiling(t *testing.T) {
	const limit = 3
	s := NewSessions(nil)
	d := Descriptor{ID: "a", ConcurrencyLimit: limit, Reusable: true, Entry: &countingOpener{}}

	var (
		wg      sync.WaitGroup
		current atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := s.Acquire(context.Background(), d)
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	pool, _ := s.Lookup("a")
	assert.LessOrEqual(t, int(maxSeen.Load()), limit)
	assert.LessOrEqual(t, pool.Peak(), limit)
	assert.LessOrEqual(t, pool.Opened(), limit)
	assert.Equal(t, 0, pool.InUse())
}

func TestSessions_CeilingHoldsAcrossReRegistration(t *testing.T) {
	r := NewRegistry(nil, nil)
	opener := &countingOpener{}
	require.NoError(t, r.Register(Descriptor{ID: "a", Reusable: true, ConcurrencyLimit: 1, Entry: opener}))

	s := NewSessions(nil)
	d1, _ := r.Lookup("a")
	lease, err := s.Acquire(context.Background(), d1)
	require.NoError(t, err)

	require.NoError(t, r.Register(Descriptor{ID: "a", Reusable: true, ConcurrencyLimit: 1, Entry: opener}))
	d2, _ := r.Lookup("a")

	// The lease from the first registration still holds the only slot.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, d2)
	assert.ErrorIs(t, err, ErrSaturated)

	// A lease from the old registration is closed on release and frees the slot.
	lease.Release()
	assert.EqualValues(t, 1, opener.opened()[0].closed.Load())

	lease2, err := s.Acquire(context.Background(), d2)
	require.NoError(t, err)
	lease2.Release()

	pool, _ := s.Lookup("a")
	assert.Equal(t, 1, pool.Peak())
	assert.Equal(t, 0, pool.InUse())
}

func TestSessions_WaiterSurvivesLimitChange(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{ID: "a", ConcurrencyLimit: 1, Entry: &countingOpener{}}))
	d1, _ := r.Lookup("a")

	s := NewSessions(nil)
	held, err := s.Acquire(context.Background(), d1)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		lease, err := s.Acquire(context.Background(), d1)
		if err == nil {
			lease.Release()
		}
		got <- err
	}()

	// Raising the limit lets the waiter in while the first lease is still out.
	require.NoError(t, r.Register(Descriptor{ID: "a", ConcurrencyLimit: 2, Entry: &countingOpener{}}))
	d2, _ := r.Lookup("a")
	_, err = s.Pool(d2)
	require.NoError(t, err)

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted after the limit was raised")
	}
	held.Release()

	pool, _ := s.Lookup("a")
	assert.Equal(t, 2, pool.Peak())
	assert.Equal(t, 0, pool.InUse())
}

func TestSessions_LoweredLimitCountsOutstandingLeases(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{ID: "a", ConcurrencyLimit: 2, Entry: &countingOpener{}}))
	d1, _ := r.Lookup("a")

	s := NewSessions(nil)
	first, err := s.Acquire(context.Background(), d1)
	require.NoError(t, err)
	second, err := s.Acquire(context.Background(), d1)
	require.NoError(t, err)

	require.NoError(t, r.Register(Descriptor{ID: "a", ConcurrencyLimit: 1, Entry: &countingOpener{}}))
	d2, _ := r.Lookup("a")

	try := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		lease, err := s.Acquire(ctx, d2)
		if err == nil {
			lease.Release()
		}
		return err
	}

	assert.ErrorIs(t, try(), ErrSaturated)
	first.Release()
	assert.ErrorIs(t, try(), ErrSaturated, "one lease still out fills the new limit")
	second.Release()
	assert.NoError(t, try())
}

func TestSessions_StaleDescriptorDoesNotRollBack(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Descriptor{ID: "a", Reusable: true, ConcurrencyLimit: 1, Entry: &countingOpener{}}))
	d1, _ := r.Lookup("a")
	require.NoError(t, r.Register(Descriptor{ID: "a", Reusable: true, ConcurrencyLimit: 1, Entry: &countingOpener{}}))
	d2, _ := r.Lookup("a")

	s := NewSessions(nil)
	lease, err := s.Acquire(context.Background(), d2)
	require.NoError(t, err)
	lease.Release()

	pool, _ := s.Lookup("a")
	require.Equal(t, 1, pool.Idle())

	// A worker holding the older descriptor reuses the current registration.
	again, err := s.Pool(d1)
	require.NoError(t, err)
	assert.Same(t, pool, again)
	assert.Equal(t, 1, pool.Idle())

	lease, err = s.Acquire(context.Background(), d1)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 1, pool.Opened())
	assert.Equal(t, 1, pool.Idle())
}

func TestSessions_CloseAll(t *testing.T) {
	opener := &countingOpener{}
	s := NewSessions(nil)
	d := Descriptor{ID: "a", Reusable: true, Entry: opener}

	lease, err := s.Acquire(context.Background(), d)
	require.NoError(t, err)
	lease.Release()

	require.NoError(t, s.CloseAll())
	assert.EqualValues(t, 1, opener.opened()[0].closed.Load())

	_, err = s.Acquire(context.Background(), d)
	assert.Error(t, err)
}

func TestSessions_Forget(t *testing.T) {
	opener := &countingOpener{}
	s := NewSessions(nil)
	d := Descriptor{ID: "a", Reusable: true, Entry: opener}

	lease, err := s.Acquire(context.Background(), d)
	require.NoError(t, err)
	lease.Release()

	require.NoError(t, s.Forget("a"))
	require.NoError(t, s.Forget("a"))
	_, ok := s.Lookup("a")
	assert.False(t, ok)
	assert.EqualValues(t, 1, opener.opened()[0].closed.Load())
}
