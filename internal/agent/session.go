package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Starsky227/LingYiProject/internal/backend"
)

// ErrSaturated is returned when a session slot could not be obtained before the
// caller's context ended.
var ErrSaturated = errors.New("agent at concurrency limit")

// errGateReplaced stops a wait on a gate that a new concurrency limit superseded.
var errGateReplaced = errors.New("admission gate replaced")

// SessionPool leases sessions for one agent ID. A counting gate sized to the
// current descriptor's ConcurrencyLimit bounds how many are in use at once, and
// it outlives re-registration: leases taken under an older registration keep
// counting against it until they come back.
type SessionPool struct {
	logger *slog.Logger

	mu       sync.Mutex
	desc     Descriptor
	gate     *semaphore.Weighted // nil when unbounded
	gateDone chan struct{}       // closed when gate is replaced
	debt     int                 // in-use leases the current gate could not absorb
	idle     []backend.Backend
	inUse    int
	peak     int
	opened   int
	retired  bool
}

func newSessionPool(d Descriptor, logger *slog.Logger) *SessionPool {
	p := &SessionPool{desc: d, logger: logger}
	p.resizeLocked(d.ConcurrencyLimit)
	return p
}

// resizeLocked installs a gate for limit, charging it with the leases already out.
// Leases beyond the new limit are owed as debt and paid back on release.
func (p *SessionPool) resizeLocked(limit int) {
	if p.gateDone != nil {
		close(p.gateDone)
	}
	p.gate, p.gateDone, p.debt = nil, nil, 0
	if limit <= 0 {
		return
	}
	p.gate = semaphore.NewWeighted(int64(limit))
	p.gateDone = make(chan struct{})
	charged := min(p.inUse, limit)
	p.gate.TryAcquire(int64(charged))
	p.debt = p.inUse - charged
}

// advance moves the pool to a newer registration of its agent. Older or equal
// generations are ignored. Idle sessions of the old registration are returned
// for closing.
func (p *SessionPool) advance(d Descriptor) []backend.Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.generation <= p.desc.generation {
		return nil
	}
	limit := p.desc.ConcurrencyLimit
	p.desc = d
	if d.ConcurrencyLimit != limit {
		p.resizeLocked(d.ConcurrencyLimit)
	}
	idle := p.idle
	p.idle = nil
	return idle
}

// Acquire blocks until a slot is free, then returns an idle session or opens a new
// one. A context that ends while waiting yields an error wrapping ErrSaturated.
func (p *SessionPool) Acquire(ctx context.Context) (*Lease, error) {
	var (
		desc    Descriptor
		session backend.Backend
	)
	for {
		p.mu.Lock()
		if p.retired {
			p.mu.Unlock()
			return nil, fmt.Errorf("sessions for agent %s closed", p.desc.ID)
		}
		gate, done, id := p.gate, p.gateDone, p.desc.ID
		p.mu.Unlock()

		if gate != nil {
			err := acquireGate(ctx, gate, done)
			if errors.Is(err, errGateReplaced) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrSaturated, id, err)
			}
		}

		p.mu.Lock()
		if p.gate != gate || p.retired {
			// The slot belongs to a gate that is no longer counted.
			p.mu.Unlock()
			continue
		}
		p.inUse++
		if p.inUse > p.peak {
			p.peak = p.inUse
		}
		desc = p.desc
		if n := len(p.idle); n > 0 {
			session = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()
		break
	}

	if session == nil {
		var err error
		session, err = desc.Entry.Open(ctx)
		if err != nil {
			p.free()
			return nil, fmt.Errorf("failed to open session for agent %s: %w", desc.ID, err)
		}
		p.mu.Lock()
		p.opened++
		p.mu.Unlock()
		p.logger.Debug("session opened", "agent_id", desc.ID, "session_id", session.SessionID())
	}

	return &Lease{pool: p, session: session, generation: desc.generation}, nil
}

// acquireGate takes one slot from gate, giving up with errGateReplaced once done
// is closed.
func acquireGate(ctx context.Context, gate *semaphore.Weighted, done <-chan struct{}) error {
	if gate.TryAcquire(1) {
		return nil
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := gate.Acquire(waitCtx, 1)
	if err != nil && ctx.Err() == nil {
		return errGateReplaced
	}
	return err
}

func (p *SessionPool) free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	switch {
	case p.gate == nil:
	case p.debt > 0:
		p.debt--
	default:
		p.gate.Release(1)
	}
}

// giveBack returns a healthy session to the idle list, or closes it when the agent
// is not reusable, the lease predates the current registration or the pool has
// been retired.
func (p *SessionPool) giveBack(session backend.Backend, generation uint64) {
	p.mu.Lock()
	keep := p.desc.Reusable && !p.retired && generation == p.desc.generation
	if keep {
		p.idle = append(p.idle, session)
	}
	p.mu.Unlock()

	if !keep {
		p.closeSession(session)
	}
	p.free()
}

func (p *SessionPool) closeSession(session backend.Backend) {
	if err := session.Close(); err != nil {
		p.logger.Warn("failed to close session", "session_id", session.SessionID(), "error", err)
	}
}

func (p *SessionPool) closeSessions(sessions []backend.Backend) error {
	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// close retires the pool and closes its idle sessions. Leased sessions are closed
// as they come back. Waiters give up.
func (p *SessionPool) close() error {
	p.mu.Lock()
	p.retired = true
	if p.gateDone != nil {
		close(p.gateDone)
		p.gateDone = nil
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	return p.closeSessions(idle)
}

// InUse returns the number of sessions currently leased.
func (p *SessionPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Peak returns the highest number of simultaneously leased sessions observed.
func (p *SessionPool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Idle returns the number of pooled sessions waiting for reuse.
func (p *SessionPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Opened returns how many sessions the pool has opened in total.
func (p *SessionPool) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// Lease is one checked-out session. Exactly one of Release or Discard takes effect.
type Lease struct {
	pool       *SessionPool
	session    backend.Backend
	generation uint64
	once       sync.Once
}

// Session returns the leased backend.
func (l *Lease) Session() backend.Backend {
	return l.session
}

// Release hands the session back for reuse.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.giveBack(l.session, l.generation) })
}

// Discard closes the session instead of returning it, e.g. after a handoff.
func (l *Lease) Discard() {
	l.once.Do(func() {
		l.pool.closeSession(l.session)
		l.pool.free()
	})
}

// Sessions owns one SessionPool per agent ID. When an agent is re-registered the
// pool moves forward to the new descriptor and keeps counting leases that are
// still out.
type Sessions struct {
	mu     sync.Mutex
	pools  map[string]*SessionPool
	closed bool
	logger *slog.Logger
}

// NewSessions creates an empty session manager.
func NewSessions(logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{pools: make(map[string]*SessionPool), logger: logger}
}

// Pool returns the pool for d's agent, creating it or advancing it to d's
// registration as needed. A descriptor older than the pool's is served by the
// current pool unchanged.
func (s *Sessions) Pool(d Descriptor) (*SessionPool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("sessions closed")
	}
	p, ok := s.pools[d.ID]
	if !ok {
		p = newSessionPool(d, s.logger)
		s.pools[d.ID] = p
	}
	s.mu.Unlock()

	if ok {
		if err := p.closeSessions(p.advance(d)); err != nil {
			s.logger.Warn("failed to close sessions of replaced agent", "agent_id", d.ID, "error", err)
		}
	}
	return p, nil
}

// Acquire leases a session for d.
func (s *Sessions) Acquire(ctx context.Context, d Descriptor) (*Lease, error) {
	p, err := s.Pool(d)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Lookup returns the current pool for an agent id, if any.
func (s *Sessions) Lookup(id string) (*SessionPool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	return p, ok
}

// Forget retires the pool of an agent that was unregistered.
func (s *Sessions) Forget(id string) error {
	s.mu.Lock()
	p, ok := s.pools[id]
	delete(s.pools, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return p.close()
}

// CloseAll retires every pool and closes idle sessions. Later Acquire calls fail.
func (s *Sessions) CloseAll() error {
	s.mu.Lock()
	s.closed = true
	pools := s.pools
	s.pools = make(map[string]*SessionPool)
	s.mu.Unlock()

	var errs []error
	for id, p := range pools {
		if err := p.close(); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
