package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tkjaer/echoprobe/internal/probe"
)

// DefaultPollTimeout bounds how long Run blocks before checking for cancellation
const DefaultPollTimeout = 100

// DefaultResolveTimeout bounds a background hostname lookup
const DefaultResolveTimeout = 2 * time.Second

// Largest IPv4 datagram carrying a maximum size echo reply
const readBufferSize = 60 + probe.HeaderSize + probe.MaxPayloadSize

var ErrInactiveProbe = errors.New("probe is not active")

type handleKind int

const (
	socketHandle handleKind = iota
	timerHandle
)

type handle struct {
	probe *probe.Probe
	kind  handleKind
}

type resolution struct {
	probe *probe.Probe
	addr  netip.Addr
	err   error
}

// Monitor multiplexes the socket and timer of every registered probe over a
// single Poller and drives them from one goroutine.
type Monitor struct {
	// Coordination
	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	lookups  sync.WaitGroup

	log            *slog.Logger
	clock          clockwork.Clock
	poller         Poller
	pollTimeout    int
	resolveTimeout time.Duration

	handles   map[int]handle
	probes    []*probe.Probe
	finished  []*probe.Probe
	resolving map[*probe.Probe]bool // owned by the Run goroutine
	resolved  []resolution          // guarded by mu
	buf       []byte
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

func WithClock(c clockwork.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithPollTimeout sets the Poller wait in milliseconds
func WithPollTimeout(msec int) Option { return func(m *Monitor) { m.pollTimeout = msec } }

// WithResolveTimeout bounds each background lookup of an unresolved hostname
func WithResolveTimeout(d time.Duration) Option { return func(m *Monitor) { m.resolveTimeout = d } }

func New(poller Poller, opts ...Option) *Monitor {
	m := &Monitor{
		stop:           make(chan struct{}),
		log:            slog.Default(),
		clock:          clockwork.NewRealClock(),
		poller:         poller,
		pollTimeout:    DefaultPollTimeout,
		resolveTimeout: DefaultResolveTimeout,
		handles:        make(map[int]handle),
		resolving:      make(map[*probe.Probe]bool),
		buf:            make([]byte, readBufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds p to the poll set. Inactive probes are rejected.
func (m *Monitor) Register(p *probe.Probe) error {
	if !p.IsActive() {
		return fmt.Errorf("register %s: %w", p.Name(), ErrInactiveProbe)
	}
	if err := m.poller.Add(p.Fd()); err != nil {
		return fmt.Errorf("register %s: %w", p.Name(), err)
	}
	if err := m.poller.Add(p.TimerFd()); err != nil {
		_ = m.poller.Remove(p.Fd())
		return fmt.Errorf("register %s: %w", p.Name(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[p.Fd()] = handle{probe: p, kind: socketHandle}
	m.handles[p.TimerFd()] = handle{probe: p, kind: timerHandle}
	m.probes = append(m.probes, p)
	m.log.Debug("Registered probe", "probe", p.Name(), "fd", p.Fd(), "timer_fd", p.TimerFd())
	return nil
}

// Len is the number of probes still being driven
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.probes)
}

// Finished returns the probes that have been deactivated and closed
func (m *Monitor) Finished() []*probe.Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*probe.Probe(nil), m.finished...)
}

// Run drives the registered probes until ctx is cancelled, Stop is called
// or every probe has become inactive. Remaining probes are closed on return.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.lookups.Wait()
	defer m.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stop:
			return nil
		default:
		}
		if m.Len() == 0 {
			m.log.Debug("No active probes left")
			return nil
		}

		ready, err := m.poller.Wait(m.pollTimeout)
		if err != nil {
			return err
		}
		m.applyResolved()
		for _, fd := range ready {
			m.mu.Lock()
			h, ok := m.handles[fd]
			m.mu.Unlock()
			if !ok {
				continue
			}
			switch h.kind {
			case timerHandle:
				m.onTimer(ctx, h.probe)
			case socketHandle:
				m.onReadable(ctx, h.probe)
			}
			if h.probe.IsActive() && h.probe.Done() {
				h.probe.Deactivate()
			}
		}
		m.reap()
	}
}

// Stop makes Run return. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Monitor) onTimer(ctx context.Context, p *probe.Probe) {
	if _, err := p.DrainTimer(); err != nil && !errors.Is(err, probe.ErrWouldBlock) {
		m.log.Warn("Failed to read send timer", "probe", p.Name(), "err", err)
	}
	if !p.IsActive() {
		return
	}
	if !p.HostnameResolved() {
		m.resolve(ctx, p)
		return
	}
	if p.IsTimedOut(m.clock.Now()) {
		p.HandleTimeout(ctx)
	}
	// One request at a time: wait for its reply or its timeout
	if p.Outstanding() {
		return
	}
	// A failed send is logged by the probe and times out like a lost request
	_, _ = p.Send(ctx)
}

// resolve looks the destination of p up on its own goroutine. The answer is
// applied by applyResolved on the Run goroutine; p is not touched meanwhile.
func (m *Monitor) resolve(ctx context.Context, p *probe.Probe) {
	if m.resolving[p] {
		return
	}
	m.resolving[p] = true
	lookup := p.Lookup(p.Config().Destination())

	m.lookups.Add(1)
	go func() {
		defer m.lookups.Done()
		ctx, cancel := context.WithTimeout(ctx, m.resolveTimeout)
		defer cancel()
		addr, err := lookup(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.resolved = append(m.resolved, resolution{probe: p, addr: addr, err: err})
	}()
}

func (m *Monitor) applyResolved() {
	m.mu.Lock()
	results := m.resolved
	m.resolved = nil
	m.mu.Unlock()

	for _, r := range results {
		delete(m.resolving, r.probe)
		if r.probe.IsActive() {
			r.probe.ApplyLookup(r.addr, r.err)
		}
	}
}

func (m *Monitor) onReadable(ctx context.Context, p *probe.Probe) {
	m.drainErrors(p)
	for {
		reply, n, err := p.ReadReply(m.buf)
		switch {
		case errors.Is(err, probe.ErrWouldBlock):
			return
		case errors.Is(err, probe.ErrNotEchoReply), errors.Is(err, probe.ErrShortPacket):
			continue
		case err != nil:
			m.log.Warn("Failed to read reply", "probe", p.Name(), "err", err)
			return
		}
		if !p.IsActive() || !p.HasSent() || p.Received() || !p.Matches(reply) {
			continue
		}
		p.Receive(ctx, n)
	}
}

// drainErrors empties the socket error queue. A non-empty queue keeps the
// socket ready in the poller.
func (m *Monitor) drainErrors(p *probe.Probe) {
	for {
		_, err := p.ReadError(m.buf)
		switch {
		case err == nil:
			continue
		case errors.Is(err, probe.ErrWouldBlock):
		default:
			m.log.Warn("Failed to read ICMP error", "probe", p.Name(), "err", err)
		}
		return
	}
}

// reap unregisters and closes every probe that has become inactive
func (m *Monitor) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.probes[:0]
	for _, p := range m.probes {
		if p.IsActive() {
			active = append(active, p)
			continue
		}
		m.release(p)
	}
	clear(m.probes[len(active):])
	m.probes = active
}

func (m *Monitor) release(p *probe.Probe) {
	for _, fd := range []int{p.Fd(), p.TimerFd()} {
		if err := m.poller.Remove(fd); err != nil {
			m.log.Debug("Failed to remove descriptor", "probe", p.Name(), "fd", fd, "err", err)
		}
		delete(m.handles, fd)
	}
	if err := p.Close(); err != nil {
		m.log.Warn("Failed to close probe", "probe", p.Name(), "err", err)
	}
	m.finished = append(m.finished, p)
}

func (m *Monitor) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.probes {
		p.Deactivate()
		m.release(p)
	}
	m.probes = nil
}
