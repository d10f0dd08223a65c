package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkjaer/echoprobe/internal/probe"
	"github.com/tkjaer/echoprobe/internal/sink"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptedPoller returns one ready set per Wait and runs the hook before it
type scriptedPoller struct {
	steps   []step
	added   map[int]bool
	removed []int
	onEmpty func()
	closed  bool
}

type step struct {
	before func()
	ready  []int
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{added: make(map[int]bool)}
}

func (p *scriptedPoller) Add(fd int) error {
	if p.added[fd] {
		return errors.New("already added")
	}
	p.added[fd] = true
	return nil
}

func (p *scriptedPoller) Remove(fd int) error {
	delete(p.added, fd)
	p.removed = append(p.removed, fd)
	return nil
}

func (p *scriptedPoller) Wait(int) ([]int, error) {
	if len(p.steps) == 0 {
		if p.onEmpty != nil {
			p.onEmpty()
		}
		return nil, nil
	}
	s := p.steps[0]
	p.steps = p.steps[1:]
	if s.before != nil {
		s.before()
	}
	return s.ready, nil
}

func (p *scriptedPoller) Close() error { p.closed = true; return nil }

type fakeConn struct {
	fd       int
	inbox    [][]byte
	errQueue []probe.QueuedError
	sent     int
	closed   bool
}

func (c *fakeConn) SetRecvErr(bool) error       { return nil }
func (c *fakeConn) SetTTL(int) error            { return nil }
func (c *fakeConn) TTL() (int, error)           { return 64, nil }
func (c *fakeConn) BindSource(netip.Addr) error { return nil }
func (c *fakeConn) BindInterface(string) error  { return nil }
func (c *fakeConn) Fd() int                     { return c.fd }
func (c *fakeConn) Close() error                { c.closed = true; return nil }

func (c *fakeConn) SendTo(b []byte, _ netip.Addr) (int, error) {
	c.sent++
	return len(b), nil
}

func (c *fakeConn) Recv(b []byte) (int, error) {
	if len(c.inbox) == 0 {
		return 0, probe.ErrWouldBlock
	}
	n := copy(b, c.inbox[0])
	c.inbox = c.inbox[1:]
	return n, nil
}

func (c *fakeConn) RecvErr([]byte) (probe.QueuedError, error) {
	if len(c.errQueue) == 0 {
		return probe.QueuedError{}, probe.ErrWouldBlock
	}
	qe := c.errQueue[0]
	c.errQueue = c.errQueue[1:]
	return qe, nil
}

type fakeTimer struct {
	fd     int
	closed bool
}

func (t *fakeTimer) Fd() int               { return t.fd }
func (t *fakeTimer) Read() (uint64, error) { return 1, nil }
func (t *fakeTimer) Close() error          { t.closed = true; return nil }

type fixture struct {
	probe *probe.Probe
	conn  *fakeConn
	timer *fakeTimer
}

func newFixture(t *testing.T, clock clockwork.Clock, s sink.Sink, c probe.Config, fd int, id uint16, opts ...probe.Option) fixture {
	t.Helper()
	cfg, err := c.Resolve()
	require.NoError(t, err)

	f := fixture{conn: &fakeConn{fd: fd}, timer: &fakeTimer{fd: fd + 1}}
	f.probe, err = probe.New(context.Background(), cfg, append([]probe.Option{
		probe.WithClock(clock),
		probe.WithLogger(discard),
		probe.WithSink(s),
		probe.WithIdentifier(id),
		probe.WithDialer(func() (probe.Conn, error) { return f.conn, nil }),
		probe.WithTimerFactory(func(time.Duration, time.Duration) (probe.Timer, error) { return f.timer, nil }),
		probe.WithRouteLookup(nil),
	}, opts...)...)
	require.NoError(t, err)
	return f
}

func echoReply(t *testing.T, src string, id, seq uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      58,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.IPv4(192, 0, 2, 10).To4(),
	}
	icmp4 := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, icmp4, gopacket.Payload(make([]byte, 56))))
	return buf.Bytes()
}

func echoRequest(t *testing.T, src string) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.IPv4(192, 0, 2, 10).To4(),
	}
	icmp4 := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, icmp4))
	return buf.Bytes()
}

func TestMonitor_RunUntilRepliesReceived(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := sink.NewMemory()
	f := newFixture(t, clock, mem, probe.Config{
		Name:               "two",
		DestinationAddress: "198.51.100.1",
		MaxReplies:         ptr(2),
		Interval:           time.Second,
	}, 10, 0xbeef)

	poller := newScriptedPoller()
	m := New(poller, WithLogger(discard), WithClock(clock))
	require.NoError(t, m.Register(f.probe))
	require.Equal(t, 1, m.Len())

	poller.steps = []step{
		{ready: []int{11}},
		{
			before: func() {
				clock.Advance(20 * time.Millisecond)
				f.conn.inbox = [][]byte{
					echoRequest(t, "192.0.2.99"),
					echoReply(t, "198.51.100.1", 0xbeef, 1),
				}
			},
			ready: []int{10},
		},
		{before: func() { clock.Advance(980 * time.Millisecond) }, ready: []int{11}},
		{
			before: func() {
				clock.Advance(30 * time.Millisecond)
				f.conn.inbox = [][]byte{echoReply(t, "198.51.100.1", 0xbeef, 2)}
			},
			ready: []int{10},
		},
	}
	poller.onEmpty = func() { t.Fatal("probe should have finished") }

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 0, m.Len())
	assert.False(t, f.probe.IsActive())
	assert.True(t, f.conn.closed)
	assert.True(t, f.timer.closed)
	assert.ElementsMatch(t, []int{10, 11}, poller.removed)
	assert.Len(t, m.Finished(), 1)
	assert.Equal(t, 2, f.conn.sent)

	assert.Equal(t, []int{1, 2}, mem.ReplySequences("two"))
	stats, ok := mem.Statistics("two")
	require.True(t, ok)
	assert.Equal(t, 25.0, stats.Average)
	assert.Equal(t, 20.0, stats.Best)
	assert.Equal(t, 30.0, stats.Worst)
	assert.Equal(t, 0, stats.PacketLoss)
}

func TestMonitor_TimeoutThenSend(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := sink.NewMemory()
	f := newFixture(t, clock, mem, probe.Config{
		Name:               "lossy",
		DestinationAddress: "198.51.100.1",
		Interval:           time.Second,
		ReplyTimeout:       500 * time.Millisecond,
	}, 20, 7)

	poller := newScriptedPoller()
	m := New(poller, WithLogger(discard), WithClock(clock))
	require.NoError(t, m.Register(f.probe))

	poller.steps = []step{
		{ready: []int{21}},
		{before: func() { clock.Advance(time.Second) }, ready: []int{21}},
		{
			// Late reply to the first request
			before: func() { f.conn.inbox = [][]byte{echoReply(t, "198.51.100.1", 7, 1)} },
			ready:  []int{20},
		},
	}
	poller.onEmpty = m.Stop

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 2, f.conn.sent)
	assert.Equal(t, 2, f.probe.Sequence())
	assert.Empty(t, mem.ReplySequences("lossy"))
	stats, ok := mem.Statistics("lossy")
	require.True(t, ok)
	assert.False(t, stats.HasSamples)
	assert.Equal(t, 100, stats.PacketLoss)
	assert.True(t, f.conn.closed, "remaining probes are closed when Run returns")
}

func TestMonitor_DefaultTimeout(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := sink.NewMemory()
	f := newFixture(t, clock, mem, probe.Config{
		Name:               "down",
		DestinationAddress: "198.51.100.1",
		Interval:           time.Second,
	}, 60, 9)
	require.Equal(t, 3*time.Second, f.probe.Config().ReplyTimeout)

	poller := newScriptedPoller()
	m := New(poller, WithLogger(discard), WithClock(clock))
	require.NoError(t, m.Register(f.probe))

	// Eleven ticks, one second apart, nothing answers
	poller.steps = []step{{ready: []int{61}}}
	for range 10 {
		poller.steps = append(poller.steps, step{before: func() { clock.Advance(time.Second) }, ready: []int{61}})
	}
	poller.onEmpty = m.Stop

	require.NoError(t, m.Run(context.Background()))

	// Sent at 0s, timed out and resent at 4s and 8s
	assert.Equal(t, 3, f.conn.sent)
	assert.Equal(t, 3, f.probe.Sequence())
	assert.True(t, f.probe.Unreachable())
	stats, ok := mem.Statistics("down")
	require.True(t, ok)
	assert.False(t, stats.HasSamples)
	assert.Equal(t, 100, stats.PacketLoss)
	assert.Equal(t, 2, stats.PacketsTransmitted)
}

func TestMonitor_OutstandingRequestNotResent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := sink.NewMemory()
	f := newFixture(t, clock, mem, probe.Config{
		Name:               "slow",
		DestinationAddress: "198.51.100.1",
		Interval:           time.Second,
	}, 70, 3)

	poller := newScriptedPoller()
	m := New(poller, WithLogger(discard), WithClock(clock))
	require.NoError(t, m.Register(f.probe))

	poller.steps = []step{
		{ready: []int{71}},
		{before: func() { clock.Advance(time.Second) }, ready: []int{71}},
		{
			before: func() {
				clock.Advance(500 * time.Millisecond)
				f.conn.inbox = [][]byte{echoReply(t, "198.51.100.1", 3, 1)}
			},
			ready: []int{70},
		},
		{before: func() { clock.Advance(500 * time.Millisecond) }, ready: []int{71}},
	}
	poller.onEmpty = m.Stop

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 2, f.conn.sent, "no resend while the first request is outstanding")
	assert.Equal(t, 2, f.probe.Sequence())
	reply, ok := mem.Reply("slow", 1)
	require.True(t, ok)
	assert.Equal(t, "1500.000000", reply.ResponseTime, "timed against the original send")
}

func TestMonitor_DrainsErrorQueue(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, clock, sink.NewMemory(), probe.Config{Name: "unreach", DestinationAddress: "198.51.100.1"}, 80, 4)

	poller := newScriptedPoller()
	m := New(poller, WithLogger(discard), WithClock(clock))
	require.NoError(t, m.Register(f.probe))

	router := netip.MustParseAddr("192.0.2.1")
	poller.steps = []step{
		{ready: []int{81}},
		{
			before: func() {
				f.conn.errQueue = []probe.QueuedError{
					{Errno: syscall.EHOSTUNREACH, Origin: 2, Type: 3, Code: 1, Offender: router},
					{Errno: syscall.EHOSTUNREACH, Origin: 2, Type: 3, Code: 1, Offender: router},
				}
			},
			ready: []int{80},
		},
	}
	poller.onEmpty = m.Stop

	require.NoError(t, m.Run(context.Background()))

	assert.Empty(t, f.conn.errQueue)
	assert.True(t, f.probe.Unreachable())
	assert.Equal(t, 1, f.conn.sent)
}

// blockingResolver fails the first lookup and holds later ones until released
type blockingResolver struct {
	calls   atomic.Int32
	release chan struct{}
}

func (r *blockingResolver) Resolve(ctx context.Context, _ string) (netip.Addr, error) {
	if r.calls.Add(1) == 1 {
		return netip.Addr{}, errors.New("temporary failure in name resolution")
	}
	select {
	case <-r.release:
		return netip.MustParseAddr("203.0.113.7"), nil
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	}
}

func TestMonitor_SlowResolverDoesNotStall(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := sink.NewMemory()
	res := &blockingResolver{release: make(chan struct{})}

	host := newFixture(t, clock, mem, probe.Config{Name: "host", DestinationHost: "slow.test"}, 50, 5, probe.WithResolver(res))
	require.False(t, host.probe.HostnameResolved())
	lit := newFixture(t, clock, mem, probe.Config{Name: "lit", DestinationAddress: "198.51.100.1"}, 40, 6)

	poller := newScriptedPoller()
	m := New(poller, WithLogger(discard), WithClock(clock))
	require.NoError(t, m.Register(host.probe))
	require.NoError(t, m.Register(lit.probe))

	poller.steps = []step{
		{ready: []int{51, 41}},
		{
			before: func() {
				clock.Advance(15 * time.Millisecond)
				lit.conn.inbox = [][]byte{echoReply(t, "198.51.100.1", 6, 1)}
			},
			ready: []int{40},
		},
		{
			before: func() {
				close(res.release)
				require.Eventually(t, func() bool {
					m.mu.Lock()
					defer m.mu.Unlock()
					return len(m.resolved) == 1
				}, time.Second, time.Millisecond)
			},
			ready: []int{51},
		},
	}
	poller.onEmpty = m.Stop

	require.NoError(t, m.Run(context.Background()))

	stats, ok := mem.Statistics("lit")
	require.True(t, ok)
	assert.Equal(t, 15.0, stats.Average, "the pending lookup did not hold up the other probe")

	assert.True(t, host.probe.HostnameResolved())
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), host.probe.DestinationAddr())
	assert.Equal(t, 1, host.conn.sent)
}

func TestMonitor_ContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock, sink.NewMemory(), probe.Config{Name: "p", DestinationAddress: "198.51.100.1"}, 30, 1)

	ctx, cancel := context.WithCancel(context.Background())
	poller := newScriptedPoller()
	poller.onEmpty = cancel
	m := New(poller, WithLogger(discard), WithClock(clock))
	require.NoError(t, m.Register(f.probe))

	require.NoError(t, m.Run(ctx))
	assert.False(t, f.probe.IsActive())
	assert.True(t, f.conn.closed)
}

func TestMonitor_RegisterInactive(t *testing.T) {
	cfg, err := probe.Config{Name: "dead", DestinationAddress: "198.51.100.1"}.Resolve()
	require.NoError(t, err)
	p, err := probe.New(context.Background(), cfg,
		probe.WithLogger(discard),
		probe.WithDialer(func() (probe.Conn, error) { return nil, probe.ErrSocket }),
	)
	require.Error(t, err)

	m := New(newScriptedPoller(), WithLogger(discard))
	assert.ErrorIs(t, m.Register(p), ErrInactiveProbe)
	require.NoError(t, m.Run(context.Background()))
}

func TestMonitor_StopIdempotent(t *testing.T) {
	m := New(newScriptedPoller(), WithLogger(discard))
	m.Stop()
	m.Stop()
	require.NoError(t, m.Run(context.Background()))
}

func ptr(v int) *int { return &v }
