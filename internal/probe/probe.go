package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tkjaer/echoprobe/internal/shared"
	"github.com/tkjaer/echoprobe/internal/sink"
	"github.com/tkjaer/echoprobe/pkg/iface"
	"github.com/tkjaer/echoprobe/pkg/route"
)

// State of the current send/receive cycle
type State int

const (
	StateIdle State = iota
	StateSent
	StateReceived
	StateTimedOut
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StateReceived:
		return "received"
	case StateTimedOut:
		return "timed out"
	case StateInactive:
		return "inactive"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrNotResolved = errors.New("destination not resolved")

var errNoResolver = errors.New("no resolver configured")

// Resolver turns a hostname into an IPv4 address
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Probe measures round trip time to a single destination. It is owned by one
// goroutine; none of its methods are safe for concurrent use.
type Probe struct {
	cfg Resolved

	log      *slog.Logger
	clock    clockwork.Clock
	sink     sink.Sink
	resolver Resolver
	dial     Dialer
	newTimer TimerFactory
	routeFor func(netip.Addr) (route.Route, error)

	conn  Conn
	timer Timer

	identifier  uint16
	packet      *EchoPacket
	sequence    int
	destination netip.Addr
	egress      route.Route
	ttl         int

	startTime time.Time
	lastSent  time.Time
	lastRecv  time.Time

	state               State
	active              bool
	hasSent             bool
	received            bool
	hostnameResolved    bool
	reportedUnreachable bool

	transmitted      int
	receivedCount    int
	repliesRemaining int

	stats   *Window[float64]
	history *HistoryWindow
}

type Option func(*Probe)

func WithClock(c clockwork.Clock) Option { return func(p *Probe) { p.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(p *Probe) { p.log = l } }

func WithSink(s sink.Sink) Option { return func(p *Probe) { p.sink = s } }

func WithResolver(r Resolver) Option { return func(p *Probe) { p.resolver = r } }

func WithDialer(d Dialer) Option { return func(p *Probe) { p.dial = d } }

func WithTimerFactory(f TimerFactory) Option { return func(p *Probe) { p.newTimer = f } }

// WithRouteLookup replaces the kernel route lookup done after resolution.
// A nil lookup disables it.
func WithRouteLookup(f func(netip.Addr) (route.Route, error)) Option {
	return func(p *Probe) { p.routeFor = f }
}

// WithIdentifier fixes the ICMP identifier instead of picking a random one
func WithIdentifier(id uint16) Option {
	return func(p *Probe) { p.identifier = id }
}

// New opens the socket and timer for cfg and resolves its destination.
//
// A socket or timer failure is fatal: the probe is returned deactivated
// together with the error so the caller can still report on it. Socket
// option, bind and resolution failures are logged and leave the probe active.
func New(ctx context.Context, cfg Resolved, opts ...Option) (*Probe, error) {
	p := &Probe{
		cfg:              cfg,
		log:              slog.Default(),
		clock:            clockwork.NewRealClock(),
		sink:             sink.NewMemory(),
		dial:             DialICMP,
		newTimer:         NewTimer,
		routeFor:         route.Lookup,
		identifier:       uint16(rand.UintN(1 << 16)),
		sequence:         1,
		ttl:              cfg.TTL,
		active:           true,
		repliesRemaining: cfg.MaxReplies,
		stats:            NewWindow[float64](cfg.StatisticsInterval),
		history:          NewHistoryWindow(cfg.StoreInterval),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("probe", cfg.Name)
	p.startTime = p.clock.Now()
	p.packet = BuildEchoRequest(p.identifier, uint16(p.sequence), cfg.PayloadSize())

	conn, err := p.dial()
	if err != nil {
		p.Deactivate()
		p.log.Error("Failed to open raw socket", "err", err)
		return p, fmt.Errorf("probe %s: %w", cfg.Name, err)
	}
	p.conn = conn
	p.setupSocket()

	p.ResolveDestination(ctx, cfg.Destination())

	timer, err := p.newTimer(cfg.InitialDelay, cfg.Interval)
	if err != nil {
		p.Deactivate()
		p.log.Error("Failed to create send timer", "err", err)
		return p, fmt.Errorf("probe %s: %w", cfg.Name, err)
	}
	p.timer = timer

	p.log.Debug("Probe created",
		"destination", cfg.Destination(),
		"identifier", p.identifier,
		"packet_size", cfg.PacketSize,
		"interval", cfg.Interval,
		"timeout", cfg.ReplyTimeout)
	return p, nil
}

// setupSocket applies socket options. Every failure here is logged and ignored.
func (p *Probe) setupSocket() {
	if err := p.conn.SetRecvErr(true); err != nil {
		p.log.Warn("Failed to enable ICMP error reporting", "err", err)
	}
	if err := p.conn.SetTTL(p.cfg.TTL); err != nil {
		p.log.Warn("Failed to set TTL", "ttl", p.cfg.TTL, "err", err)
	}
	if ttl, err := p.conn.TTL(); err != nil {
		p.log.Warn("Failed to read TTL back", "err", err)
	} else {
		p.ttl = ttl
	}

	if p.cfg.SourceAddress.IsValid() {
		if err := p.conn.BindSource(p.cfg.SourceAddress); err != nil {
			p.log.Warn("Failed to bind source address", "source", p.cfg.SourceAddress, "err", err)
		}
	}
	if p.cfg.Interface != "" {
		p.checkInterface(p.cfg.Interface)
		if err := p.conn.BindInterface(p.cfg.Interface); err != nil {
			p.log.Warn("Failed to bind interface", "interface", p.cfg.Interface, "err", err)
		}
	}
}

func (p *Probe) checkInterface(name string) {
	ifi, err := iface.Lookup(name)
	if err != nil {
		p.log.Warn("Interface unavailable", "interface", name, "err", err)
		return
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return
	}
	if addr, err := iface.FirstIPv4(addrs); err == nil {
		p.log.Debug("Binding to interface", "interface", name, "address", addr)
	}
}

// ResolveDestination sets the destination from s. A literal IPv4 address is
// used as is, anything else goes through the resolver. On failure the
// destination is cleared and HostnameResolved reports false.
func (p *Probe) ResolveDestination(ctx context.Context, s string) {
	if addr, err := netip.ParseAddr(s); err == nil && addr.Unmap().Is4() {
		p.destination = addr.Unmap()
		p.hostnameResolved = true
		p.lookupRoute()
		return
	}

	addr, err := p.Lookup(s)(ctx)
	p.applyLookup(s, addr, err)
}

// Lookup returns a function that resolves host through the probe's
// resolver. It touches no probe state, so it may run on another goroutine;
// its result is handed back with ApplyLookup.
func (p *Probe) Lookup(host string) func(context.Context) (netip.Addr, error) {
	r := p.resolver
	return func(ctx context.Context) (netip.Addr, error) {
		if r == nil {
			return netip.Addr{}, errNoResolver
		}
		return r.Resolve(ctx, host)
	}
}

// ApplyLookup sets the destination from the result of Lookup on the
// configured destination.
func (p *Probe) ApplyLookup(addr netip.Addr, err error) {
	p.applyLookup(p.cfg.Destination(), addr, err)
}

func (p *Probe) applyLookup(host string, addr netip.Addr, err error) {
	if err != nil {
		p.destination = netip.Addr{}
		p.egress = route.Route{}
		p.hostnameResolved = false
		p.log.Warn("Failed to resolve hostname", "hostname", host, "err", err)
		return
	}
	p.destination = addr
	p.hostnameResolved = true
	p.log.Debug("Resolved hostname", "hostname", host, "address", addr)
	p.lookupRoute()
}

// lookupRoute records the egress route towards the destination. It is
// informational only; a failure never stops the probe.
func (p *Probe) lookupRoute() {
	if p.routeFor == nil {
		return
	}
	r, err := p.routeFor(p.destination)
	if err != nil {
		p.egress = route.Route{}
		p.log.Debug("Route lookup failed", "destination", p.destination, "err", err)
		return
	}
	p.egress = r
	attrs := []any{"destination", p.destination, "source", r.Source}
	if r.Interface != nil {
		attrs = append(attrs, "interface", r.Interface.Name)
	}
	if !r.Direct() {
		attrs = append(attrs, "gateway", r.Gateway)
	}
	p.log.Debug("Egress route", attrs...)
	if p.cfg.SourceAddress.IsValid() && p.cfg.SourceAddress != r.Source {
		p.log.Info("Bound source differs from the routed source", "bound", p.cfg.SourceAddress, "routed", r.Source)
	}
}

// Send transmits the current echo request. The transmitted counter is bumped
// even when the send fails; a failure never deactivates the probe.
func (p *Probe) Send(ctx context.Context) (int, error) {
	if !p.hostnameResolved {
		return 0, fmt.Errorf("probe %s: %w", p.cfg.Name, ErrNotResolved)
	}

	p.lastSent = p.clock.Now()
	n, err := p.conn.SendTo(p.packet.Bytes(), p.destination)
	p.transmitted++
	p.hasSent = true
	p.received = false
	p.state = StateSent

	if err == nil && n <= 0 {
		err = fmt.Errorf("sent %d bytes", n)
	}
	if err != nil {
		p.log.Warn("Failed to send echo request", "destination", p.destination, "sequence", p.sequence, "err", err)
		return n, fmt.Errorf("probe %s: send: %w", p.cfg.Name, err)
	}
	p.log.Debug("Sent echo request", "destination", p.destination, "sequence", p.sequence, "bytes", n)
	return n, nil
}

// Receive records the reply to the outstanding request and starts the next
// cycle. n is the number of bytes read off the socket. It must follow a Send.
func (p *Probe) Receive(ctx context.Context, n int) shared.Reply {
	now := p.clock.Now()
	elapsed := float64(now.Sub(p.lastSent)) / float64(time.Millisecond)

	p.lastRecv = now
	p.stats.Add(elapsed)
	p.receivedCount++
	p.received = true
	p.state = StateReceived

	if p.reportedUnreachable {
		p.log.Info("Destination reachable again", "destination", p.destination)
		p.reportedUnreachable = false
	}

	reply := shared.Reply{
		Destination:  p.destination.String(),
		ResponseTime: shared.FormatMillis(elapsed),
		TTL:          p.ttl,
	}
	seq := p.sequence
	p.log.Debug("Received echo reply", "sequence", seq, "bytes", n, "response_time", reply.ResponseTime)

	if err := p.sink.PutReply(ctx, p.cfg.Name, seq, reply); err != nil {
		p.log.Warn("Failed to store reply", "sequence", seq, "err", err)
	}
	p.history.Record(seq)
	if err := p.Publish(ctx, p.Statistics(now)); err != nil {
		p.log.Warn("Failed to store statistics", "err", err)
	}
	if err := p.history.PruneHistory(ctx, p.sink, p.cfg.Name); err != nil {
		p.log.Warn("Failed to prune reply history", "err", err)
	}

	if p.repliesRemaining > 0 {
		p.repliesRemaining--
	}
	p.advance()
	return reply
}

// Outstanding reports whether the last request is still waiting for its
// reply or its timeout
func (p *Probe) Outstanding() bool { return p.hasSent && !p.received }

// IsTimedOut reports whether the outstanding request went unanswered for
// longer than the reply timeout. Times are compared in whole milliseconds.
func (p *Probe) IsTimedOut(now time.Time) bool {
	if !p.hasSent || p.received {
		return false
	}
	return now.Sub(p.lastSent).Milliseconds() > p.cfg.ReplyTimeout.Milliseconds()
}

// HandleTimeout gives up on the outstanding request. Statistics are published
// without a new sample and the sequence is advanced so a late reply is not
// matched against the next request.
func (p *Probe) HandleTimeout(ctx context.Context) {
	p.state = StateTimedOut
	p.received = true
	if !p.reportedUnreachable {
		p.log.Warn("Destination unreachable", "destination", p.destination, "sequence", p.sequence, "timeout", p.cfg.ReplyTimeout)
		p.reportedUnreachable = true
	}
	if err := p.Publish(ctx, p.Statistics(p.clock.Now())); err != nil {
		p.log.Warn("Failed to store statistics", "err", err)
	}
	p.advance()
}

func (p *Probe) advance() {
	p.packet.Advance()
	p.sequence++
}

// Statistics computes the aggregate over the statistics window at now
func (p *Probe) Statistics(now time.Time) shared.Statistics {
	s := shared.Statistics{
		PacketsReceived:    p.receivedCount,
		PacketsTransmitted: p.transmitted,
		PacketLoss:         PacketLoss(p.transmitted, p.receivedCount),
		TotalTime:          Round3(now.Sub(p.startTime).Seconds()),
		Timestamp:          now,
	}
	if avg, ok := p.stats.Average(); ok {
		best, _ := p.stats.Best()
		worst, _ := p.stats.Worst()
		s.Average = Round3(avg)
		s.Best = Round3(best)
		s.Worst = Round3(worst)
		s.Jitter = Round3(p.stats.Jitter(p.stats.InterArrivalAverage()))
		s.HasSamples = true
	}
	return s
}

// Publish writes stats to the sink
func (p *Probe) Publish(ctx context.Context, stats shared.Statistics) error {
	return p.sink.PutStatistics(ctx, p.cfg.Name, stats)
}

// PacketLoss is the integer percentage of unanswered requests
func PacketLoss(transmitted, received int) int {
	if transmitted == 0 {
		return 0
	}
	return (transmitted - received) * 100 / transmitted
}

// Matches reports whether r answers the outstanding request
func (p *Probe) Matches(r EchoReply) bool {
	return r.Identifier == p.identifier &&
		r.Sequence == p.packet.Sequence() &&
		r.Source == p.destination
}

// ReadReply reads one datagram into buf and decodes it. It returns
// ErrWouldBlock once the socket is drained.
func (p *Probe) ReadReply(buf []byte) (EchoReply, int, error) {
	n, err := p.conn.Recv(buf)
	if err != nil {
		return EchoReply{}, 0, err
	}
	r, err := DecodeEchoReply(buf[:n])
	return r, n, err
}

// ReadError reads one queued ICMP error off the socket and logs it. An
// unreachable error is reported once per outage, like a timeout. It returns
// ErrWouldBlock once the error queue is drained.
func (p *Probe) ReadError(buf []byte) (QueuedError, error) {
	qe, err := p.conn.RecvErr(buf)
	if err != nil {
		return qe, err
	}
	p.log.Debug("ICMP error queued",
		"destination", p.destination,
		"offender", qe.Offender,
		"type", qe.Type,
		"code", qe.Code,
		"errno", qe.Errno)
	if qe.Unreachable() && !p.reportedUnreachable {
		p.log.Warn("Destination unreachable", "destination", p.destination, "offender", qe.Offender, "err", qe.Errno)
		p.reportedUnreachable = true
	}
	return qe, nil
}

// Deactivate ends the probe's active life. Closing the handles is up to the caller.
func (p *Probe) Deactivate() {
	if p.active {
		p.log.Debug("Probe deactivated", "transmitted", p.transmitted, "received", p.receivedCount)
	}
	p.active = false
	p.state = StateInactive
}

func (p *Probe) IsActive() bool { return p.active }

// Done reports whether the configured number of replies has been received
func (p *Probe) Done() bool { return p.repliesRemaining == 0 }

func (p *Probe) RepliesRemaining() int { return p.repliesRemaining }

func (p *Probe) Name() string                { return p.cfg.Name }
func (p *Probe) Config() Resolved            { return p.cfg }
func (p *Probe) State() State                { return p.state }
func (p *Probe) Identifier() uint16          { return p.identifier }
func (p *Probe) Sequence() int               { return p.sequence }
func (p *Probe) Packet() *EchoPacket         { return p.packet }
func (p *Probe) DestinationAddr() netip.Addr { return p.destination }
func (p *Probe) Route() route.Route          { return p.egress }
func (p *Probe) TTL() int                    { return p.ttl }
func (p *Probe) StartTime() time.Time        { return p.startTime }
func (p *Probe) LastSent() time.Time         { return p.lastSent }
func (p *Probe) LastReceived() time.Time     { return p.lastRecv }
func (p *Probe) HasSent() bool               { return p.hasSent }
func (p *Probe) Received() bool              { return p.received }
func (p *Probe) HostnameResolved() bool      { return p.hostnameResolved }
func (p *Probe) Unreachable() bool           { return p.reportedUnreachable }
func (p *Probe) Transmitted() int            { return p.transmitted }
func (p *Probe) PacketsReceived() int        { return p.receivedCount }
func (p *Probe) History() *HistoryWindow     { return p.history }

// Fd is the socket descriptor, -1 without a socket
func (p *Probe) Fd() int {
	if p.conn == nil {
		return -1
	}
	return p.conn.Fd()
}

// TimerFd is the send timer descriptor, -1 without a timer
func (p *Probe) TimerFd() int {
	if p.timer == nil {
		return -1
	}
	return p.timer.Fd()
}

// DrainTimer consumes pending timer expirations
func (p *Probe) DrainTimer() (uint64, error) {
	if p.timer == nil {
		return 0, ErrTimer
	}
	return p.timer.Read()
}

// Close releases the socket and timer
func (p *Probe) Close() error {
	var errs []error
	if p.timer != nil {
		errs = append(errs, p.timer.Close())
		p.timer = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
