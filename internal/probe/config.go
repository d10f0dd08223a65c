package probe

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by Config.Resolve
const (
	DefaultInterval           = 5 * time.Second
	DefaultPacketSize         = 64
	DefaultTimeoutMultiplier  = 3
	DefaultTTL                = 64
	DefaultStoreInterval      = Unbounded
	DefaultStatisticsInterval = Unbounded
	DefaultInitialDelay       = time.Second
	UnlimitedReplies          = -1
)

var (
	ErrNoName        = errors.New("probe name is required")
	ErrNoDestination = errors.New("destination address or hostname is required")
	ErrInvalidConfig = errors.New("invalid probe configuration")
)

// Config is the user supplied configuration of a probe. Zero values mean
// "use the default"; MaxReplies, StoreInterval and StatisticsInterval use
// pointers because zero is a meaningful value for them.
type Config struct {
	Name               string        `yaml:"name"`
	DestinationAddress string        `yaml:"destination_address"`
	DestinationHost    string        `yaml:"destination_host"`
	MaxReplies         *int          `yaml:"max_replies"`
	SourceAddress      string        `yaml:"source_address"`
	Interface          string        `yaml:"interface"`
	Interval           time.Duration `yaml:"interval"`
	PacketSize         int           `yaml:"packet_size"`
	ReplyTimeout       time.Duration `yaml:"reply_timeout"`
	TimeoutMultiplier  int           `yaml:"timeout_multiplier"`
	StoreInterval      *int          `yaml:"store_interval"`
	StatisticsInterval *int          `yaml:"statistics_interval"`
	TTL                int           `yaml:"ttl"`
	InitialDelay       time.Duration `yaml:"initial_delay"`
}

// Resolved is a validated configuration with every default applied
type Resolved struct {
	Name               string
	DestinationAddress netip.Addr // invalid when only a hostname was given
	DestinationHost    string
	MaxReplies         int // UnlimitedReplies for no limit
	SourceAddress      netip.Addr
	Interface          string
	Interval           time.Duration
	PacketSize         int // ICMP header + payload
	ReplyTimeout       time.Duration
	StoreInterval      int
	StatisticsInterval int
	TTL                int
	InitialDelay       time.Duration
}

// PayloadSize is the number of payload bytes following the ICMP header
func (r Resolved) PayloadSize() int {
	return r.PacketSize - HeaderSize
}

// Destination returns what the probe should resolve. A hostname takes
// precedence over a literal address.
func (r Resolved) Destination() string {
	if r.DestinationHost != "" {
		return r.DestinationHost
	}
	return r.DestinationAddress.String()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Resolve validates c and applies the default table
func (c Config) Resolve() (Resolved, error) {
	r := Resolved{
		Name:               strings.TrimSpace(c.Name),
		DestinationHost:    strings.TrimSpace(c.DestinationHost),
		MaxReplies:         UnlimitedReplies,
		Interface:          c.Interface,
		Interval:           c.Interval,
		PacketSize:         c.PacketSize,
		ReplyTimeout:       c.ReplyTimeout,
		StoreInterval:      DefaultStoreInterval,
		StatisticsInterval: DefaultStatisticsInterval,
		TTL:                c.TTL,
		InitialDelay:       c.InitialDelay,
	}

	if r.Name == "" {
		return r, ErrNoName
	}

	if c.DestinationAddress != "" {
		addr, err := netip.ParseAddr(c.DestinationAddress)
		if err != nil || !addr.Unmap().Is4() {
			return r, invalid("destination address %q is not an IPv4 address", c.DestinationAddress)
		}
		r.DestinationAddress = addr.Unmap()
	}
	if !r.DestinationAddress.IsValid() && r.DestinationHost == "" {
		return r, ErrNoDestination
	}

	if c.MaxReplies != nil {
		if *c.MaxReplies < UnlimitedReplies {
			return r, invalid("max replies %d must be -1 or greater", *c.MaxReplies)
		}
		r.MaxReplies = *c.MaxReplies
	}

	if c.SourceAddress != "" {
		addr, err := netip.ParseAddr(c.SourceAddress)
		if err != nil || !addr.Unmap().Is4() {
			return r, invalid("source address %q is not an IPv4 address", c.SourceAddress)
		}
		r.SourceAddress = addr.Unmap()
	}

	switch {
	case r.Interval == 0:
		r.Interval = DefaultInterval
	case r.Interval < 0:
		return r, invalid("interval %v must be positive", r.Interval)
	}

	switch {
	case r.PacketSize == 0:
		r.PacketSize = DefaultPacketSize
	case r.PacketSize < HeaderSize || r.PacketSize > HeaderSize+MaxPayloadSize:
		return r, invalid("packet size %d must be between %d and %d", r.PacketSize, HeaderSize, HeaderSize+MaxPayloadSize)
	}

	multiplier := c.TimeoutMultiplier
	switch {
	case multiplier == 0:
		multiplier = DefaultTimeoutMultiplier
	case multiplier < 0:
		return r, invalid("timeout multiplier %d must be positive", multiplier)
	}
	switch {
	case r.ReplyTimeout == 0:
		r.ReplyTimeout = time.Duration(multiplier) * r.Interval
	case r.ReplyTimeout < 0:
		return r, invalid("reply timeout %v must not be negative", r.ReplyTimeout)
	}

	if c.StoreInterval != nil {
		if *c.StoreInterval < Unbounded {
			return r, invalid("store interval %d must be -1 or greater", *c.StoreInterval)
		}
		r.StoreInterval = *c.StoreInterval
	}
	if c.StatisticsInterval != nil {
		if *c.StatisticsInterval < Unbounded {
			return r, invalid("statistics interval %d must be -1 or greater", *c.StatisticsInterval)
		}
		r.StatisticsInterval = *c.StatisticsInterval
	}

	switch {
	case r.TTL == 0:
		r.TTL = DefaultTTL
	case r.TTL < 1 || r.TTL > 255:
		return r, invalid("ttl %d must be between 1 and 255", r.TTL)
	}

	switch {
	case r.InitialDelay == 0:
		r.InitialDelay = DefaultInitialDelay
	case r.InitialDelay < 0:
		return r, invalid("initial delay %v must not be negative", r.InitialDelay)
	}

	return r, nil
}

// Positional slots of the legacy switch list
const (
	slotDestinationAddress = iota
	slotDestinationHost
	slotMaxReplies
	slotSourceAddress
	slotInterface
	slotTimeBetweenPackets // seconds
	slotPacketSize
	slotReplyTimeout // milliseconds
	slotStoreInterval
	slotStatisticsInterval
	positionalSlots
)

// ConfigFromPositional maps the legacy ten-slot list onto a Config. An empty
// string in a slot keeps the default. The time between packets is given in
// seconds and the reply timeout in milliseconds.
func ConfigFromPositional(name string, values []string) (Config, error) {
	c := Config{Name: name}
	if len(values) > positionalSlots {
		return c, invalid("%d positional values given, at most %d are accepted", len(values), positionalSlots)
	}

	atoi := func(slot int, field string) (int, error) {
		v, err := strconv.Atoi(strings.TrimSpace(values[slot]))
		if err != nil {
			return 0, invalid("%s %q is not an integer", field, values[slot])
		}
		return v, nil
	}

	for slot, value := range values {
		if value == "" {
			continue
		}
		switch slot {
		case slotDestinationAddress:
			c.DestinationAddress = value
		case slotDestinationHost:
			c.DestinationHost = value
		case slotMaxReplies:
			v, err := atoi(slot, "max replies")
			if err != nil {
				return c, err
			}
			c.MaxReplies = &v
		case slotSourceAddress:
			c.SourceAddress = value
		case slotInterface:
			c.Interface = value
		case slotTimeBetweenPackets:
			v, err := atoi(slot, "time between packets")
			if err != nil {
				return c, err
			}
			if v <= 0 {
				return c, invalid("time between packets %d must be positive", v)
			}
			c.Interval = time.Duration(v) * time.Second
		case slotPacketSize:
			v, err := atoi(slot, "packet size")
			if err != nil {
				return c, err
			}
			if v == 0 {
				return c, invalid("packet size must not be zero")
			}
			c.PacketSize = v
		case slotReplyTimeout:
			v, err := atoi(slot, "reply timeout")
			if err != nil {
				return c, err
			}
			if v <= 0 {
				return c, invalid("reply timeout %d must be positive", v)
			}
			c.ReplyTimeout = time.Duration(v) * time.Millisecond
		case slotStoreInterval:
			v, err := atoi(slot, "store interval")
			if err != nil {
				return c, err
			}
			c.StoreInterval = &v
		case slotStatisticsInterval:
			v, err := atoi(slot, "statistics interval")
			if err != nil {
				return c, err
			}
			c.StatisticsInterval = &v
		}
	}
	return c, nil
}
