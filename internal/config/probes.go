package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tkjaer/echoprobe/internal/probe"
)

var ErrDuplicateProbe = errors.New("duplicate probe name")

// File is the layout of a --config file. Defaults apply to every probe and
// are overridden field by field.
type File struct {
	Defaults probe.Config   `yaml:"defaults"`
	Probes   []probe.Config `yaml:"probes"`
}

// LoadProbes reads probe definitions from a YAML file
func LoadProbes(path string) ([]probe.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read probe file: %w", err)
	}
	return ParseProbes(data)
}

func ParseProbes(data []byte) ([]probe.Config, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse probe file: %w", err)
	}
	if len(f.Probes) == 0 {
		return nil, errors.New("probe file defines no probes")
	}

	seen := make(map[string]bool, len(f.Probes))
	cfgs := make([]probe.Config, 0, len(f.Probes))
	for _, p := range f.Probes {
		c := merge(f.Defaults, p)
		if c.Name == "" {
			c.Name = firstNonEmpty(c.DestinationHost, c.DestinationAddress)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateProbe, c.Name)
		}
		seen[c.Name] = true
		cfgs = append(cfgs, c)
	}
	return cfgs, nil
}

// merge fills every unset field of p from d
func merge(d, p probe.Config) probe.Config {
	if p.MaxReplies == nil {
		p.MaxReplies = d.MaxReplies
	}
	if p.SourceAddress == "" {
		p.SourceAddress = d.SourceAddress
	}
	if p.Interface == "" {
		p.Interface = d.Interface
	}
	if p.Interval == 0 {
		p.Interval = d.Interval
	}
	if p.PacketSize == 0 {
		p.PacketSize = d.PacketSize
	}
	if p.ReplyTimeout == 0 {
		p.ReplyTimeout = d.ReplyTimeout
	}
	if p.TimeoutMultiplier == 0 {
		p.TimeoutMultiplier = d.TimeoutMultiplier
	}
	if p.StoreInterval == nil {
		p.StoreInterval = d.StoreInterval
	}
	if p.StatisticsInterval == nil {
		p.StatisticsInterval = d.StatisticsInterval
	}
	if p.TTL == 0 {
		p.TTL = d.TTL
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = d.InitialDelay
	}
	return p
}

// Probes returns the probe definitions selected by args
func (a Args) Probes() ([]probe.Config, error) {
	switch {
	case a.ConfigFile != "":
		return LoadProbes(a.ConfigFile)
	case len(a.Positional) > 0:
		name := a.Name
		if name == "" {
			name = "probe"
		}
		c, err := probe.ConfigFromPositional(name, a.Positional)
		if err != nil {
			return nil, err
		}
		return []probe.Config{c}, nil
	}

	c := probe.Config{
		Name:               firstNonEmpty(a.Name, a.Destination),
		MaxReplies:         &a.Count,
		SourceAddress:      a.Source,
		Interface:          a.Interface,
		Interval:           a.Interval,
		PacketSize:         a.PacketSize,
		ReplyTimeout:       a.Timeout,
		TimeoutMultiplier:  a.TimeoutMultiplier,
		StoreInterval:      &a.StoreInterval,
		StatisticsInterval: &a.StatisticsInterval,
		TTL:                a.TTL,
		InitialDelay:       a.InitialDelay,
	}
	if _, err := netip.ParseAddr(a.Destination); err == nil {
		c.DestinationAddress = a.Destination
	} else {
		c.DestinationHost = a.Destination
	}
	return []probe.Config{c}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
