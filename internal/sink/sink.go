package sink

import (
	"context"
	"errors"

	"github.com/tkjaer/echoprobe/internal/shared"
)

// Sink is the write path into the operational data store. Records are keyed
// by probe name and, for replies, by sequence number.
type Sink interface {
	PutReply(ctx context.Context, name string, seq int, reply shared.Reply) error
	PutStatistics(ctx context.Context, name string, stats shared.Statistics) error
	DeleteReply(ctx context.Context, name string, seq int) error
	Close() error
}

// Manager fans every write out to all registered sinks
type Manager struct {
	sinks []Sink
}

func NewManager(sinks ...Sink) *Manager {
	return &Manager{sinks: sinks}
}

func (m *Manager) Register(s Sink) {
	m.sinks = append(m.sinks, s)
}

func (m *Manager) Len() int { return len(m.sinks) }

func (m *Manager) PutReply(ctx context.Context, name string, seq int, reply shared.Reply) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.PutReply(ctx, name, seq, reply))
	}
	return errors.Join(errs...)
}

func (m *Manager) PutStatistics(ctx context.Context, name string, stats shared.Statistics) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.PutStatistics(ctx, name, stats))
	}
	return errors.Join(errs...)
}

func (m *Manager) DeleteReply(ctx context.Context, name string, seq int) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.DeleteReply(ctx, name, seq))
	}
	return errors.Join(errs...)
}

func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
