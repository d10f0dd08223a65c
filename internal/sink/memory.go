package sink

import (
	"context"
	"slices"
	"sync"

	"github.com/tkjaer/echoprobe/internal/shared"
)

// Memory keeps the latest records in process. It is safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	replies    map[string]map[int]shared.Reply
	statistics map[string]shared.Statistics
}

func NewMemory() *Memory {
	return &Memory{
		replies:    make(map[string]map[int]shared.Reply),
		statistics: make(map[string]shared.Statistics),
	}
}

func (m *Memory) PutReply(_ context.Context, name string, seq int, reply shared.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	probe, ok := m.replies[name]
	if !ok {
		probe = make(map[int]shared.Reply)
		m.replies[name] = probe
	}
	probe[seq] = reply
	return nil
}

func (m *Memory) PutStatistics(_ context.Context, name string, stats shared.Statistics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statistics[name] = stats
	return nil
}

// DeleteReply removes a reply record. Deleting a missing record is not an error.
func (m *Memory) DeleteReply(_ context.Context, name string, seq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if probe, ok := m.replies[name]; ok {
		delete(probe, seq)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Reply returns the stored reply record for name and seq
func (m *Memory) Reply(name string, seq int) (shared.Reply, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replies[name][seq]
	return r, ok
}

// ReplySequences returns the sequence numbers stored for name in ascending order
func (m *Memory) ReplySequences(name string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seqs := make([]int, 0, len(m.replies[name]))
	for seq := range m.replies[name] {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}

func (m *Memory) Statistics(name string) (shared.Statistics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statistics[name]
	return s, ok
}

// Probes returns the names of every probe with published statistics, sorted
func (m *Memory) Probes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statistics))
	for name := range m.statistics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
