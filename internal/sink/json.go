package sink

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/tkjaer/echoprobe/internal/shared"
)

// JSON writes every record as a newline-delimited JSON event to a file or stdout
type JSON struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	toStdout bool
}

func NewJSON(filename string) (*JSON, error) {
	if filename == "" {
		// Output to stdout
		return &JSON{
			file:     os.Stdout,
			enc:      json.NewEncoder(os.Stdout),
			toStdout: true,
		}, nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &JSON{
		file:     f,
		enc:      json.NewEncoder(f),
		toStdout: false,
	}, nil
}

func (j *JSON) write(e shared.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(e)
}

func (j *JSON) PutReply(_ context.Context, name string, seq int, reply shared.Reply) error {
	return j.write(shared.Event{Type: "reply", Probe: name, Sequence: seq, Reply: &reply})
}

func (j *JSON) PutStatistics(_ context.Context, name string, stats shared.Statistics) error {
	return j.write(shared.Event{Type: "statistics", Probe: name, Statistics: &stats})
}

func (j *JSON) DeleteReply(_ context.Context, name string, seq int) error {
	return j.write(shared.Event{Type: "delete_reply", Probe: name, Sequence: seq})
}

func (j *JSON) Close() error {
	if j.toStdout {
		return nil
	}
	return j.file.Close()
}
