package shared

import (
	"strconv"
	"time"
)

// Reply is the per-sequence record published for every echo reply
type Reply struct {
	Destination  string `json:"destination_ip_address"`
	ResponseTime string `json:"response_time"` // milliseconds, decimal string
	TTL          int    `json:"time_to_live"`
}

// Holds the aggregate statistics of a single probe
type Statistics struct {
	Average            float64   `json:"average_response_time"` // ms, 3 decimals
	Best               float64   `json:"best_response_time"`    // ms, 3 decimals
	Worst              float64   `json:"worst_response_time"`   // ms, 3 decimals
	Jitter             float64   `json:"jitter"`                // ms, 3 decimals
	PacketsReceived    int       `json:"packets_received"`
	PacketsTransmitted int       `json:"packets_transmitted"`
	PacketLoss         int       `json:"packet_loss"` // integer percentage
	TotalTime          float64   `json:"total_time"`  // seconds, 3 decimals
	HasSamples         bool      `json:"has_samples"` // false until the first reply
	Timestamp          time.Time `json:"timestamp"`
}

// Event is the envelope used by streaming sinks
type Event struct {
	Type       string      `json:"type"` // "reply", "statistics", "delete_reply"
	Probe      string      `json:"probe"`
	Sequence   int         `json:"sequence,omitempty"`
	Reply      *Reply      `json:"reply,omitempty"`
	Statistics *Statistics `json:"statistics,omitempty"`
}

// FormatMillis renders a response time the way it is stored in the sink:
// a plain decimal string with microsecond precision.
func FormatMillis(ms float64) string {
	return strconv.FormatFloat(ms, 'f', 6, 64)
}
