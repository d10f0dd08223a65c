package sink

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkjaer/echoprobe/internal/shared"
)

// Prometheus exposes the latest statistics of every probe as gauges. Per-reply
// records are not kept as series; replies feed a response time histogram
// and pruned records are counted.
type Prometheus struct {
	responseTime *prometheus.HistogramVec
	lastResponse *prometheus.GaugeVec
	replyTTL     *prometheus.GaugeVec
	average      *prometheus.GaugeVec
	best         *prometheus.GaugeVec
	worst        *prometheus.GaugeVec
	jitter       *prometheus.GaugeVec
	received     *prometheus.GaugeVec
	transmitted  *prometheus.GaugeVec
	loss         *prometheus.GaugeVec
	totalTime    *prometheus.GaugeVec
	pruned       *prometheus.CounterVec
}

// NewPrometheus registers the echoprobe collectors with reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "echoprobe",
			Name:      name,
			Help:      help,
		}, []string{"probe"})
	}
	p := &Prometheus{
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "echoprobe",
			Name:      "response_time_seconds",
			Help:      "Round trip time of echo replies",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"probe"}),
		lastResponse: gauge("last_response_time_milliseconds", "Round trip time of the latest echo reply"),
		replyTTL:     gauge("reply_time_to_live", "Time to live reported with the latest echo reply"),
		average:      gauge("average_response_time_milliseconds", "Average response time over the statistics window"),
		best:         gauge("best_response_time_milliseconds", "Best response time over the statistics window"),
		worst:        gauge("worst_response_time_milliseconds", "Worst response time over the statistics window"),
		jitter:       gauge("jitter_milliseconds", "Mean absolute deviation of consecutive response time deltas"),
		received:     gauge("packets_received", "Echo replies received"),
		transmitted:  gauge("packets_transmitted", "Echo requests transmitted"),
		loss:         gauge("packet_loss_percent", "Packet loss percentage"),
		totalTime:    gauge("total_time_seconds", "Time since the probe started"),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echoprobe",
			Name:      "reply_records_pruned_total",
			Help:      "Reply records pruned from the store window",
		}, []string{"probe"}),
	}

	for _, c := range []prometheus.Collector{
		p.responseTime, p.lastResponse, p.replyTTL, p.average, p.best, p.worst,
		p.jitter, p.received, p.transmitted, p.loss, p.totalTime, p.pruned,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) PutReply(_ context.Context, name string, _ int, reply shared.Reply) error {
	ms, err := strconv.ParseFloat(reply.ResponseTime, 64)
	if err != nil {
		return err
	}
	p.responseTime.WithLabelValues(name).Observe(ms / 1000)
	p.lastResponse.WithLabelValues(name).Set(ms)
	p.replyTTL.WithLabelValues(name).Set(float64(reply.TTL))
	return nil
}

func (p *Prometheus) PutStatistics(_ context.Context, name string, stats shared.Statistics) error {
	if stats.HasSamples {
		p.average.WithLabelValues(name).Set(stats.Average)
		p.best.WithLabelValues(name).Set(stats.Best)
		p.worst.WithLabelValues(name).Set(stats.Worst)
		p.jitter.WithLabelValues(name).Set(stats.Jitter)
	}
	p.received.WithLabelValues(name).Set(float64(stats.PacketsReceived))
	p.transmitted.WithLabelValues(name).Set(float64(stats.PacketsTransmitted))
	p.loss.WithLabelValues(name).Set(float64(stats.PacketLoss))
	p.totalTime.WithLabelValues(name).Set(stats.TotalTime)
	return nil
}

func (p *Prometheus) DeleteReply(_ context.Context, name string, _ int) error {
	p.pruned.WithLabelValues(name).Inc()
	return nil
}

func (p *Prometheus) Close() error { return nil }
